// Package http1 turns raw bytes into a request and a response back into
// bytes. It keeps no state and does no I/O.
package http1

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const (
	CRLF    = "\r\n"
	Version = "HTTP/1.1"

	headerEnd = CRLF + CRLF
)

var (
	ErrMalformedRequest  = errors.New("malformed request")
	ErrMalformedResponse = errors.New("malformed response")
)

type Headers map[string]string

type Request struct {
	Method  string
	Path    string
	Version string
	Headers Headers
	Body    string
}

type Response struct {
	Version    string
	StatusCode int
	StatusText string
	Headers    Headers
	Body       string
}

// ParseRequest reads the request line and headers up to the first blank
// line, everything after it is the body. A repeated header keeps its last
// value.
func ParseRequest(raw []byte) (*Request, error) {
	head, body := splitMessage(string(raw))
	lines := strings.Split(head, CRLF)
	parts := strings.Fields(lines[0])
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, ErrMalformedRequest
	}
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, ErrMalformedRequest
	}
	return &Request{
		Method:  parts[0],
		Path:    parts[1],
		Version: parts[2],
		Headers: headers,
		Body:    body,
	}, nil
}

// Bytes serializes the request, mainly for clients and tests.
func (r *Request) Bytes() []byte {
	builder := strings.Builder{}
	builder.WriteString(r.Method + " " + r.Path + " " + r.Version + CRLF)
	writeHeaders(&builder, r.Headers)
	builder.WriteString(CRLF)
	builder.WriteString(r.Body)
	return []byte(builder.String())
}

// NewResponse builds an HTTP/1.1 response with the standard reason phrase.
func NewResponse(code int, body string) *Response {
	return &Response{
		Version:    Version,
		StatusCode: code,
		StatusText: http.StatusText(code),
		Headers:    Headers{},
		Body:       body,
	}
}

func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = Headers{}
	}
	r.Headers[key] = value
}

// Bytes writes the status line, the headers sorted by key, a blank line and
// the body.
func (r *Response) Bytes() []byte {
	builder := strings.Builder{}
	builder.WriteString(r.Version + " " + strconv.Itoa(r.StatusCode) + " " + r.StatusText + CRLF)
	writeHeaders(&builder, r.Headers)
	builder.WriteString(CRLF)
	builder.WriteString(r.Body)
	return []byte(builder.String())
}

func ParseResponse(raw []byte) (*Response, error) {
	head, body := splitMessage(string(raw))
	lines := strings.Split(head, CRLF)
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, ErrMalformedResponse
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrMalformedResponse
	}
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, ErrMalformedResponse
	}
	resp := &Response{Version: parts[0], StatusCode: code, Headers: headers, Body: body}
	if len(parts) == 3 {
		resp.StatusText = parts[2]
	}
	return resp, nil
}

func splitMessage(s string) (head, body string) {
	if idx := strings.Index(s, headerEnd); idx >= 0 {
		return s[:idx], s[idx+len(headerEnd):]
	}
	return strings.TrimRight(s, CRLF), ""
}

func parseHeaders(lines []string) (Headers, error) {
	headers := make(Headers, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, ErrMalformedRequest
		}
		headers[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	return headers, nil
}

func writeHeaders(builder *strings.Builder, headers Headers) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(k + ": " + headers[k] + CRLF)
	}
}
