package http1

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		method  string
		path    string
		headers Headers
		body    string
		err     error
	}{
		{
			name:    "get",
			raw:     "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n",
			method:  "GET",
			path:    "/hello",
			headers: Headers{"Host": "x"},
		},
		{
			name:    "post-with-body",
			raw:     "POST /form HTTP/1.1\r\nContent-Length: 7\r\n\r\na=1\r\n\r\nb",
			method:  "POST",
			path:    "/form",
			headers: Headers{"Content-Length": "7"},
			body:    "a=1\r\n\r\nb",
		},
		{
			name:    "last-header-wins",
			raw:     "GET / HTTP/1.0\r\nX-A: 1\r\nX-A: 2\r\n\r\n",
			method:  "GET",
			path:    "/",
			headers: Headers{"X-A": "2"},
		},
		{
			name:    "no-blank-line",
			raw:     "GET /a HTTP/1.1\r\nHost: y\r\n",
			method:  "GET",
			path:    "/a",
			headers: Headers{"Host": "y"},
		},
		{name: "empty", raw: "", err: ErrMalformedRequest},
		{name: "short-request-line", raw: "GET /\r\n\r\n", err: ErrMalformedRequest},
		{name: "not-http", raw: "GET / FTP/1.0\r\n\r\n", err: ErrMalformedRequest},
		{name: "bad-header", raw: "GET / HTTP/1.1\r\nnocolon\r\n\r\n", err: ErrMalformedRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tc.raw))
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Errorf("expect error %v, got: %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if req.Method != tc.method || req.Path != tc.path || req.Body != tc.body {
				t.Errorf("unexpected request: %+v", req)
			}
			if len(req.Headers) != len(tc.headers) {
				t.Errorf("expect headers %v, got: %v", tc.headers, req.Headers)
			}
			for k, v := range tc.headers {
				if req.Headers[k] != v {
					t.Errorf("header %s: expect %q, got: %q", k, v, req.Headers[k])
				}
			}
		})
	}
}

func TestResponse_Bytes(t *testing.T) {
	resp := NewResponse(200, "<p>hi</p>")
	resp.SetHeader("Content-Type", "text/html")
	resp.SetHeader("Content-Length", "9")
	want := "HTTP/1.1 200 OK\r\nContent-Length: 9\r\nContent-Type: text/html\r\n\r\n<p>hi</p>"
	if got := string(resp.Bytes()); got != want {
		t.Errorf("expect %q, got: %q", want, got)
	}
}

func TestParseResponse(t *testing.T) {
	raw := NewResponse(404, "missing")
	raw.SetHeader("X-Id", "1")
	resp, err := ParseResponse(raw.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 || resp.StatusText != "Not Found" || resp.Body != "missing" || resp.Headers["X-Id"] != "1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if _, err := ParseResponse([]byte("garbage")); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expect ErrMalformedResponse, got: %v", err)
	}
}

func TestRequest_Bytes(t *testing.T) {
	req := &Request{Method: "GET", Path: "/x", Version: Version, Headers: Headers{"Host": "h"}}
	got := string(req.Bytes())
	if !strings.HasPrefix(got, "GET /x HTTP/1.1\r\n") || !strings.HasSuffix(got, "Host: h\r\n\r\n") {
		t.Errorf("unexpected request bytes: %q", got)
	}
}
