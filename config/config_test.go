package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	input := `# server
bind 127.0.0.1
port 9090
mode pool
workers 4
queue-capacity 32
drain-on-close true
loglevel debug
`
	props, err := parse(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if props.Bind != "127.0.0.1" || props.Port != 9090 || props.Mode != ModePool {
		t.Errorf("unexpected address fields: %+v", props)
	}
	if props.Workers != 4 || props.QueueCapacity != 32 || !props.DrainOnClose {
		t.Errorf("unexpected pool fields: %+v", props)
	}
	if props.LogLevel != "debug" {
		t.Errorf("expect loglevel debug, got: %s", props.LogLevel)
	}
	// untouched keys keep their defaults
	if props.ReadBufferSize != 1024 || props.RingEntries != 64 {
		t.Errorf("defaults lost: %+v", props)
	}
}

func TestParse_BadNumber(t *testing.T) {
	if _, err := parse(strings.NewReader("port eighty\n")); err == nil {
		t.Error("expect error for non numeric port")
	}
}

func TestParseYAML(t *testing.T) {
	input := `
bind: 127.0.0.1
port: 8081
mode: uring
ringEntries: 128
heartbeatMs: 500
`
	props, err := parseYAML(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if props.Port != 8081 || props.Mode != ModeUring || props.RingEntries != 128 || props.HeartbeatMs != 500 {
		t.Errorf("unexpected properties: %+v", props)
	}
	if props.Workers != 6 {
		t.Errorf("expect default workers, got: %d", props.Workers)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(p *ServerProperties)
		ok     bool
	}{
		{name: "default", modify: func(p *ServerProperties) {}, ok: true},
		{name: "unknown-mode", modify: func(p *ServerProperties) { p.Mode = "kqueue" }},
		{name: "bad-port", modify: func(p *ServerProperties) { p.Port = 70000 }},
		{name: "zero-workers", modify: func(p *ServerProperties) { p.Workers = 0 }},
		{name: "ring-not-pow2", modify: func(p *ServerProperties) { p.RingEntries = 100 }},
		{name: "negative-heartbeat", modify: func(p *ServerProperties) { p.HeartbeatMs = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.modify(p)
			err := p.Validate()
			if tc.ok && err != nil {
				t.Errorf("expect valid, got: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expect validation error")
			}
		})
	}
}

func TestLoadConfigs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("port: 7070\nmode: epoll\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := Properties
	defer func() { Properties = old }()
	if err := LoadConfigs(path); err != nil {
		t.Fatal(err)
	}
	if Properties.Port != 7070 {
		t.Errorf("expect port 7070, got: %d", Properties.Port)
	}

	bad := filepath.Join(dir, "server.conf")
	if err := os.WriteFile(bad, []byte("mode poll\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadConfigs(bad); err == nil {
		t.Error("expect invalid mode to be rejected")
	}
	if Properties.Port != 7070 {
		t.Error("failed load must not replace properties")
	}
}
