package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
)

type ServerProperties struct {
	Bind           string `cfg:"bind" json:"bind"`
	Port           int    `cfg:"port" json:"port"`
	Mode           string `cfg:"mode" json:"mode"`
	Workers        int    `cfg:"workers" json:"workers"`
	QueueCapacity  int    `cfg:"queue-capacity" json:"queueCapacity"`
	DrainOnClose   bool   `cfg:"drain-on-close" json:"drainOnClose"`
	ReadBufferSize int    `cfg:"read-buffer-size" json:"readBufferSize"`
	RingEntries    int    `cfg:"ring-entries" json:"ringEntries"`
	Backlog        int    `cfg:"backlog" json:"backlog"`
	HeartbeatMs    int    `cfg:"heartbeat-ms" json:"heartbeatMs"`
	LogLevel       string `cfg:"loglevel" json:"logLevel"`
}

var Properties *ServerProperties

const (
	ModePool  = "pool"
	ModeEpoll = "epoll"
	ModeUring = "uring"
)

func init() {
	Properties = Default()
}

// Default returns the properties used when no config file is given.
func Default() *ServerProperties {
	return &ServerProperties{
		Bind:           "0.0.0.0",
		Port:           8080,
		Mode:           ModeEpoll,
		Workers:        6,
		QueueCapacity:  10,
		DrainOnClose:   false,
		ReadBufferSize: 1024,
		RingEntries:    64,
		Backlog:        10,
		HeartbeatMs:    0,
		LogLevel:       "info",
	}
}

// Validate rejects values no server mode can run with.
func (p *ServerProperties) Validate() error {
	switch p.Mode {
	case ModePool, ModeEpoll, ModeUring:
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	if p.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", p.Workers)
	}
	if p.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", p.ReadBufferSize)
	}
	if p.RingEntries <= 0 || p.RingEntries&(p.RingEntries-1) != 0 {
		return fmt.Errorf("ring entries must be a power of two, got %d", p.RingEntries)
	}
	if p.HeartbeatMs < 0 {
		return fmt.Errorf("heartbeat must not be negative, got %d", p.HeartbeatMs)
	}
	return nil
}

func parse(reader io.Reader) (*ServerProperties, error) {
	configs := Default()
	cfgMap := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	// scan config file
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// skip comments
		if len(line) > 0 && line[0] == '#' {
			continue
		}
		// get gap between key and value
		idx := strings.IndexAny(line, " ")
		if idx > 0 && idx < len(line)-1 {
			key := line[0:idx]
			value := strings.Trim(line[idx+1:], " ")
			cfgMap[strings.ToLower(key)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t := reflect.TypeOf(configs)
	v := reflect.ValueOf(configs)
	n := t.Elem().NumField()
	for i := 0; i < n; i++ {
		field := t.Elem().Field(i)
		fieldValue := v.Elem().Field(i)
		key, ok := field.Tag.Lookup("cfg")
		if !ok {
			key = field.Name
		}
		value, ok := cfgMap[strings.ToLower(key)]
		if !ok {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			fieldValue.SetString(value)
		case reflect.Int:
			num, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config %s: %w", key, err)
			}
			fieldValue.SetInt(num)
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("config %s: %w", key, err)
			}
			fieldValue.SetBool(boolVal)
		}
	}
	return configs, nil
}

func parseYAML(reader io.Reader) (*ServerProperties, error) {
	configs := Default()
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(bytes, configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// LoadConfigs reads a .yaml/.yml file with YAML, anything else with the
// "key value" line format, and replaces Properties on success.
func LoadConfigs(configFilePath string) error {
	file, err := os.Open(configFilePath)
	if err != nil {
		return err
	}
	defer file.Close()
	var props *ServerProperties
	switch strings.ToLower(filepath.Ext(configFilePath)) {
	case ".yaml", ".yml":
		props, err = parseYAML(file)
	default:
		props, err = parse(file)
	}
	if err != nil {
		return fmt.Errorf("load config %s: %w", configFilePath, err)
	}
	if err := props.Validate(); err != nil {
		return fmt.Errorf("load config %s: %w", configFilePath, err)
	}
	Properties = props
	return nil
}
