// ABOUTME: Optional JSON configuration file shared by both binaries
// ABOUTME: Schema-validated and strictly decoded; flags override file values
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// File mirrors the JSON configuration document. Nil fields were absent, so
// flag defaults stand; set fields are overridden by flags the user passed
// explicitly.
type File struct {
	Name          *string `json:"name,omitempty"`
	Host          *string `json:"host,omitempty"`
	Port          *int    `json:"port,omitempty"`
	LatencyMs     *int    `json:"latency_ms,omitempty"`
	IdleTimeoutMs *int    `json:"idle_timeout_ms,omitempty"`
	Family        *string `json:"family,omitempty"`
	Source        *string `json:"source,omitempty"`
	Backend       *string `json:"backend,omitempty"`
	CapturePipe   *string `json:"capture_pipe,omitempty"`
	PlaybackPipe  *string `json:"playback_pipe,omitempty"`
	ActivityPipe  *string `json:"activity_pipe,omitempty"`
	AutoEnable    *bool   `json:"auto_enable,omitempty"`
	TUI           *bool   `json:"tui,omitempty"`
	MetricsAddr   *string `json:"metrics_addr,omitempty"`
	LogLevel      *string `json:"log_level,omitempty"`
	LogFile       *string `json:"log_file,omitempty"`
}

// Load reads, validates, and strictly decodes a configuration file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw, path)
}

// Parse validates raw JSON against the embedded schema and decodes it. Any
// schema violation or unknown key is an error, not a warning: a typo in a
// config file must never silently change behavior.
func Parse(raw []byte, path string) (*File, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("config: %s is not valid JSON: %w", path, err)
	}
	if err := s.Validate(payload); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &f, nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config-schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("config: register schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("config-schema.json")
	})
	return schema, schemaErr
}

// ValidateLatency rejects latencies the jitter buffer cannot realize.
func ValidateLatency(ms int) error {
	if ms < 0 {
		return fmt.Errorf("config: invalid value for latency: %d", ms)
	}
	return nil
}

// ValidatePort rejects unusable TCP ports.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: invalid port %d", port)
	}
	return nil
}
