// ABOUTME: Tests for configuration file loading and schema validation
// ABOUTME: Covers valid documents, schema violations, and strict decoding
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullDocument(t *testing.T) {
	raw := []byte(`{
		"name": "Living Room",
		"host": "den.local",
		"port": 9670,
		"latency_ms": 250,
		"idle_timeout_ms": 30000,
		"family": "ipv6",
		"source": "pipe",
		"capture_pipe": "/run/lansound/capture",
		"auto_enable": true,
		"tui": true,
		"metrics_addr": "127.0.0.1:9091",
		"log_level": "debug"
	}`)

	f, err := Parse(raw, "test.json")
	require.NoError(t, err)

	require.NotNil(t, f.Name)
	assert.Equal(t, "Living Room", *f.Name)
	require.NotNil(t, f.Port)
	assert.Equal(t, 9670, *f.Port)
	require.NotNil(t, f.LatencyMs)
	assert.Equal(t, 250, *f.LatencyMs)
	require.NotNil(t, f.Family)
	assert.Equal(t, "ipv6", *f.Family)
	require.NotNil(t, f.AutoEnable)
	assert.True(t, *f.AutoEnable)
	require.NotNil(t, f.TUI)
	assert.True(t, *f.TUI)
	assert.Nil(t, f.Backend, "absent keys stay nil")
}

func TestParseEmptyObject(t *testing.T) {
	f, err := Parse([]byte(`{}`), "test.json")
	require.NoError(t, err)
	assert.Nil(t, f.Name)
	assert.Nil(t, f.Port)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "unknown key", raw: `{"latency": 250}`},
		{name: "wrong type", raw: `{"port": "9670"}`},
		{name: "port out of range", raw: `{"port": 70000}`},
		{name: "negative latency", raw: `{"latency_ms": -1}`},
		{name: "bad family", raw: `{"family": "both"}`},
		{name: "bad source", raw: `{"source": "microphone"}`},
		{name: "not an object", raw: `[1, 2]`},
		{name: "not json", raw: `latency = 250`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), "test.json")
			assert.Error(t, err)
		})
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lansound.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "Attic", "port": 4242}`), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, f.Name)
	assert.Equal(t, "Attic", *f.Name)
	require.NotNil(t, f.Port)
	assert.Equal(t, 4242, *f.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidateLatency(t *testing.T) {
	assert.NoError(t, ValidateLatency(0))
	assert.NoError(t, ValidateLatency(250))
	assert.Error(t, ValidateLatency(-1))
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort(9670))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(65536))
}
