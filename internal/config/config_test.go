package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/protocol"
	"github.com/teslashibe/go-voicestream/pkg/stream"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicestream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	sc := cfg.Stream()

	if sc.Transport.Session.InputSampleRate != 16000 {
		t.Errorf("Expected input rate 16000, got %d", sc.Transport.Session.InputSampleRate)
	}
	if sc.Transport.Session.ChunkSize != 4096 {
		t.Errorf("Expected chunk size 4096, got %d", sc.Transport.Session.ChunkSize)
	}
	if sc.Transport.PopTimeout != 50*time.Millisecond {
		t.Errorf("Expected pop timeout 50ms, got %v", sc.Transport.PopTimeout)
	}
	if sc.PlaybackRate != 44100 {
		t.Errorf("Expected playback rate 44100, got %d", sc.PlaybackRate)
	}
	if sc.Transport.Dialect != protocol.DialectPlain {
		t.Errorf("Expected plain dialect, got %q", sc.Transport.Dialect)
	}
	if cfg.Monitor.Enabled {
		t.Error("Expected monitor disabled by default")
	}

	// Defaults are valid once an address is given.
	cfg.Endpoint.Address = "ws://localhost:3000/conversation"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid defaults, got %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
endpoint:
  address: ws://voice.test/conversation
  dialect: vocode
  output_sample_rate: 24000
  conversation_id: conv-7
audio:
  backend: mock
  playback_rate: 48000
  resampler: continuous
transcript:
  store_path: data/transcripts.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	sc := cfg.Stream()
	if sc.Transport.Address != "ws://voice.test/conversation" {
		t.Errorf("Expected address from file, got %q", sc.Transport.Address)
	}
	if sc.Transport.Dialect != protocol.DialectVocode {
		t.Errorf("Expected vocode dialect, got %q", sc.Transport.Dialect)
	}
	if sc.Transport.Session.OutputSampleRate != 24000 {
		t.Errorf("Expected output rate 24000, got %d", sc.Transport.Session.OutputSampleRate)
	}
	// Unset keys keep their defaults.
	if sc.Transport.Session.InputSampleRate != 16000 {
		t.Errorf("Expected input rate 16000, got %d", sc.Transport.Session.InputSampleRate)
	}
	if sc.Transport.Session.ConversationID != "conv-7" {
		t.Errorf("Expected conversation conv-7, got %q", sc.Transport.Session.ConversationID)
	}
	if sc.Resampler != stream.ResamplerContinuous {
		t.Errorf("Expected continuous resampler, got %q", sc.Resampler)
	}
	if cfg.AudioIO().Backend != audioio.BackendMock {
		t.Errorf("Expected mock backend, got %q", cfg.AudioIO().Backend)
	}
	if cfg.Transcript.StorePath != "data/transcripts.db" {
		t.Errorf("Expected store path from file, got %q", cfg.Transcript.StorePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "endpoint: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("VOICESTREAM_ENDPOINT", "wss://env.test/conversation")
	t.Setenv("VOICESTREAM_PLAYBACK_RATE", "48000")
	t.Setenv("VOICESTREAM_SUBSCRIBE_TRANSCRIPT", "false")
	t.Setenv("VOICESTREAM_MONITOR_ENABLED", "true")
	t.Setenv("VOICESTREAM_INPUT_QUEUE_SIZE", "not-a-number")
	t.Setenv("VOICESTREAM_LOG_LEVEL", "  ")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Endpoint.Address != "wss://env.test/conversation" {
		t.Errorf("Expected address from env, got %q", cfg.Endpoint.Address)
	}
	if cfg.Audio.PlaybackRate != 48000 {
		t.Errorf("Expected playback rate 48000, got %d", cfg.Audio.PlaybackRate)
	}
	if cfg.Endpoint.SubscribeTranscript {
		t.Error("Expected transcript subscription disabled")
	}
	if !cfg.Monitor.Enabled {
		t.Error("Expected monitor enabled")
	}
	// Unparseable and blank values are ignored.
	if cfg.Audio.InputQueueSize != 50 {
		t.Errorf("Expected queue size 50, got %d", cfg.Audio.InputQueueSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected log level info, got %q", cfg.Log.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "endpoint:\n  address: ws://file.test/conversation\n")
	t.Setenv("VOICESTREAM_ENDPOINT", "ws://env.test/conversation")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint.Address != "ws://env.test/conversation" {
		t.Errorf("Expected env to win, got %q", cfg.Endpoint.Address)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VOICESTREAM_DIALECT=vocode\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("VOICESTREAM_DIALECT", "")
	os.Unsetenv("VOICESTREAM_DIALECT")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("load .env: %v", err)
	}

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Endpoint.Dialect != "vocode" {
		t.Errorf("Expected dialect from .env, got %q", cfg.Endpoint.Dialect)
	}
}

func TestNewConversation(t *testing.T) {
	cfg := Default()
	cfg.Endpoint.NewConversation = true

	a := cfg.Stream().Transport.Session.ConversationID
	b := cfg.Stream().Transport.Session.ConversationID
	if a == "" || a == b {
		t.Errorf("Expected fresh ids, got %q and %q", a, b)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing address", func(c *Config) { c.Endpoint.Address = "" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"bad dialect", func(c *Config) { c.Endpoint.Dialect = "sip" }, true},
		{"zero chunk", func(c *Config) { c.Endpoint.ChunkSize = 0 }, true},
		{"zero playback rate", func(c *Config) { c.Audio.PlaybackRate = 0 }, true},
		{"bad resampler", func(c *Config) { c.Audio.Resampler = "sinc" }, true},
		{"bad backend", func(c *Config) { c.Audio.Backend = "alsa" }, true},
		{"id and new conversation", func(c *Config) {
			c.Endpoint.ConversationID = "x"
			c.Endpoint.NewConversation = true
		}, true},
		{"monitor without address", func(c *Config) {
			c.Monitor.Enabled = true
			c.Monitor.Address = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Endpoint.Address = "ws://localhost:3000/conversation"
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
