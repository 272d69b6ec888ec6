// Package config loads client configuration from a YAML file, a .env file
// and VOICESTREAM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/monitor"
	"github.com/teslashibe/go-voicestream/pkg/protocol"
	"github.com/teslashibe/go-voicestream/pkg/stream"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOICESTREAM_"

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type EndpointConfig struct {
	Address             string `yaml:"address"`
	Dialect             string `yaml:"dialect"` // plain, vocode
	InputSampleRate     int    `yaml:"input_sample_rate"`
	OutputSampleRate    int    `yaml:"output_sample_rate"`
	ChunkSize           int    `yaml:"chunk_size"`
	ConversationID      string `yaml:"conversation_id"`
	NewConversation     bool   `yaml:"new_conversation"`
	SubscribeTranscript bool   `yaml:"subscribe_transcript"`
	HandshakeTimeoutMS  int    `yaml:"handshake_timeout_ms"`
	WriteTimeoutMS      int    `yaml:"write_timeout_ms"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // auto, malgo, oto, mock
	PlaybackBackend string `yaml:"playback_backend"`
	CaptureDevice   string `yaml:"capture_device"`
	PlaybackDevice  string `yaml:"playback_device"`
	PlaybackRate    int    `yaml:"playback_rate"`
	BlockMultiplier int    `yaml:"block_multiplier"`
	InputQueueSize  int    `yaml:"input_queue_size"`
	OutputQueueSize int    `yaml:"output_queue_size"`
	PopTimeoutMS    int    `yaml:"pop_timeout_ms"`
	Resampler       string `yaml:"resampler"` // stateless, continuous
}

type TranscriptConfig struct {
	Console   bool   `yaml:"console"`
	StorePath string `yaml:"store_path"` // empty disables persistence
}

type Config struct {
	Environment string           `yaml:"environment"`
	Log         LogConfig        `yaml:"log"`
	Endpoint    EndpointConfig   `yaml:"endpoint"`
	Audio       AudioConfig      `yaml:"audio"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	Monitor     monitor.Config   `yaml:"monitor"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := stream.DefaultConfig()
	return Config{
		Environment: "development",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Endpoint: EndpointConfig{
			Dialect:             string(sc.Transport.Dialect),
			InputSampleRate:     sc.Transport.Session.InputSampleRate,
			OutputSampleRate:    sc.Transport.Session.OutputSampleRate,
			ChunkSize:           sc.Transport.Session.ChunkSize,
			SubscribeTranscript: true,
			HandshakeTimeoutMS:  int(sc.Transport.HandshakeTimeout / time.Millisecond),
			WriteTimeoutMS:      int(sc.Transport.WriteTimeout / time.Millisecond),
		},
		Audio: AudioConfig{
			Backend:         string(audioio.BackendAuto),
			PlaybackRate:    sc.PlaybackRate,
			BlockMultiplier: sc.BlockMultiplier,
			InputQueueSize:  sc.InputQueueSize,
			OutputQueueSize: sc.OutputQueueSize,
			PopTimeoutMS:    int(sc.Transport.PopTimeout / time.Millisecond),
			Resampler:       string(sc.Resampler),
		},
		Transcript: TranscriptConfig{
			Console: true,
		},
		Monitor: monitor.DefaultConfig(),
	}
}

// Load reads the YAML file at path (if any) over the defaults, then
// applies environment overrides. Variables from a .env file in the
// working directory are loaded first; they never replace variables that
// are already set. The result is not validated, so that command-line
// flags can still fill in the endpoint address.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := LoadDotEnv(".env"); err != nil {
		return cfg, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDotEnv loads the given .env files, skipping any that do not exist.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from VOICESTREAM_* variables. GO_ENV is
// honoured for the environment name.
func (c *Config) ApplyEnv() {
	overrideString(&c.Environment, "GO_ENV")
	overrideString(&c.Environment, EnvPrefix+"ENVIRONMENT")
	overrideString(&c.Log.Level, EnvPrefix+"LOG_LEVEL")
	overrideString(&c.Log.Format, EnvPrefix+"LOG_FORMAT")

	overrideString(&c.Endpoint.Address, EnvPrefix+"ENDPOINT")
	overrideString(&c.Endpoint.Dialect, EnvPrefix+"DIALECT")
	overrideInt(&c.Endpoint.InputSampleRate, EnvPrefix+"INPUT_SAMPLE_RATE")
	overrideInt(&c.Endpoint.OutputSampleRate, EnvPrefix+"OUTPUT_SAMPLE_RATE")
	overrideInt(&c.Endpoint.ChunkSize, EnvPrefix+"CHUNK_SIZE")
	overrideString(&c.Endpoint.ConversationID, EnvPrefix+"CONVERSATION_ID")
	overrideBool(&c.Endpoint.NewConversation, EnvPrefix+"NEW_CONVERSATION")
	overrideBool(&c.Endpoint.SubscribeTranscript, EnvPrefix+"SUBSCRIBE_TRANSCRIPT")
	overrideInt(&c.Endpoint.HandshakeTimeoutMS, EnvPrefix+"HANDSHAKE_TIMEOUT_MS")
	overrideInt(&c.Endpoint.WriteTimeoutMS, EnvPrefix+"WRITE_TIMEOUT_MS")

	overrideString(&c.Audio.Backend, EnvPrefix+"AUDIO_BACKEND")
	overrideString(&c.Audio.PlaybackBackend, EnvPrefix+"PLAYBACK_BACKEND")
	overrideString(&c.Audio.CaptureDevice, EnvPrefix+"CAPTURE_DEVICE")
	overrideString(&c.Audio.PlaybackDevice, EnvPrefix+"PLAYBACK_DEVICE")
	overrideInt(&c.Audio.PlaybackRate, EnvPrefix+"PLAYBACK_RATE")
	overrideInt(&c.Audio.BlockMultiplier, EnvPrefix+"BLOCK_MULTIPLIER")
	overrideInt(&c.Audio.InputQueueSize, EnvPrefix+"INPUT_QUEUE_SIZE")
	overrideInt(&c.Audio.OutputQueueSize, EnvPrefix+"OUTPUT_QUEUE_SIZE")
	overrideInt(&c.Audio.PopTimeoutMS, EnvPrefix+"POP_TIMEOUT_MS")
	overrideString(&c.Audio.Resampler, EnvPrefix+"RESAMPLER")

	overrideBool(&c.Transcript.Console, EnvPrefix+"TRANSCRIPT_CONSOLE")
	overrideString(&c.Transcript.StorePath, EnvPrefix+"TRANSCRIPT_STORE")

	overrideBool(&c.Monitor.Enabled, EnvPrefix+"MONITOR_ENABLED")
	overrideString(&c.Monitor.Address, EnvPrefix+"MONITOR_ADDRESS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

// Validate checks the whole configuration, including the derived stream
// and audio configurations.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Endpoint.ConversationID != "" && c.Endpoint.NewConversation {
		return errors.New("endpoint.conversation_id and endpoint.new_conversation are exclusive")
	}

	sc := c.Stream()
	if err := sc.Validate(); err != nil {
		return err
	}
	ac := c.AudioIO()
	if err := ac.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if c.Monitor.Enabled && c.Monitor.Address == "" {
		return errors.New("monitor.address must be set when the monitor is enabled")
	}
	return nil
}

// Stream derives the orchestrator configuration. With NewConversation set
// every call mints a fresh conversation id.
func (c *Config) Stream() stream.Config {
	sc := stream.DefaultConfig()

	t := &sc.Transport
	t.Address = c.Endpoint.Address
	t.Dialect = protocol.Dialect(c.Endpoint.Dialect)
	t.Session.InputSampleRate = c.Endpoint.InputSampleRate
	t.Session.OutputSampleRate = c.Endpoint.OutputSampleRate
	t.Session.ChunkSize = c.Endpoint.ChunkSize
	t.Session.SubscribeTranscript = c.Endpoint.SubscribeTranscript
	t.Session.ConversationID = c.Endpoint.ConversationID
	if c.Endpoint.NewConversation {
		t.Session.ConversationID = uuid.NewString()
	}
	t.PopTimeout = time.Duration(c.Audio.PopTimeoutMS) * time.Millisecond
	t.HandshakeTimeout = time.Duration(c.Endpoint.HandshakeTimeoutMS) * time.Millisecond
	t.WriteTimeout = time.Duration(c.Endpoint.WriteTimeoutMS) * time.Millisecond

	sc.PlaybackRate = c.Audio.PlaybackRate
	sc.BlockMultiplier = c.Audio.BlockMultiplier
	sc.InputQueueSize = c.Audio.InputQueueSize
	sc.OutputQueueSize = c.Audio.OutputQueueSize
	sc.Resampler = stream.ResamplerMode(c.Audio.Resampler)
	return sc
}

// AudioIO derives the device configuration.
func (c *Config) AudioIO() audioio.Config {
	ac := audioio.DefaultConfig()
	ac.Backend = audioio.Backend(c.Audio.Backend)
	ac.PlaybackBackend = audioio.Backend(c.Audio.PlaybackBackend)
	ac.CaptureDevice = c.Audio.CaptureDevice
	ac.PlaybackDevice = c.Audio.PlaybackDevice
	return ac
}
