package stream

import (
	"fmt"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

// ResamplerMode selects how received audio is converted to the playback
// device rate.
type ResamplerMode string

const (
	// ResamplerStateless resamples each chunk independently.
	ResamplerStateless ResamplerMode = "stateless"
	// ResamplerContinuous keeps phase across chunks.
	ResamplerContinuous ResamplerMode = "continuous"
)

// Config holds orchestrator configuration.
type Config struct {
	// Transport configures the session with the endpoint.
	Transport transport.Config `yaml:"transport" json:"transport"`

	// PlaybackRate is the output device rate in Hz.
	// Default: 44100
	PlaybackRate int `yaml:"playback_rate" json:"playback_rate"`

	// BlockMultiplier scales the device period relative to one chunk.
	// Default: 2
	BlockMultiplier int `yaml:"block_multiplier" json:"block_multiplier"`

	// InputQueueSize is the capture → network queue capacity in chunks.
	// Default: 50
	InputQueueSize int `yaml:"input_queue_size" json:"input_queue_size"`

	// OutputQueueSize is the network → playback queue capacity in chunks.
	// Default: 50
	OutputQueueSize int `yaml:"output_queue_size" json:"output_queue_size"`

	// Resampler selects the playback resampling mode.
	// Default: "stateless"
	Resampler ResamplerMode `yaml:"resampler" json:"resampler"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport:       transport.DefaultConfig(),
		PlaybackRate:    44100,
		BlockMultiplier: 2,
		InputQueueSize:  audioio.DefaultQueueCapacity,
		OutputQueueSize: audioio.DefaultQueueCapacity,
		Resampler:       ResamplerStateless,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if c.PlaybackRate <= 0 {
		return fmt.Errorf("playback_rate must be positive, got %d", c.PlaybackRate)
	}
	if c.BlockMultiplier <= 0 {
		return fmt.Errorf("block_multiplier must be positive, got %d", c.BlockMultiplier)
	}
	if c.InputQueueSize <= 0 || c.OutputQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive, got %d/%d", c.InputQueueSize, c.OutputQueueSize)
	}
	switch c.Resampler {
	case ResamplerStateless, ResamplerContinuous:
	default:
		return fmt.Errorf("unknown resampler %q", c.Resampler)
	}
	return nil
}

// CaptureStream returns the input device parameters: the endpoint input
// rate, mono, one period per BlockMultiplier chunks.
func (c *Config) CaptureStream() audioio.StreamConfig {
	s := c.Transport.Session
	return audioio.StreamConfig{
		SampleRate: s.InputSampleRate,
		Channels:   1,
		BlockSize:  audioio.BlockSizeFor(s.InputSampleRate, s.InputSampleRate, s.ChunkSize, c.BlockMultiplier),
	}
}

// PlaybackStream returns the output device parameters.
func (c *Config) PlaybackStream() audioio.StreamConfig {
	s := c.Transport.Session
	return audioio.StreamConfig{
		SampleRate: c.PlaybackRate,
		Channels:   1,
		BlockSize:  audioio.BlockSizeFor(c.PlaybackRate, s.InputSampleRate, s.ChunkSize, c.BlockMultiplier),
	}
}
