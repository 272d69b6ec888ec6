// Package audioio provides hardware-driven audio capture and playback.
//
// This package supports multiple backends:
//   - malgo (miniaudio) - Capture and playback on Linux, macOS and Windows
//   - oto - Pull-model playback only
//   - Mock - CI/Testing without hardware
//
// Devices invoke registered callbacks once per hardware period on a
// dedicated thread. Callbacks must never block; they communicate with the
// rest of the program exclusively through a Queue.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects malgo when cgo is available, otherwise mock.
	BackendAuto Backend = "auto"
	// BackendMalgo uses miniaudio via github.com/gen2brain/malgo.
	BackendMalgo Backend = "malgo"
	// BackendOto uses github.com/ebitengine/oto/v3 (playback only).
	BackendOto Backend = "oto"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Direction identifies a capture or playback stream.
type Direction int

const (
	Capture Direction = iota
	Playback
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// Config holds device-system configuration.
type Config struct {
	// Backend specifies which audio backend to use for capture.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// PlaybackBackend overrides Backend for the playback stream.
	// Empty means same as Backend.
	PlaybackBackend Backend `yaml:"playback_backend" json:"playback_backend"`

	// CaptureDevice selects an input device by (sub)name. Empty uses the
	// system default.
	CaptureDevice string `yaml:"capture_device" json:"capture_device"`

	// PlaybackDevice selects an output device by (sub)name. Empty uses the
	// system default.
	PlaybackDevice string `yaml:"playback_device" json:"playback_device"`

	// Realtime requests realtime scheduling priority for callback threads.
	Realtime bool `yaml:"realtime" json:"realtime"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendAuto,
		Realtime: true,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	for _, b := range []Backend{c.Backend, c.PlaybackBackend} {
		switch b {
		case "", BackendAuto, BackendMalgo, BackendOto, BackendMock:
		default:
			return fmt.Errorf("unknown audio backend %q", b)
		}
	}
	if c.Backend == BackendOto {
		return fmt.Errorf("backend %q supports playback only", BackendOto)
	}
	return nil
}

// PlaybackBackendOrDefault returns the backend used for playback.
func (c *Config) PlaybackBackendOrDefault() Backend {
	if c.PlaybackBackend == "" {
		return c.Backend
	}
	return c.PlaybackBackend
}

// StreamConfig describes one opened stream.
type StreamConfig struct {
	// SampleRate is the stream rate in Hz.
	SampleRate int `json:"sample_rate"`

	// Channels is the number of interleaved channels. Only mono is used
	// by the streaming pipeline.
	Channels int `json:"channels"`

	// BlockSize is the number of frames delivered per callback.
	BlockSize int `json:"block_size"`
}

// Validate checks that the stream parameters are usable.
func (c StreamConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	return nil
}

// BlockSamples returns the number of int16 samples in one callback block.
func (c StreamConfig) BlockSamples() int {
	return c.BlockSize * c.Channels
}

// BlockBytes returns the size of one callback block in bytes.
func (c StreamConfig) BlockBytes() int {
	return c.BlockSamples() * 2
}

// BlockDuration returns the hardware period.
func (c StreamConfig) BlockDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.BlockSize) * time.Second / time.Duration(c.SampleRate)
}

// BlockSizeFor derives a device block size from the negotiated chunk size.
// The chunk duration is measured at the endpoint rate (16-bit mono) and
// scaled by multiplier, then expressed in frames at the device rate.
func BlockSizeFor(deviceRate, endpointRate, chunkBytes, multiplier int) int {
	if endpointRate <= 0 || multiplier <= 0 {
		return 0
	}
	chunkSeconds := float64(chunkBytes) / float64(endpointRate*2)
	return int(float64(deviceRate) * chunkSeconds * float64(multiplier))
}
