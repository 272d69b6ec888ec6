//go:build cgo

package audioio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/oto/v3"
)

const otoAvailable = true

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

// OtoDevice plays audio through an oto pull-model player. The player's
// reader goroutine stands in for the hardware callback thread.
type OtoDevice struct {
	cfg    Config
	logger *slog.Logger
}

func newOtoDevice(cfg Config, logger *slog.Logger) (Device, error) {
	return &OtoDevice{cfg: cfg, logger: logger.With("component", "audioio.oto")}, nil
}

// Enumerate reports the system default output.
func (d *OtoDevice) Enumerate() ([]DeviceInfo, error) {
	return []DeviceInfo{{Name: "default", Direction: Playback, IsDefault: true}}, nil
}

// OpenCapture is not supported by oto.
func (d *OtoDevice) OpenCapture(cfg StreamConfig, fn CaptureFunc) (Handle, error) {
	return nil, NewDeviceError(Capture, "oto backend", errors.New("capture not supported"))
}

// OpenPlayback opens an output stream.
func (d *OtoDevice) OpenPlayback(cfg StreamConfig, fn PlaybackFunc) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewDeviceError(Playback, "invalid stream config", err)
	}

	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: cfg.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   cfg.BlockDuration(),
		})
		if otoErr == nil {
			<-ready
			otoRate = cfg.SampleRate
		}
	})
	if otoErr != nil {
		return nil, NewDeviceError(Playback, "init oto context", otoErr)
	}
	if otoRate != cfg.SampleRate {
		return nil, NewDeviceError(Playback, fmt.Sprintf("oto context fixed at %d Hz", otoRate), nil)
	}

	h := &otoHandle{cfg: cfg, fn: fn}
	h.player = otoCtx.NewPlayer(h)

	d.logger.Info("audio stream opened",
		"direction", Playback,
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
	)
	return h, nil
}

// Name returns "oto".
func (d *OtoDevice) Name() string {
	return string(BackendOto)
}

// Close is a no-op; the oto context lives for the process.
func (d *OtoDevice) Close() error {
	return nil
}

type otoHandle struct {
	cfg    StreamConfig
	fn     PlaybackFunc
	player *oto.Player

	// mu is held for the duration of each Read so Stop can wait out an
	// in-flight callback.
	mu      sync.Mutex
	running bool
	closed  bool
	scratch []int16
}

// Read implements io.Reader for the oto player.
func (h *otoHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(p) / 2
	if !h.running {
		clear(p)
		return len(p), nil
	}
	if cap(h.scratch) < n {
		h.scratch = make([]int16, n)
	}
	block := h.scratch[:n]
	safePlayback(h.fn, block)
	written := EncodeSamples(p, block)
	clear(p[written*2:])
	return len(p), nil
}

func (h *otoHandle) Start() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.running = true
	h.mu.Unlock()

	h.player.Play()
	return nil
}

func (h *otoHandle) Stop() error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	h.player.Pause()
	return nil
}

func (h *otoHandle) Config() StreamConfig {
	return h.cfg
}

func (h *otoHandle) Close() error {
	h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.player.Close()
}
