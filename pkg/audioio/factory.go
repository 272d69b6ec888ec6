package audioio

import (
	"errors"
	"fmt"
	"log/slog"
)

// NewDevice creates an audio device with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
// When PlaybackBackend differs from Backend, capture and playback are
// served by separate backends.
func NewDevice(cfg Config, logger *slog.Logger) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	captureBackend := resolveBackend(cfg.Backend)
	playbackBackend := resolveBackend(cfg.PlaybackBackendOrDefault())

	logger.Info("creating audio device",
		"capture_backend", captureBackend,
		"playback_backend", playbackBackend,
	)

	capture, err := newBackend(captureBackend, cfg, logger)
	if err != nil {
		return nil, err
	}
	if playbackBackend == captureBackend {
		return capture, nil
	}

	playback, err := newBackend(playbackBackend, cfg, logger)
	if err != nil {
		capture.Close()
		return nil, err
	}
	return &splitDevice{capture: capture, playback: playback}, nil
}

func newBackend(b Backend, cfg Config, logger *slog.Logger) (Device, error) {
	switch b {
	case BackendMock:
		return NewMockDevice(logger), nil
	case BackendMalgo:
		return newMalgoDevice(cfg, logger)
	case BackendOto:
		return newOtoDevice(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", b)
	}
}

func resolveBackend(b Backend) Backend {
	if b == "" || b == BackendAuto {
		return detectBestBackend()
	}
	return b
}

// detectBestBackend returns the best available backend for this build.
func detectBestBackend() Backend {
	if malgoAvailable {
		return BackendMalgo
	}
	return BackendMock
}

// AvailableBackends returns the list of backends compiled into this build.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if malgoAvailable {
		backends = append(backends, BackendMalgo)
	}
	if otoAvailable {
		backends = append(backends, BackendOto)
	}
	return backends
}

// splitDevice serves capture and playback from different backends.
type splitDevice struct {
	capture  Device
	playback Device
}

func (d *splitDevice) Enumerate() ([]DeviceInfo, error) {
	in, err := d.capture.Enumerate()
	if err != nil {
		return nil, err
	}
	out, err := d.playback.Enumerate()
	if err != nil {
		return nil, err
	}
	var infos []DeviceInfo
	for _, info := range in {
		if info.Direction == Capture {
			infos = append(infos, info)
		}
	}
	for _, info := range out {
		if info.Direction == Playback {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (d *splitDevice) OpenCapture(cfg StreamConfig, fn CaptureFunc) (Handle, error) {
	return d.capture.OpenCapture(cfg, fn)
}

func (d *splitDevice) OpenPlayback(cfg StreamConfig, fn PlaybackFunc) (Handle, error) {
	return d.playback.OpenPlayback(cfg, fn)
}

func (d *splitDevice) Name() string {
	return d.capture.Name() + "+" + d.playback.Name()
}

func (d *splitDevice) Close() error {
	return errors.Join(d.playback.Close(), d.capture.Close())
}
