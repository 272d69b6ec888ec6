//go:build cgo

package audioio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

const malgoAvailable = true

// MalgoDevice opens hardware streams through miniaudio.
// Callbacks run on miniaudio's device threads, optionally at realtime
// priority.
type MalgoDevice struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

func newMalgoDevice(cfg Config, logger *slog.Logger) (Device, error) {
	ctxCfg := malgo.ContextConfig{}
	if cfg.Realtime {
		ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}

	log := logger.With("component", "audioio.malgo")
	ctx, err := malgo.InitContext(nil, ctxCfg, func(message string) {
		log.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, NewDeviceError(Capture, "init audio context", err)
	}

	return &MalgoDevice{cfg: cfg, logger: log, ctx: ctx}, nil
}

// Enumerate lists capture and playback devices.
func (d *MalgoDevice) Enumerate() ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, NewDeviceError(Capture, "enumerate devices", ErrClosed)
	}

	var infos []DeviceInfo
	for _, dir := range []Direction{Capture, Playback} {
		found, err := d.ctx.Devices(malgoType(dir))
		if err != nil {
			return nil, NewDeviceError(dir, "enumerate devices", err)
		}
		for _, info := range found {
			infos = append(infos, DeviceInfo{
				Name:      info.Name(),
				Direction: dir,
				IsDefault: info.IsDefault != 0,
			})
		}
	}
	return infos, nil
}

// OpenCapture opens an input stream.
func (d *MalgoDevice) OpenCapture(cfg StreamConfig, fn CaptureFunc) (Handle, error) {
	h := &malgoHandle{cfg: cfg, capture: fn}
	if err := d.open(Capture, h); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenPlayback opens an output stream.
func (d *MalgoDevice) OpenPlayback(cfg StreamConfig, fn PlaybackFunc) (Handle, error) {
	h := &malgoHandle{cfg: cfg, playback: fn}
	if err := d.open(Playback, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (d *MalgoDevice) open(dir Direction, h *malgoHandle) error {
	if err := h.cfg.Validate(); err != nil {
		return NewDeviceError(dir, "invalid stream config", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return NewDeviceError(dir, "open stream", ErrClosed)
	}

	devCfg := malgo.DefaultDeviceConfig(malgoType(dir))
	devCfg.SampleRate = uint32(h.cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(h.cfg.BlockSize)
	devCfg.Alsa.NoMMap = 1

	name := d.cfg.CaptureDevice
	sub := &devCfg.Capture
	if dir == Playback {
		name = d.cfg.PlaybackDevice
		sub = &devCfg.Playback
	}
	sub.Format = malgo.FormatS16
	sub.Channels = uint32(h.cfg.Channels)

	if name != "" {
		id, err := d.lookup(dir, name)
		if err != nil {
			return err
		}
		h.id = id
		sub.DeviceID = h.id.Pointer()
	}

	h.scratch = make([]int16, h.cfg.BlockSamples())
	callbacks := malgo.DeviceCallbacks{Data: h.onData}

	device, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	if err != nil {
		return NewDeviceError(dir, "init device", err)
	}
	h.device = device

	d.logger.Info("audio stream opened",
		"direction", dir,
		"device", name,
		"sample_rate", h.cfg.SampleRate,
		"block_size", h.cfg.BlockSize,
	)
	return nil
}

func (d *MalgoDevice) lookup(dir Direction, name string) (malgo.DeviceID, error) {
	found, err := d.ctx.Devices(malgoType(dir))
	if err != nil {
		return malgo.DeviceID{}, NewDeviceError(dir, "enumerate devices", err)
	}
	for _, info := range found {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(name)) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, NewDeviceError(dir, fmt.Sprintf("no device matching %q", name), nil)
}

// Name returns "malgo".
func (d *MalgoDevice) Name() string {
	return string(BackendMalgo)
}

// Close releases the miniaudio context.
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	err := d.ctx.Uninit()
	d.ctx.Free()
	return err
}

func malgoType(dir Direction) malgo.DeviceType {
	if dir == Playback {
		return malgo.Playback
	}
	return malgo.Capture
}

type malgoHandle struct {
	cfg      StreamConfig
	capture  CaptureFunc
	playback PlaybackFunc

	id     malgo.DeviceID
	device *malgo.Device

	// scratch is only touched on the device thread.
	scratch []int16

	mu      sync.Mutex
	running bool
	closed  bool
}

func (h *malgoHandle) onData(pOutput, pInput []byte, frameCount uint32) {
	n := int(frameCount) * h.cfg.Channels
	if cap(h.scratch) < n {
		h.scratch = make([]int16, n)
	}
	block := h.scratch[:n]

	if h.capture != nil {
		DecodeSamples(block, pInput)
		safeCapture(h.capture, block)
		return
	}

	safePlayback(h.playback, block)
	written := EncodeSamples(pOutput, block)
	clear(pOutput[written*2:])
}

func (h *malgoHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.running {
		return nil
	}
	if err := h.device.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	h.running = true
	return nil
}

// Stop blocks until miniaudio has returned from the data callback.
func (h *malgoHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false
	if err := h.device.Stop(); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	return nil
}

func (h *malgoHandle) Config() StreamConfig {
	return h.cfg
}

func (h *malgoHandle) Close() error {
	err := h.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.device.Uninit()
	}
	return err
}
