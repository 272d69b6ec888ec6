package audioio

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// maxRecordedSamples bounds the playback history kept by a mock handle.
const maxRecordedSamples = 1 << 20

// MockDevice is a mock audio device for testing.
// Capture handles generate synthetic audio (silence or sine wave);
// playback handles record what the callback wrote.
//
// By default handles drive their callbacks from a ticker at the block
// period. WithManualClock disables the ticker so tests can call Tick.
type MockDevice struct {
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	capture  *MockHandle
	playback *MockHandle

	devices      []DeviceInfo
	enumerateErr error
	openErr      map[Direction]error
	manual       bool

	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockDeviceOption configures a MockDevice.
type MockDeviceOption func(*MockDevice)

// WithSineWave configures capture handles to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockDeviceOption {
	return func(m *MockDevice) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualClock disables the callback ticker.
func WithManualClock() MockDeviceOption {
	return func(m *MockDevice) {
		m.manual = true
	}
}

// WithEnumerateError makes Enumerate fail with err.
func WithEnumerateError(err error) MockDeviceOption {
	return func(m *MockDevice) {
		m.enumerateErr = err
	}
}

// WithOpenError makes opening a stream in direction dir fail with err.
func WithOpenError(dir Direction, err error) MockDeviceOption {
	return func(m *MockDevice) {
		m.openErr[dir] = err
	}
}

// NewMockDevice creates a new mock audio device.
func NewMockDevice(logger *slog.Logger, opts ...MockDeviceOption) *MockDevice {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockDevice{
		logger:    logger.With("component", "audioio.mock"),
		openErr:   make(map[Direction]error),
		amplitude: 0.5,
		devices: []DeviceInfo{
			{Name: "Mock Microphone", Direction: Capture, IsDefault: true},
			{Name: "Mock Speaker", Direction: Playback, IsDefault: true},
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Enumerate lists the mock devices.
func (m *MockDevice) Enumerate() ([]DeviceInfo, error) {
	if m.enumerateErr != nil {
		return nil, NewDeviceError(Capture, "enumerate devices", m.enumerateErr)
	}
	return append([]DeviceInfo(nil), m.devices...), nil
}

// OpenCapture opens a synthetic input stream.
func (m *MockDevice) OpenCapture(cfg StreamConfig, fn CaptureFunc) (Handle, error) {
	h, err := m.open(Capture, cfg)
	if err != nil {
		return nil, err
	}
	h.capture = fn
	return h, nil
}

// OpenPlayback opens a recording output stream.
func (m *MockDevice) OpenPlayback(cfg StreamConfig, fn PlaybackFunc) (Handle, error) {
	h, err := m.open(Playback, cfg)
	if err != nil {
		return nil, err
	}
	h.playback = fn
	return h, nil
}

func (m *MockDevice) open(dir Direction, cfg StreamConfig) (*MockHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewDeviceError(dir, "invalid stream config", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewDeviceError(dir, "open stream", ErrClosed)
	}
	if err := m.openErr[dir]; err != nil {
		return nil, NewDeviceError(dir, "open stream", err)
	}

	h := &MockHandle{
		dev: m,
		dir: dir,
		cfg: cfg,
		buf: make([]int16, cfg.BlockSamples()),
	}
	if dir == Capture {
		m.capture = h
	} else {
		m.playback = h
	}

	m.logger.Debug("mock stream opened",
		"direction", dir,
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
	)
	return h, nil
}

// CaptureHandle returns the most recently opened capture handle.
func (m *MockDevice) CaptureHandle() *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture
}

// PlaybackHandle returns the most recently opened playback handle.
func (m *MockDevice) PlaybackHandle() *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playback
}

// Name returns "mock".
func (m *MockDevice) Name() string {
	return string(BackendMock)
}

// Close releases the mock device.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MockHandle is a stream opened on a MockDevice.
type MockHandle struct {
	dev *MockDevice
	dir Direction
	cfg StreamConfig

	capture  CaptureFunc
	playback PlaybackFunc

	mu      sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}

	// cbMu serializes callback invocations against Stop.
	cbMu  sync.Mutex
	buf   []int16
	phase float64

	callbacks atomic.Int64

	playedMu sync.Mutex
	played   []int16
}

// Start begins invoking the callback.
func (h *MockHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.running {
		return nil
	}

	h.running = true
	if !h.dev.manual {
		h.stopCh = make(chan struct{})
		h.done = make(chan struct{})
		go h.tickLoop(h.stopCh, h.done)
	}
	return nil
}

func (h *MockHandle) tickLoop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.BlockDuration())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Stop halts callbacks and waits for an in-flight callback to return.
func (h *MockHandle) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	stopCh, done := h.stopCh, h.done
	h.stopCh, h.done = nil, nil
	h.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}

	h.cbMu.Lock()
	h.cbMu.Unlock()
	return nil
}

// Close stops and releases the handle.
func (h *MockHandle) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// Config returns the stream parameters.
func (h *MockHandle) Config() StreamConfig {
	return h.cfg
}

// Running reports whether callbacks are active.
func (h *MockHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Tick runs one hardware period: a capture handle delivers a synthetic
// block, a playback handle asks its callback to fill one block and records
// it. Tick does nothing while the handle is stopped.
func (h *MockHandle) Tick() {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	if !h.Running() {
		return
	}

	switch h.dir {
	case Capture:
		h.generate(h.buf)
		safeCapture(h.capture, h.buf)
	case Playback:
		for i := range h.buf {
			h.buf[i] = math.MinInt16 // garbage the callback must overwrite
		}
		safePlayback(h.playback, h.buf)
		h.record(h.buf)
	}
	h.callbacks.Add(1)
}

// Feed delivers samples to a running capture callback as one block.
func (h *MockHandle) Feed(samples []int16) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	if h.dir != Capture || !h.Running() {
		return
	}
	safeCapture(h.capture, samples)
	h.callbacks.Add(1)
}

func (h *MockHandle) generate(buf []int16) {
	freq := h.dev.frequency
	if freq == 0 {
		clear(buf)
		return
	}
	amp := h.dev.amplitude * math.MaxInt16
	inc := 2 * math.Pi * freq / float64(h.cfg.SampleRate)
	for i := range buf {
		buf[i] = int16(amp * math.Sin(h.phase))
		h.phase += inc
		if h.phase > 2*math.Pi {
			h.phase -= 2 * math.Pi
		}
	}
}

func (h *MockHandle) record(block []int16) {
	h.playedMu.Lock()
	defer h.playedMu.Unlock()
	if len(h.played)+len(block) > maxRecordedSamples {
		return
	}
	h.played = append(h.played, block...)
}

// Played returns a copy of everything the playback callback produced.
func (h *MockHandle) Played() []int16 {
	h.playedMu.Lock()
	defer h.playedMu.Unlock()
	return append([]int16(nil), h.played...)
}

// Callbacks returns the number of callback invocations.
func (h *MockHandle) Callbacks() int64 {
	return h.callbacks.Load()
}
