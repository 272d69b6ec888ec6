// Package stream wires audio devices, bounded queues and a transport
// session into one duplex voice conversation.
//
// Capture callback → input queue → send loop → endpoint
// endpoint → receive loop → output queue → playback callback
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

// ErrAlreadyRunning is returned when Run is called more than once.
var ErrAlreadyRunning = errors.New("stream: orchestrator already ran")

// Termination reasons reported in Stats.
const (
	ReasonInterrupted    = "interrupted"
	ReasonClosedByServer = "closed by server"
	ReasonProtocolError  = "protocol error"
	ReasonConnectFailed  = "connect failed"
	ReasonDeviceError    = "device error"
)

// Orchestrator runs one client session end to end.
type Orchestrator struct {
	cfg     Config
	device  audioio.Device
	sink    transcript.Sink
	logger  *slog.Logger
	opts    []transport.Option
	onState func(from, to transport.State)

	stop     *transport.StopSignal
	input    *audioio.Queue
	output   *audioio.Queue
	capture  *capturePump
	playback *playbackPump

	mu      sync.Mutex
	ran     bool
	session *transport.Session
	reason  string
	started time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDevice sets the audio device. Required.
func WithDevice(d audioio.Device) Option {
	return func(o *Orchestrator) {
		o.device = d
	}
}

// WithSink sets where transcript events go.
func WithSink(s transcript.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithDialer overrides how the session opens its channel.
func WithDialer(d transport.Dialer) Option {
	return func(o *Orchestrator) {
		o.opts = append(o.opts, transport.WithDialer(d))
	}
}

// WithStateHook observes session state transitions.
func WithStateHook(fn func(from, to transport.State)) Option {
	return func(o *Orchestrator) {
		o.onState = fn
	}
}

// New creates an orchestrator. It allocates both queues and the stop
// signal but opens nothing until Run.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:    cfg,
		stop:   transport.NewStopSignal(),
		input:  audioio.NewQueue(cfg.InputQueueSize),
		output: audioio.NewQueue(cfg.OutputQueueSize),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.device == nil {
		return nil, errors.New("stream: no audio device")
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "stream")

	session := cfg.Transport.Session
	o.capture = &capturePump{queue: o.input, stop: o.stop, rate: session.InputSampleRate}
	o.playback = newPlaybackPump(o.output, o.stop, session.OutputSampleRate, cfg.PlaybackRate, cfg.Resampler)

	return o, nil
}

// Stop requests shutdown. Safe from any goroutine, including a signal
// handler, and idempotent.
func (o *Orchestrator) Stop() {
	o.stop.Request()
}

// StopSignal returns the signal shared by the session and both callbacks.
func (o *Orchestrator) StopSignal() *transport.StopSignal {
	return o.stop
}

// Run opens both devices, connects, streams until stop, and tears down
// in order: devices stopped, send loop finished, stop message sent,
// channel closed.
//
// A remote close and a user interrupt both return nil; the reason is
// available from Stats. Device, connection and protocol failures return
// the typed error from audioio or transport.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.ran = true
	o.started = time.Now()
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	captureCfg := o.cfg.CaptureStream()
	playbackCfg := o.cfg.PlaybackStream()

	in, err := o.device.OpenCapture(captureCfg, o.capture.onCapture)
	if err != nil {
		o.setReason(ReasonDeviceError)
		return err
	}
	out, err := o.device.OpenPlayback(playbackCfg, o.playback.onPlayback)
	if err != nil {
		in.Close()
		o.setReason(ReasonDeviceError)
		return err
	}
	o.logger.Info("audio devices opened",
		"backend", o.device.Name(),
		"capture_rate", captureCfg.SampleRate,
		"capture_block", captureCfg.BlockSize,
		"playback_rate", playbackCfg.SampleRate,
		"playback_block", playbackCfg.BlockSize,
	)

	opts := append([]transport.Option{
		transport.WithStopSignal(o.stop),
		transport.WithLogger(o.logger),
		transport.WithStateHook(o.onState),
	}, o.opts...)
	session, err := transport.NewSession(o.cfg.Transport, opts...)
	if err != nil {
		closeHandles(in, out)
		return err
	}
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()

	if err := session.Connect(ctx); err != nil {
		closeHandles(in, out)
		session.Close()
		if ctx.Err() != nil {
			o.setReason(ReasonInterrupted)
			return nil
		}
		o.setReason(ReasonConnectFailed)
		return err
	}

	var cause error
	if err := out.Start(); err != nil {
		cause = err
	} else if err := in.Start(); err != nil {
		cause = err
	}

	if cause == nil {
		cause = session.Run(ctx, o.input, o.output, o.sink)
	} else {
		o.setReason(ReasonDeviceError)
	}

	o.stop.Request()
	closeHandles(in, out)
	if err := session.Close(); err != nil {
		o.logger.Debug("channel close error", "error", err)
	}

	switch {
	case cause == nil:
		o.setReason(ReasonInterrupted)
		o.logger.Info("stream stopped")
		return nil
	case transport.IsChannelClosed(cause):
		o.setReason(ReasonClosedByServer)
		o.logger.Info("connection closed by server")
		return nil
	case transport.IsProtocolError(cause):
		o.setReason(ReasonProtocolError)
		o.logger.Error("protocol error", "error", cause)
		return cause
	default:
		o.setReason(ReasonDeviceError)
		return cause
	}
}

// closeHandles stops capture before playback so no new chunk is produced
// while playback drains to silence.
func closeHandles(in, out audioio.Handle) {
	in.Stop()
	out.Stop()
	in.Close()
	out.Close()
}

func (o *Orchestrator) setReason(r string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reason == "" {
		o.reason = r
	}
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Session        transport.Stats    `json:"session"`
	Input          audioio.QueueStats `json:"input_queue"`
	Output         audioio.QueueStats `json:"output_queue"`
	CaptureBlocks  uint64             `json:"capture_blocks"`
	PlaybackBlocks uint64             `json:"playback_blocks"`
	SilentBlocks   uint64             `json:"silent_blocks"`
	Underruns      uint64             `json:"underruns"`
	Reason         string             `json:"reason,omitempty"`
	UptimeSeconds  float64            `json:"uptime_seconds"`
	StopRequested  bool               `json:"stop_requested"`
	Backend        string             `json:"backend"`
}

// Stats returns a snapshot. Safe to call concurrently with Run.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	session, reason, started := o.session, o.reason, o.started
	o.mu.Unlock()

	st := Stats{
		Input:          o.input.Stats(),
		Output:         o.output.Stats(),
		CaptureBlocks:  o.capture.blocks.Load(),
		PlaybackBlocks: o.playback.blocks.Load(),
		SilentBlocks:   o.playback.silent.Load(),
		Underruns:      o.playback.underruns.Load(),
		Reason:         reason,
		StopRequested:  o.stop.Requested(),
		Backend:        o.device.Name(),
	}
	if session != nil {
		st.Session = session.Stats()
	} else {
		st.Session.State = transport.StateConnecting
	}
	if !started.IsZero() {
		st.UptimeSeconds = time.Since(started).Seconds()
	}
	return st
}
