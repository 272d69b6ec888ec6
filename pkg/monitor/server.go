// Package monitor serves a local HTTP view of a running stream: status,
// recent transcript lines, Prometheus metrics, and websocket feeds of
// transcript and session state.
package monitor

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/hub"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

// maxTranscript is the number of transcript lines kept for /api/transcript.
const maxTranscript = 100

// Config configures the monitor server.
type Config struct {
	// Enabled turns the monitor on.
	// Default: false
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Address is the listen address.
	// Default: "127.0.0.1:9090"
	Address string `yaml:"address" json:"address"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:9090"}
}

// StateChange is broadcast on /ws/status.
type StateChange struct {
	From transport.State `json:"from"`
	To   transport.State `json:"to"`
}

// Server is the monitor HTTP server.
type Server struct {
	app     *fiber.App
	logger  *slog.Logger
	stats   metrics.StatsFunc
	metrics *metrics.Metrics
	devices func() ([]audioio.DeviceInfo, error)

	transcriptHub *hub.Hub
	statusHub     *hub.Hub

	mu    sync.RWMutex
	lines []transcript.Event
	state transport.State
}

// Option configures a Server.
type Option func(*Server)

// WithDevices exposes the device list at /api/devices.
func WithDevices(fn func() ([]audioio.DeviceInfo, error)) Option {
	return func(s *Server) {
		s.devices = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a monitor. Metrics are registered with reg and served from
// gatherer at /metrics.
func New(stats metrics.StatsFunc, reg prometheus.Registerer, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		stats:   stats,
		metrics: metrics.New(reg, stats),
		lines:   make([]transcript.Event, 0, maxTranscript),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "monitor")
	s.transcriptHub = hub.New("transcript", s.logger)
	s.statusHub = hub.New("status", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "voicestream monitor",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())
	app.Use(s.recordRequest)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/transcript", s.handleTranscript)
	api.Get("/devices", s.handleDevices)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/transcript", websocket.New(s.handleTranscriptWS))
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Metrics returns the registered metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Deliver records a transcript line and pushes it to subscribers.
// Server is a transcript.Sink.
func (s *Server) Deliver(e transcript.Event) {
	s.mu.Lock()
	if len(s.lines) == maxTranscript {
		copy(s.lines, s.lines[1:])
		s.lines = s.lines[:maxTranscript-1]
	}
	s.lines = append(s.lines, e)
	s.mu.Unlock()

	s.metrics.Deliver(e)
	if err := s.transcriptHub.BroadcastJSON("transcript", e); err != nil {
		s.logger.Warn("failed to encode transcript", "error", err)
	}
}

// ObserveState records a session state transition. Its signature matches
// the session state hook.
func (s *Server) ObserveState(from, to transport.State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()

	s.metrics.ObserveState(from, to)
	if err := s.statusHub.BroadcastJSON("state", StateChange{From: from, To: to}); err != nil {
		s.logger.Warn("failed to encode state change", "error", err)
	}
}

// Serve runs the hubs and serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.transcriptHub.Run(ctx)
	go s.statusHub.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	s.logger.Info("monitor listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) recordRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	route := c.Route().Path
	s.metrics.RecordHTTPRequest(c.Method(), route, strconv.Itoa(status), time.Since(start).Seconds())
	return err
}
