// voicestream: full-duplex microphone/speaker client for a conversation endpoint
// Streams captured audio over a websocket and plays the endpoint's audio back
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-voicestream/internal/config"
	"github.com/teslashibe/go-voicestream/internal/log"
	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/monitor"
	"github.com/teslashibe/go-voicestream/pkg/stream"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

var (
	version = "0.1.0"

	configPath      = flag.String("config", "", "YAML config file")
	dialect         = flag.String("dialect", "", "Message dialect: plain or vocode")
	backend         = flag.String("backend", "", "Audio backend: auto, malgo, mock")
	playbackBackend = flag.String("playback-backend", "", "Playback backend override: malgo, oto, mock")
	playbackRate    = flag.Int("playback-rate", 0, "Playback device sample rate")
	resampler       = flag.String("resampler", "", "Resampler: stateless or continuous")
	conversationID  = flag.String("conversation", "", "Resume a conversation by id")
	newConversation = flag.Bool("new-conversation", false, "Start a conversation with a fresh id")
	noTranscript    = flag.Bool("no-transcript", false, "Do not subscribe to transcripts")
	storePath       = flag.String("store", "", "Persist transcripts to this sqlite file")
	monitorAddr     = flag.String("monitor", "", "Serve the diagnostics monitor on this address")
	logLevel        = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat       = flag.String("log-format", "", "Log format: text or json")
	listDevices     = flag.Bool("list-devices", false, "List audio devices and exit")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: voicestream [flags] <ws://host:port/path>\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("voicestream v" + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)

	log.Init(cfg.Log.Level, cfg.Log.Format)
	logger := log.L()

	device, err := audioio.NewDevice(cfg.AudioIO(), logger)
	if err != nil {
		fmt.Printf("❌ Audio unavailable: %v\n", err)
		os.Exit(1)
	}
	devices, err := device.Enumerate()
	if err != nil {
		fmt.Printf("❌ Failed to enumerate audio devices: %v\n", err)
		device.Close()
		os.Exit(1)
	}
	if *listDevices {
		printDevices(device.Name(), devices)
		device.Close()
		return
	}

	if cfg.Endpoint.Address == "" {
		usage()
		device.Close()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Invalid configuration: %v\n", err)
		device.Close()
		os.Exit(1)
	}

	code := run(cfg, device, logger)
	device.Close()
	os.Exit(code)
}

// applyFlags copies explicitly set flags over file and environment values.
func applyFlags(cfg *config.Config) {
	if addr := flag.Arg(0); addr != "" {
		cfg.Endpoint.Address = addr
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dialect":
			cfg.Endpoint.Dialect = *dialect
		case "backend":
			cfg.Audio.Backend = *backend
		case "playback-backend":
			cfg.Audio.PlaybackBackend = *playbackBackend
		case "playback-rate":
			cfg.Audio.PlaybackRate = *playbackRate
		case "resampler":
			cfg.Audio.Resampler = *resampler
		case "conversation":
			cfg.Endpoint.ConversationID = *conversationID
		case "new-conversation":
			cfg.Endpoint.NewConversation = *newConversation
		case "no-transcript":
			cfg.Endpoint.SubscribeTranscript = !*noTranscript
		case "store":
			cfg.Transcript.StorePath = *storePath
		case "monitor":
			cfg.Monitor.Enabled = *monitorAddr != ""
			cfg.Monitor.Address = *monitorAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
}

func printDevices(name string, devices []audioio.DeviceInfo) {
	fmt.Printf("🔊 Audio devices (%s)\n", name)
	for _, d := range devices {
		def := ""
		if d.IsDefault {
			def = " (default)"
		}
		fmt.Printf("   %-8s %s%s\n", d.Direction, d.Name, def)
	}
}

func run(cfg config.Config, device audioio.Device, logger *slog.Logger) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sc := cfg.Stream()

	sinks := transcript.Multi{}
	if cfg.Transcript.Console {
		sinks = append(sinks, transcript.NewConsole(os.Stdout))
	}

	if cfg.Transcript.StorePath != "" {
		store, err := transcript.Open(ctx, cfg.Transcript.StorePath, sc.Transport.Address, logger)
		if err != nil {
			fmt.Printf("❌ Failed to open transcript store: %v\n", err)
			return 1
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	var orch *stream.Orchestrator
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		reg := prometheus.NewRegistry()
		mon = monitor.New(func() stream.Stats { return orch.Stats() }, reg, reg,
			monitor.WithDevices(device.Enumerate),
			monitor.WithLogger(logger),
		)
		sinks = append(sinks, mon)
	}

	opts := []stream.Option{
		stream.WithDevice(device),
		stream.WithSink(sinks),
		stream.WithLogger(logger),
	}
	if mon != nil {
		opts = append(opts, stream.WithStateHook(mon.ObserveState))
	}

	orch, err := stream.New(sc, opts...)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return 1
	}

	if mon != nil {
		go func() {
			if err := mon.ListenAndServe(ctx, cfg.Monitor.Address); err != nil {
				logger.Error("monitor stopped", "error", err)
			}
		}()
		fmt.Printf("📊 Monitor: http://%s/api/status\n", cfg.Monitor.Address)
	}

	fmt.Println()
	fmt.Println("🎙️  voicestream v" + version)
	fmt.Printf("   Endpoint: %s (%s)\n", sc.Transport.Address, sc.Transport.Dialect)
	fmt.Printf("   Audio:    %s, capture %d Hz, playback %d Hz\n",
		device.Name(), sc.Transport.Session.InputSampleRate, sc.PlaybackRate)
	if id := sc.Transport.Session.ConversationID; id != "" {
		fmt.Printf("   Conversation: %s\n", id)
	}
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()

	err = orch.Run(ctx)
	return report(err, orch.Stats())
}

// report prints the single-line outcome of a run and returns the exit code.
func report(err error, st stream.Stats) int {
	switch {
	case err == nil && st.Reason == stream.ReasonClosedByServer:
		fmt.Println("🔌 Connection closed by server")
		return 0
	case err == nil:
		fmt.Printf("👋 Stopped (sent %d frames, received %d)\n", st.Session.FramesSent, st.Session.FramesReceived)
		return 0
	case errors.Is(err, transport.ErrInvalidAddress):
		fmt.Printf("❌ Invalid endpoint address: %v\n", err)
	case errors.Is(err, transport.ErrConnectionRefused):
		fmt.Println("❌ Connection refused: is the endpoint running?")
	case transport.IsConnectionError(err):
		fmt.Printf("❌ Could not connect: %v\n", err)
	case transport.IsProtocolError(err):
		fmt.Printf("❌ Protocol error: %v\n", err)
	case audioio.IsDeviceUnavailable(err):
		fmt.Printf("❌ Audio device unavailable: %v\n", err)
	default:
		fmt.Printf("❌ %v\n", err)
	}
	return 1
}
