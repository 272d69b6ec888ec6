// echo-endpoint: loopback conversation endpoint for voicestream
// Answers the handshake, echoes audio and emits transcript lines
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-voicestream/internal/config"
	"github.com/teslashibe/go-voicestream/internal/log"
	"github.com/teslashibe/go-voicestream/pkg/endpoint"
)

var (
	version = "0.1.0"

	addr            = flag.String("addr", "", "Listen address (default 127.0.0.1:3000)")
	path            = flag.String("path", "", "Conversation websocket path (default /conversation)")
	greeting        = flag.String("greeting", "Hello!", "Greeting transcript, empty to disable")
	noEcho          = flag.Bool("no-echo", false, "Do not echo audio back")
	transcriptEvery = flag.Int("transcript-every", 10, "Emit a transcript every N audio frames, 0 to disable")
	logLevel        = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat       = flag.String("log-format", "text", "Log format: text or json")
)

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	log.Init(*logLevel, *logFormat)

	cfg := endpoint.DefaultConfig()
	if envAddr := os.Getenv("ECHO_ENDPOINT_ADDRESS"); envAddr != "" {
		cfg.Address = envAddr
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	if *path != "" {
		cfg.Path = *path
	}
	cfg.Greeting = *greeting
	cfg.Echo = !*noEcho
	cfg.TranscriptEvery = *transcriptEvery

	srv, err := endpoint.New(cfg, endpoint.WithLogger(log.L()))
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	srv.App().Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"version":       version,
			"conversations": srv.ConversationCount(),
		})
	})

	fmt.Println()
	fmt.Println("🔁 Echo endpoint v" + version)
	fmt.Printf("   WebSocket: ws://%s%s\n", cfg.Address, cfg.Path)
	fmt.Printf("   Health:    http://%s/health\n", cfg.Address)
	fmt.Printf("   Stats:     http://%s/api/stats\n", cfg.Address)
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Printf("❌ Server error: %v\n", err)
		os.Exit(1)
	}

	st := srv.Stats()
	fmt.Printf("👋 Goodbye! (%d conversations, %d frames received)\n", st.Accepted, st.FramesReceived)
}
