package monitor

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voicestream/pkg/hub"
	"github.com/teslashibe/go-voicestream/pkg/transcript"
)

// handleStatus returns the pipeline snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.stats()
	return c.JSON(fiber.Map{
		"stream":      st,
		"subscribers": s.transcriptHub.ClientCount() + s.statusHub.ClientCount(),
	})
}

// handleTranscript returns recent transcript lines, oldest first.
func (s *Server) handleTranscript(c *fiber.Ctx) error {
	return c.JSON(s.recentLines())
}

func (s *Server) handleDevices(c *fiber.Ctx) error {
	if s.devices == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "device listing not configured",
		})
	}
	devices, err := s.devices()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(devices)
}

func (s *Server) recentLines() []transcript.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transcript.Event(nil), s.lines...)
}

// handleTranscriptWS replays recent lines, then streams new ones.
func (s *Server) handleTranscriptWS(c *websocket.Conn) {
	var backlog [][]byte
	for _, e := range s.recentLines() {
		if data, err := hub.Encode("transcript", e); err == nil {
			backlog = append(backlog, data)
		}
	}
	s.transcriptHub.Serve(c, backlog...)
}

// handleStatusWS sends the current state, then streams transitions.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()

	var backlog [][]byte
	if data, err := hub.Encode("state", StateChange{From: current, To: current}); err == nil {
		backlog = append(backlog, data)
	}
	s.statusHub.Serve(c, backlog...)
}
