package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSSink dials out to a WebSocket endpoint and writes one JSON frame per
// event. The connection is dialed lazily and re-dialed after a write
// failure.
type WSSink struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSink creates a sink for the given ws:// or wss:// URL.
func NewWSSink(url string, logger *slog.Logger) *WSSink {
	return &WSSink{url: url, logger: logger.With("sink", "websocket")}
}

func (s *WSSink) Name() string { return "websocket" }

// Deliver writes the event as a text frame, dialing first if needed.
func (s *WSSink) Deliver(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("websocket: encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, s.url, nil)
		if err != nil {
			return fmt.Errorf("websocket dial %s: %w", s.url, err)
		}
		s.conn = conn
		s.logger.Info("websocket sink connected", "url", s.url)
	}

	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		s.conn.Close(websocket.StatusInternalError, "write failed")
		s.conn = nil
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close shuts the connection down cleanly.
func (s *WSSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
}
