package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/njfio/tau/internal/event"
)

const bridgeBufferCap = 256

// BridgeSource receives WhatsApp messages over a bridge WebSocket. The
// bridge speaks the actual WhatsApp protocol; this source just decodes its
// JSON frames into inbound events and buffers them until the next cycle.
type BridgeSource struct {
	url           string
	phoneNumberID string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []event.InboundEvent
	dropped int

	cancel context.CancelFunc
}

// NewBridgeSource creates a bridge source for url. phoneNumberID, when
// set, prefixes conversation IDs per the WhatsApp normalization rule.
func NewBridgeSource(url, phoneNumberID string) *BridgeSource {
	return &BridgeSource{url: url, phoneNumberID: phoneNumberID}
}

func (s *BridgeSource) Name() string { return "bridge:" + s.url }

// Start connects and begins the listen loop. The initial connection
// failing is not fatal; the loop keeps retrying with backoff.
func (s *BridgeSource) Start(ctx context.Context) error {
	if s.url == "" {
		return fmt.Errorf("bridge url is required")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go s.listenLoop(ctx)
	return nil
}

// Stop closes the connection and halts the listen loop.
func (s *BridgeSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Discover drains the buffered events.
func (s *BridgeSource) Discover(context.Context) ([]event.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.pending
	s.pending = nil
	if s.dropped > 0 {
		slog.Warn("bridge buffer overflowed since last cycle", "dropped", s.dropped)
		s.dropped = 0
	}
	return events, nil
}

func (s *BridgeSource) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	slog.Info("bridge connected", "url", s.url)
	return nil
}

// listenLoop reads frames with automatic reconnection.
func (s *BridgeSource) listenLoop(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := s.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			continue
		}
		s.handleFrame(message)
	}
}

// bridgeFrame is the bridge's message envelope.
// {"type":"message","from":"...","chat":"...","content":"...","id":"...","timestamp_ms":...}
type bridgeFrame struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	Chat        string `json:"chat"`
	Content     string `json:"content"`
	ID          string `json:"id"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

func (s *BridgeSource) handleFrame(raw []byte) {
	var f bridgeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("invalid bridge frame", "error", err)
		return
	}
	if f.Type != "message" || f.From == "" || f.ID == "" {
		return
	}

	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	mode := "direct"
	if strings.HasSuffix(chat, "@g.us") {
		mode = "group"
	}
	if s.phoneNumberID != "" {
		chat = s.phoneNumberID + ":" + chat
	}

	e := event.InboundEvent{
		SchemaVersion:  event.SchemaVersion,
		Transport:      event.TransportWhatsApp,
		Kind:           event.KindMessage,
		EventID:        f.ID,
		ConversationID: chat,
		ActorID:        f.From,
		TimestampMs:    f.TimestampMs,
		Text:           f.Content,
		Metadata:       map[string]string{"conversation_mode": mode},
	}
	if err := e.Validate(); err != nil {
		slog.Warn("bridge frame rejected", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= bridgeBufferCap {
		s.dropped++
		return
	}
	s.pending = append(s.pending, e)
}
