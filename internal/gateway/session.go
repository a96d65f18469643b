package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/registry"
	"github.com/secretmessenger/realtime/internal/router"
)

// session owns one accepted WebSocket for its lifetime.
type session struct {
	g      *Gateway
	ws     *websocket.Conn
	conn   *registry.Conn
	logger *slog.Logger

	// malformed throttles schema-invalid frames.
	malformed *rate.Limiter

	done     chan struct{}
	teardown sync.Once
}

func newSession(g *Gateway, ws *websocket.Conn, conn *registry.Conn) *session {
	return &session{
		g:         g,
		ws:        ws,
		conn:      conn,
		logger:    g.logger.With("conn_id", conn.ID, "user_id", conn.UserID),
		malformed: rate.NewLimiter(rate.Limit(g.cfg.MalformedRate), g.cfg.MalformedBurst),
		done:      make(chan struct{}),
	}
}

// run drives the connection until either side ends it.
func (s *session) run() {
	go s.writeLoop()
	go s.pingLoop()
	s.readLoop()
	s.close()
}

// close tears the connection down exactly once. Unregister is
// idempotent, so racing with a router-forced close is harmless.
func (s *session) close() {
	s.teardown.Do(func() {
		close(s.done)
		s.g.reg.Unregister(s.conn.ID)
		s.ws.Close()
		s.logger.Debug("connection closed")
	})
}

// subscribe adds the connection to a conversation and replays the
// presence snapshot so the client starts from current state.
func (s *session) subscribe(conversationID string) {
	if err := s.g.reg.Subscribe(s.conn.ID, conversationID); err != nil {
		return
	}
	for _, userID := range s.g.tracker.Snapshot(conversationID) {
		if userID == s.conn.UserID {
			continue
		}
		s.conn.Enqueue(event.Event{
			Kind:         event.KindPresence,
			Conversation: conversationID,
			Payload:      onlinePayload(userID),
			At:           time.Now(),
		})
	}
}

// readLoop reads frames, validates them, and hands events to the
// router.
func (s *session) readLoop() {
	s.ws.SetReadLimit(s.g.cfg.MaxMessageBytes)
	s.ws.SetReadDeadline(time.Now().Add(s.g.cfg.ReadTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.g.cfg.ReadTimeout))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		now := time.Now()
		s.conn.Touch(now)
		s.ws.SetReadDeadline(now.Add(s.g.cfg.ReadTimeout))

		in, err := event.ParseInbound(data)
		if err != nil {
			if !s.handleMalformed(err) {
				return
			}
			continue
		}

		switch in.Type {
		case "subscribe":
			s.subscribe(in.ConversationID)
			continue
		case "unsubscribe":
			s.g.reg.Unsubscribe(s.conn.ID, in.ConversationID)
			continue
		}

		kind, ok := in.EventKind()
		if !ok {
			continue
		}

		// A typing refresh inside the TTL window stays silent; only
		// the first report per window reaches the router.
		if kind == event.KindTyping && !s.g.tracker.RefreshTyping(s.conn.UserID, in.ConversationID) {
			continue
		}

		ev := event.Event{
			Kind:         kind,
			From:         s.conn.UserID,
			Conversation: in.ConversationID,
			Payload:      in.Payload,
			At:           now,
		}
		if _, err := s.g.router.Route(context.Background(), ev); err != nil {
			s.routeFailed(in.ConversationID, err)
		}
	}
}

// handleMalformed sends an error event and reports whether the
// connection may stay open.
func (s *session) handleMalformed(cause error) bool {
	s.g.statsMu.Lock()
	s.g.stats.MalformedEvents++
	s.g.statsMu.Unlock()

	s.conn.Enqueue(event.Error("", "malformed_event", cause.Error()))

	if s.malformed.Allow() {
		return true
	}

	s.g.statsMu.Lock()
	s.g.stats.AbuseCloses++
	s.g.statsMu.Unlock()
	s.logger.Warn("closing connection, malformed event rate exceeded")
	return false
}

// routeFailed reports a per-event routing failure back to the sender.
func (s *session) routeFailed(conversationID string, cause error) {
	code := "route_failed"
	switch {
	case errors.Is(cause, router.ErrLookupTimeout):
		code = "lookup_timeout"
	case errors.Is(cause, router.ErrNotMember):
		code = "not_member"
	}
	s.logger.Debug("route failed", "code", code, "error", cause)
	s.conn.Enqueue(event.Error(conversationID, code, cause.Error()))
}

// writeLoop drains the outbox to the wire in enqueue order.
func (s *session) writeLoop() {
	for {
		ev, ok := s.conn.Outbox().Pop()
		if !ok {
			break
		}
		data, err := ev.Encode()
		if err != nil {
			s.logger.Error("encode outbound event", "error", err)
			continue
		}
		s.ws.SetWriteDeadline(time.Now().Add(s.g.cfg.WriteTimeout))
		if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	s.close()
}

// pingLoop keeps the connection alive; a missing pong eventually trips
// the read deadline.
func (s *session) pingLoop() {
	ticker := time.NewTicker(s.g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.g.cfg.WriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
