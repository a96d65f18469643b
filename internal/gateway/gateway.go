package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/secretmessenger/realtime/internal/auth"
	"github.com/secretmessenger/realtime/internal/event"
	"github.com/secretmessenger/realtime/internal/presence"
	"github.com/secretmessenger/realtime/internal/registry"
	"github.com/secretmessenger/realtime/internal/router"
)

// CloseAuthFailure is the close code sent when credential validation
// fails.
const CloseAuthFailure = 4001

// Config holds per-socket protocol settings.
type Config struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64

	// MalformedRate and MalformedBurst bound how many schema-invalid
	// frames a client may send before the connection is closed.
	MalformedRate  float64
	MalformedBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:    15 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 128 * 1024,
		MalformedRate:   1.0,
		MalformedBurst:  5,
	}
}

func (c *Config) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 128 * 1024
	}
	if c.MalformedRate <= 0 {
		c.MalformedRate = 1.0
	}
	if c.MalformedBurst <= 0 {
		c.MalformedBurst = 5
	}
}

// Stats contains gateway statistics.
type Stats struct {
	Accepted        int64
	AuthFailures    int64
	MalformedEvents int64
	AbuseCloses     int64
}

// Gateway upgrades HTTP requests to WebSocket connections and binds
// them into the registry, presence tracker, and router.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	validator auth.Validator
	reg       *registry.Registry
	tracker   *presence.Tracker
	router    *router.Router

	upgrader websocket.Upgrader

	statsMu sync.Mutex
	stats   Stats
}

// New creates a gateway.
func New(cfg Config, validator auth.Validator, reg *registry.Registry, tracker *presence.Tracker, rt *router.Router, logger *slog.Logger) *Gateway {
	cfg.norm()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		reg:       reg,
		tracker:   tracker,
		router:    rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the application origin; the
			// credential, not the Origin header, is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Stats returns current statistics.
func (g *Gateway) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.stats
}

// ServeHTTP handles the WebSocket upgrade endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	userID, err := g.validator.Validate(r.Context(), credentialFrom(r))
	if err != nil {
		g.refuse(ws, err)
		return
	}

	conn, err := g.reg.Register(userID)
	if err != nil {
		ws.Close()
		return
	}

	g.statsMu.Lock()
	g.stats.Accepted++
	g.statsMu.Unlock()

	s := newSession(g, ws, conn)

	for _, convID := range requestedConversations(r) {
		s.subscribe(convID)
	}

	s.run()
}

// refuse writes an auth error and closes the socket. No registry entry
// exists at this point.
func (g *Gateway) refuse(ws *websocket.Conn, cause error) {
	g.statsMu.Lock()
	g.stats.AuthFailures++
	g.statsMu.Unlock()

	code := "auth_failed"
	if errors.Is(cause, auth.ErrTimeout) {
		code = "auth_timeout"
	}
	g.logger.Info("refusing connection", "code", code, "error", cause)

	deadline := time.Now().Add(g.cfg.WriteTimeout)
	if data, err := event.Error("", code, "credential validation failed").Encode(); err == nil {
		ws.SetWriteDeadline(deadline)
		ws.WriteMessage(websocket.TextMessage, data)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailure, code), deadline)
	ws.Close()
}

// credentialFrom extracts the token from the query string or the
// Authorization header.
func credentialFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

// requestedConversations parses the optional conversations query
// parameter.
func requestedConversations(r *http.Request) []string {
	raw := r.URL.Query().Get("conversations")
	if raw == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// onlinePayload is the presence snapshot payload replayed on subscribe.
func onlinePayload(userID string) json.RawMessage {
	data, _ := json.Marshal(struct {
		UserID string `json:"userId"`
		Status string `json:"status"`
	}{UserID: userID, Status: "online"})
	return data
}
