package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/rs/zerolog"
)

// CommandHandler receives each text frame a websocket client sends.
type CommandHandler func(ctx context.Context, clientID string, payload []byte) error

// HubConfig holds configuration for a Hub.
type HubConfig struct {
	// OriginPatterns lists the browser origins allowed to attach.
	OriginPatterns []string      `mapstructure:"origin_patterns"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

// NewHubDefaults provides a config with sensible defaults.
func NewHubDefaults() HubConfig {
	return HubConfig{
		OriginPatterns: []string{"*"},
		WriteTimeout:   5 * time.Second,
		ReadLimit:      64 << 10,
	}
}

// Hub tracks the websocket clients attached to the worker. It is both a
// ClientLister for the Broadcaster and the http.Handler for the attach
// endpoint.
type Hub struct {
	cfg       HubConfig
	onCommand CommandHandler
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
	claimed bool
}

// NewHub creates a hub. onCommand may be nil, in which case inbound frames
// are discarded.
func NewHub(cfg HubConfig, onCommand CommandHandler, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		onCommand: onCommand,
		logger:    logger.With().Str("component", "Hub").Logger(),
		clients:   make(map[string]*wsClient),
	}
}

// Clients returns the clients attached right now.
func (h *Hub) Clients(_ context.Context) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Claim takes control of every attached client and of any client that
// attaches afterwards. It returns the number of clients claimed now.
func (h *Hub) Claim(_ context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	for _, c := range h.clients {
		c.controlled.Store(true)
	}
	h.logger.Info().Int("clients", len(h.clients)).Msg("Claimed attached clients.")
	return len(h.clients)
}

// Controlled reports how many attached clients are controlled.
func (h *Hub) Controlled() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.controlled.Load() {
			n++
		}
	}
	return n
}

// ServeHTTP upgrades the request to a websocket and keeps the client
// attached until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	client := h.attach(conn)
	defer h.detach(client)

	ctx := r.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				client.logger.Debug().Msg("Client closed the connection.")
			default:
				client.logger.Debug().Err(err).Msg("WebSocket read ended.")
			}
			return
		}
		if msgType != websocket.MessageText {
			client.logger.Warn().Msg("Ignoring non-text frame.")
			continue
		}
		if h.onCommand == nil {
			continue
		}
		if err := h.onCommand(ctx, client.id, data); err != nil {
			client.logger.Warn().Err(err).Msg("Failed to submit command.")
		}
	}
}

// Close disconnects every attached client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "worker shutting down")
	}
}

func (h *Hub) attach(conn *websocket.Conn) *wsClient {
	id := uuid.NewString()
	c := &wsClient{
		id:           id,
		conn:         conn,
		writeTimeout: h.cfg.WriteTimeout,
		logger:       h.logger.With().Str("client_id", id).Logger(),
	}

	h.mu.Lock()
	c.controlled.Store(h.claimed)
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()

	c.logger.Info().Int("clients", n).Msg("Client attached.")
	return c
}

func (h *Hub) detach(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	_ = c.conn.CloseNow()
	c.logger.Info().Int("clients", n).Msg("Client detached.")
}

type wsClient struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	controlled   atomic.Bool
	logger       zerolog.Logger
}

func (c *wsClient) ID() string { return c.id }

// Post writes event as a JSON text frame.
func (c *wsClient) Post(ctx context.Context, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("write to client %s timed out: %w", c.id, err)
		}
		return fmt.Errorf("write to client %s: %w", c.id, err)
	}
	return nil
}
