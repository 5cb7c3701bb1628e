// Package push maintains the websocket connection to the Sideline push
// gateway and dispatches presence events to the registered handler.
//
// The gateway delivers events at least once, unordered, and possibly
// duplicated. The client passes them through as received; consumers apply
// them idempotently.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/sidelinehq/sideline/internal/metrics"
	"github.com/sidelinehq/sideline/internal/platform/timeouts"
)

// tokenCookieName carries the access token on the websocket handshake.
const tokenCookieName = "sl_token"

// Frame types on the gateway contract.
const (
	frameViewerJoined = "presence.viewer_joined"
	frameViewerLeft   = "presence.viewer_left"
	frameStatus       = "presence.status"
	frameJoin         = "presence.join"
	frameLeave        = "presence.leave"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second

	// maxDecodeErrorsPerConn closes a connection that keeps producing
	// undecodable frames so a clean reconnect can recover it.
	maxDecodeErrorsPerConn = 8
)

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type presencePayload struct {
	EntityID    string `json:"entity_id"`
	ViewerCount int    `json:"viewer_count"`
	Live        bool   `json:"is_live"`
}

type subscribePayload struct {
	EntityID string `json:"entity_id"`
}

// Handler consumes presence events. Events may arrive more than once and
// out of order; implementations must apply them idempotently.
type Handler interface {
	HandleViewerJoined(entityID string, viewerCount int)
	HandleViewerLeft(entityID string, viewerCount int)
	HandleStatusUpdate(entityID string, live bool)
}

// TokenSource supplies the access token attached to the handshake.
type TokenSource interface {
	AccessToken() string
}

// Config controls client construction.
type Config struct {
	// URL is the gateway websocket endpoint (ws:// or wss://).
	URL string
	// Origin overrides the handshake origin. Defaults to the URL with an
	// http scheme.
	Origin string
	// Tokens supplies the session token. Optional; without it the dial
	// goes out anonymous and the gateway decides what to allow.
	Tokens TokenSource
	// Handler receives decoded presence events. Required.
	Handler Handler
	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// connection attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client is the push gateway client. Run owns the connection; Join and
// Leave manage entity subscriptions and survive reconnects.
type Client struct {
	url          string
	origin       string
	tokens       TokenSource
	handler      Handler
	reconnectMin time.Duration
	reconnectMax time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]struct{}
	closed bool
}

// New creates a push client.
func New(cfg Config) (*Client, error) {
	wsURL := strings.TrimSpace(cfg.URL)
	if wsURL == "" {
		return nil, fmt.Errorf("push gateway url is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("push handler is required")
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = "http" + strings.TrimPrefix(wsURL, "ws")
	}
	reconnectMin := cfg.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = defaultReconnectMin
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax < reconnectMin {
		reconnectMax = defaultReconnectMax
	}
	if reconnectMax < reconnectMin {
		reconnectMax = reconnectMin
	}
	return &Client{
		url:          wsURL,
		origin:       origin,
		tokens:       cfg.Tokens,
		handler:      cfg.Handler,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		joined:       make(map[string]struct{}),
	}, nil
}

// Run dials the gateway and dispatches events until ctx is cancelled or
// Close is called. Lost connections reconnect with capped exponential
// backoff, and the joined set is replayed on every new connection.
func (c *Client) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("push client is not configured")
	}
	backoff := c.reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if c.isClosed() {
			return nil
		}

		conn, err := c.dial()
		if err != nil {
			log.Printf("push: dial %s: %v", c.url, err)
			if !c.waitReconnect(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, c.reconnectMax)
			metrics.PushReconnects.Inc()
			continue
		}

		c.setConn(conn)
		c.replayJoins()
		backoff = c.reconnectMin

		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		if readErr != nil {
			log.Printf("push: connection lost: %v", readErr)
		}
		if !c.waitReconnect(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, c.reconnectMax)
		metrics.PushReconnects.Inc()
	}
}

// Join subscribes to presence events for an entity. Safe before Run; the
// subscription is replayed after every reconnect until Leave.
func (c *Client) Join(entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	c.mu.Lock()
	c.joined[entityID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeFrame(conn, wsFrame{
		Type:    frameJoin,
		Payload: mustJSON(subscribePayload{EntityID: entityID}),
	})
}

// Leave drops the subscription for an entity.
func (c *Client) Leave(entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	c.mu.Lock()
	delete(c.joined, entityID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.writeFrame(conn, wsFrame{
		Type:    frameLeave,
		Payload: mustJSON(subscribePayload{EntityID: entityID}),
	})
}

// Close tears the connection down and stops Run.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	wsConfig, err := websocket.NewConfig(c.url, c.origin)
	if err != nil {
		return nil, fmt.Errorf("build websocket config: %w", err)
	}
	wsConfig.Dialer = &net.Dialer{Timeout: timeouts.PushDial}
	if c.tokens != nil {
		if token := strings.TrimSpace(c.tokens.AccessToken()); token != "" {
			wsConfig.Header = make(http.Header)
			wsConfig.Header.Set("Cookie", tokenCookieName+"="+token)
		}
	}
	return websocket.DialConfig(wsConfig)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			if c.isClosed() || ctx.Err() != nil {
				return nil
			}
			decodeErrors++
			log.Printf("push: drop undecodable frame: %v", err)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return fmt.Errorf("decode error budget exhausted")
			}
			// The stream may be desynchronized; resync on a fresh decoder.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame wsFrame) {
	switch frame.Type {
	case frameViewerJoined, frameViewerLeft, frameStatus:
	default:
		log.Printf("push: skip unsupported frame type %q", frame.Type)
		return
	}

	var payload presencePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		log.Printf("push: drop malformed %s payload: %v", frame.Type, err)
		return
	}
	entityID := strings.TrimSpace(payload.EntityID)
	if entityID == "" {
		log.Printf("push: drop %s frame without entity id", frame.Type)
		return
	}
	metrics.PushEvents.WithLabelValues(frame.Type).Inc()

	switch frame.Type {
	case frameViewerJoined:
		c.handler.HandleViewerJoined(entityID, payload.ViewerCount)
	case frameViewerLeft:
		c.handler.HandleViewerLeft(entityID, payload.ViewerCount)
	case frameStatus:
		c.handler.HandleStatusUpdate(entityID, payload.Live)
	}
}

// replayJoins re-sends the joined set on a fresh connection.
func (c *Client) replayJoins() {
	c.mu.Lock()
	conn := c.conn
	entities := make([]string, 0, len(c.joined))
	for entityID := range c.joined {
		entities = append(entities, entityID)
	}
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for _, entityID := range entities {
		err := c.writeFrame(conn, wsFrame{
			Type:    frameJoin,
			Payload: mustJSON(subscribePayload{EntityID: entityID}),
		})
		if err != nil {
			log.Printf("push: rejoin %s: %v", entityID, err)
			return
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeouts.PushWrite))
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitReconnect sleeps for the backoff or returns false when ctx ends.
func (c *Client) waitReconnect(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !c.isClosed()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
