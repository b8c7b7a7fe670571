package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcall/voicemesh/internal/auth"
	"github.com/meshcall/voicemesh/internal/config"
)

const (
	wsWriteWait          = 1 * time.Second
	defaultWSIdleTimeout = 60 * time.Second
)

type WSOptions struct {
	// URL is the relay's signaling endpoint, e.g. ws://host/voice/signal.
	URL        string
	AuthMode   config.AuthMode
	Credential string

	// IdleTimeout closes the connection when the relay stops pinging.
	IdleTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WSChannel is a Channel backed by the relay's WebSocket endpoint.
type WSChannel struct {
	opts WSOptions
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	self    string
	done    chan struct{}
	err     error
	started bool

	closeOnce sync.Once
}

func NewWSChannel(opts WSOptions) *WSChannel {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultWSIdleTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WSChannel{opts: opts, log: log, done: make(chan struct{})}
}

func (c *WSChannel) Subscribe(ctx context.Context, scope, self string, h Handler) ([]string, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	c.started = true
	c.mu.Unlock()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("channel", scope)
	q.Set("participant", self)
	if c.opts.AuthMode != config.AuthModeNone && c.opts.Credential != "" {
		q.Set(auth.QueryParam(c.opts.AuthMode), c.opts.Credential)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	present, err := c.readSync(ctx, conn, self)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

	c.mu.Lock()
	select {
	case <-c.done:
		// Unsubscribed while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	default:
	}
	c.conn = conn
	c.self = self
	c.mu.Unlock()

	go c.readLoop(conn, h)
	return present, nil
}

func (c *WSChannel) readSync(ctx context.Context, conn *websocket.Conn, self string) ([]string, error) {
	deadline := time.Now().Add(c.opts.IdleTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read presence sync: %w", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if f.Presence == nil || f.Presence.Event != PresenceSync {
		return nil, fmt.Errorf("%w: expected presence sync first", errInvalidMessage)
	}
	present := make([]string, 0, len(f.Presence.Keys))
	for _, k := range f.Presence.Keys {
		if k != self {
			present = append(present, k)
		}
	}
	return present, nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn, h Handler) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
			if c.shutdown(lost) {
				c.log.Warn("signaling connection lost", "err", err)
				h.lost(lost)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			c.log.Debug("dropping malformed relay frame", "err", err)
			continue
		}
		switch {
		case f.Message != nil:
			h.message(*f.Message)
		case f.Presence.Event == PresenceJoin:
			h.join(f.Presence.Key)
		case f.Presence.Event == PresenceLeave:
			h.leave(f.Presence.Key)
		}
	}
}

func (c *WSChannel) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	conn := c.conn
	self := c.self
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}

	msg.From = self
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (c *WSChannel) Unsubscribe() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	if conn != nil {
		writeClose(conn, websocket.CloseNormalClosure, "leave")
	}
	c.shutdown(nil)
	return nil
}

// Done is closed once the subscription has ended, by Unsubscribe or because
// the relay connection dropped.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the subscription ended. It is nil while subscribed and
// after Unsubscribe.
func (c *WSChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// shutdown ends the subscription with cause and reports whether this call
// did so.
func (c *WSChannel) shutdown(cause error) bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.mu.Lock()
		c.err = cause
		conn := c.conn
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			_ = conn.Close()
		}
	})
	return closed
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
