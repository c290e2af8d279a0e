// Package push is the websocket client for server push notifications. It
// only cares about the event contract: every domain event means "something
// about reservations changed" and is turned into a refresh request.
package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"drivegrid/internal/freshness"
	appLog "drivegrid/internal/log"
)

// Kind is the normalized event name.
type Kind string

const (
	KindConnected          Kind = "connected"
	KindDisconnected       Kind = "disconnected"
	KindReservationJoined  Kind = "reservation-joined"
	KindReservationLeft    Kind = "reservation-left"
	KindReservationChanged Kind = "reservation-changed"
	KindJoinDenied         Kind = "join-denied"
)

// Frame is the wire envelope {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded frame or a connection transition.
type Event struct {
	Kind Kind
	Data json.RawMessage
	Err  error
}

// NormalizeKind maps "reservation:joined", "reservation_joined" and
// "Reservation-Joined" to the same Kind.
func NormalizeKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(":", "-", "_", "-", ".", "-").Replace(name)
	return Kind(name)
}

// Options configures a Client.
type Options struct {
	// Room, when set, is sent as {"event":"join","data":{"room":...}} after
	// every connect. The server answers join-denied when it refuses.
	Room string
	// Header is sent with the handshake (cookies, auth).
	Header http.Header

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// ReadTimeout closes a silent connection; zero disables it.
	ReadTimeout time.Duration
}

// Client keeps one websocket connection alive and reports events.
type Client struct {
	url  string
	opts Options

	dialer websocket.Dialer

	mu        sync.RWMutex
	connected bool
}

func New(url string, opts Options) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 32 * time.Second
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	return &Client{
		url:    url,
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run connects, reads events and reconnects with exponential backoff until
// ctx is done. handle is called from Run's goroutine only.
func (c *Client) Run(ctx context.Context, handle func(Event)) error {
	delay := c.opts.MinBackoff
	for {
		opened, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			delay = c.opts.MinBackoff
		}
		if err != nil {
			appLog.Debug("push: session ended", "err", err.Error(), "retry_in", delay.String())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
	}
}

// session runs one connection until it fails. Connected/Disconnected events
// bracket it when the dial succeeded, which is what opened reports.
func (c *Client) session(ctx context.Context, handle func(Event)) (opened bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	// Unblock ReadMessage when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	c.setConnected(true)
	appLog.Info("push: connected", "url", c.url)
	handle(Event{Kind: KindConnected})

	if c.opts.Room != "" {
		if err := c.join(conn); err != nil {
			appLog.Error("push: join failed", err, "room", c.opts.Room)
		}
	}

	err = c.read(conn, handle)

	c.setConnected(false)
	if ctx.Err() == nil {
		appLog.Info("push: disconnected", "url", c.url)
		handle(Event{Kind: KindDisconnected, Err: err})
	}
	return true, err
}

func (c *Client) join(conn *websocket.Conn) error {
	data, err := json.Marshal(map[string]string{"room": c.opts.Room})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: "join", Data: data})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) read(conn *websocket.Conn, handle func(Event)) error {
	for {
		if c.opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				return err
			}
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ev, ok := Decode(message)
		if !ok {
			appLog.Debug("push: ignoring frame", "size", len(message))
			continue
		}
		handle(ev)
	}
}

// Decode parses a frame. Frames without an event name are rejected.
func Decode(message []byte) (Event, bool) {
	var f Frame
	if err := json.Unmarshal(message, &f); err != nil {
		return Event{}, false
	}
	kind := NormalizeKind(f.Event)
	if kind == "" {
		return Event{}, false
	}
	return Event{Kind: kind, Data: f.Data}, true
}

// Requester accepts refresh requests; *freshness.Controller implements it.
type Requester interface {
	Request(freshness.Request)
}

// Forward returns a handler translating push events into refresh requests.
// Unknown events are logged and dropped.
func Forward(r Requester) func(Event) {
	return func(ev Event) {
		switch ev.Kind {
		case KindConnected:
			r.Request(freshness.Request{Reason: freshness.ReasonConnected})
		case KindDisconnected:
			r.Request(freshness.Request{Reason: freshness.ReasonDisconnected})
		case KindReservationJoined, KindReservationLeft, KindReservationChanged:
			r.Request(freshness.Request{Reason: freshness.ReasonPush})
		case KindJoinDenied:
			appLog.Warn("push: join denied", "data", string(ev.Data))
		default:
			appLog.Debug("push: unhandled event", "event", string(ev.Kind))
		}
	}
}
