// Package broadcast carries "reservations changed" announcements between
// independent grid instances (browser tabs in the original host, processes or
// sessions here).
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"

	appLog "drivegrid/internal/log"
)

// TypeReservationsChanged is the only message type on the channel.
const TypeReservationsChanged = "reservations-changed"

var (
	ErrUnknownType = errors.New("broadcast: unknown message type")
	ErrClosed      = errors.New("broadcast: channel closed")
)

// Message is the wire shape {type: "reservations-changed", etag?}. Origin
// identifies the sender so it can ignore its own announcements.
type Message struct {
	Type   string `json:"type"`
	ETag   string `json:"etag,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Changed builds a reservations-changed message.
func Changed(etag, origin string) Message {
	return Message{Type: TypeReservationsChanged, ETag: etag, Origin: origin}
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type != TypeReservationsChanged {
		return Message{}, ErrUnknownType
	}
	return m, nil
}

// Channel is a fan-out announcement channel.
type Channel interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe returns a stream closed when ctx is done or the channel closes.
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

const subscriberBuffer = 16

// Local is an in-process Channel.
type Local struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	next   int
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]chan Message)}
}

// Publish delivers m to every subscriber; a full subscriber drops it.
func (l *Local) Publish(_ context.Context, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for id, ch := range l.subs {
		select {
		case ch <- m:
		default:
			appLog.Warn("broadcast: subscriber full, dropping message", "subscriber", id)
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	id := l.next
	l.next++
	ch := make(chan Message, subscriberBuffer)
	l.subs[id] = ch

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// Close closes all subscriber streams.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	return nil
}
