package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	appLog "drivegrid/internal/log"
)

// DefaultRedisChannel is the pub/sub channel name used when none is set.
const DefaultRedisChannel = "drivegrid:reservations"

// Redis is a Channel over Redis pub/sub, for instances in separate processes.
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis wraps an existing client. The caller owns the client unless
// Close is called.
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{client: client, channel: channel}
}

// DialRedis creates a client for addr.
func DialRedis(addr, channel string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), channel)
}

func (r *Redis) Publish(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				m, err := Decode([]byte(msg.Payload))
				if err != nil {
					appLog.Debug("broadcast: ignoring redis payload", "channel", r.channel, "err", err.Error())
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ Channel = (*Local)(nil)
	_ Channel = (*Redis)(nil)
)
