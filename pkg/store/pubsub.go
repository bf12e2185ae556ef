package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message is one payload received on a subscribed channel
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a confirmed subscription to one or more channels
type Subscription struct {
	ps   *redis.PubSub
	ch   <-chan Message
	done chan struct{}
	once sync.Once
}

// Subscribe subscribes to channels and waits for the server to confirm the
// subscription, so that messages published after Subscribe returns are
// never missed.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", channels, err)
	}

	src := ps.Channel()
	out := make(chan Message)
	sub := &Subscription{ps: ps, ch: out, done: make(chan struct{})}
	go func() {
		defer close(out)
		for m := range src {
			select {
			case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Channel delivers messages until the subscription is closed
func (s *Subscription) Channel() <-chan Message {
	return s.ch
}

// Next waits up to timeout for the next message. ok is false on timeout or
// when the subscription has been closed.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) (msg Message, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m, open := <-s.ch:
		return m, open, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Close unsubscribes and releases the connection
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
