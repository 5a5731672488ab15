package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisFeed implements ChangeFeed with Redis pub/sub, one channel per
// session.
type redisFeed struct {
	client *redis.Client
}

func (f *redisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	err = f.client.Publish(ctx, SessionChannel(c.Session.SessionID), payload).Err()
	return transportErr("redis", "publish", err)
}

func (f *redisFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Change, func(), error) {
	ps := f.client.Subscribe(ctx, SessionChannel(sessionID))
	// Wait for the subscription to be confirmed so no change published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, transportErr("redis", "subscribe", err)
	}

	out := make(chan Change, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (f *redisFeed) Close() error {
	return f.client.Close()
}
