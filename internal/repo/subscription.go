package repo

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Subscription はRedis Pub/Subのチャネルを型付きのGoチャネルとして公開します
// Close は何度呼んでもエラーになりません
type Subscription[T any] struct {
	C <-chan T

	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// subscribe はチャネルを購読し、購読が確立してから返ります（確立前の発行を取りこぼさないため）
func subscribe[T any](ctx context.Context, rdb *redis.Client, channel string) (*Subscription[T], error) {
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan T, 16)
	s := &Subscription[T]{C: out, ps: ps, done: make(chan struct{})}

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var v T
			if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
				continue
			}
			select {
			case out <- v:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

// Close は購読を解除します
func (s *Subscription[T]) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
