package download

import (
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/gatedl/gatedl/internal/models"
)

// ProgressSubscription wraps a Redis pub/sub subscription for progress events
type ProgressSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Channel returns a channel that receives progress snapshots. It closes when
// the subscription does.
func (s *ProgressSubscription) Channel() <-chan *models.ProgressSnapshot {
	out := make(chan *models.ProgressSnapshot)

	go func() {
		defer close(out)
		for msg := range s.ch {
			var snap models.ProgressSnapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			out <- &snap
		}
	}()

	return out
}

// Close closes the subscription
func (s *ProgressSubscription) Close() error {
	return s.pubsub.Close()
}
