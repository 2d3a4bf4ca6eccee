package websocket

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/gatedl/gatedl/internal/cache"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
)

type PatternSubscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Relay forwards progress published by workers in any process to the
// clients connected to this one.
type Relay struct {
	hub    *Hub
	events PatternSubscriber
	log    *logger.Logger
}

func NewRelay(hub *Hub, events PatternSubscriber) *Relay {
	return &Relay{
		hub:    hub,
		events: events,
		log:    logger.Default().WithComponent("websocket"),
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.events.PSubscribe(ctx, cache.ProgressPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var snap models.ProgressSnapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				r.log.Debug(ctx, "dropping malformed progress message", map[string]interface{}{
					"channel": msg.Channel,
				})
				continue
			}
			r.hub.BroadcastProgress(&snap)
		}
	}
}
