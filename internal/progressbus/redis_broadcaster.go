package progressbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/arclight/paperforge/internal/pkg/logger"
)

// RedisBroadcaster publishes events on a per-deployment channel so that
// subscribers attached to a different process than the one driving the
// Job's stages still observe progress (SPEC_FULL.md §11.3). It is optional;
// a single-process deployment can run with a nil Broadcaster.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, baseLog *logger.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: channel, log: baseLog.With("component", "progressbus.RedisBroadcaster")}
}

func (r *RedisBroadcaster) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe returns a channel of Events received from Redis, decoupled from
// any particular process's in-memory Bus. Callers should run it in a
// goroutine and stop it by cancelling ctx.
func (r *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					r.log.Warn("failed to decode progress event", "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
