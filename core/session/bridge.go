package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TyrellHaywood/echo-sub001/logger"
	"github.com/TyrellHaywood/echo-sub001/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const bridgeChannelPrefix = "echo:events:"

// bridgeFrame wraps an envelope with its origin instance so an instance
// never re-applies its own publications.
type bridgeFrame struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// Bridge fans session envelopes out across server instances over Redis
// pub/sub, so collaborators connected to different instances still converge.
// Delivery is at-least-once to instances subscribed at publish time; late
// joiners hydrate durable topics from storage instead of replay.
type Bridge struct {
	client     *redis.Client
	instanceID string
	handler    func(projectID string, env *Envelope)
}

// NewBridge 创建跨实例广播桥
func NewBridge(client *redis.Client, handler func(projectID string, env *Envelope)) *Bridge {
	if handler == nil {
		handler = func(string, *Envelope) {}
	}
	return &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		handler:    handler,
	}
}

// Publish sends an envelope to every other instance.
func (b *Bridge) Publish(ctx context.Context, projectID string, env *Envelope) error {
	if b.client == nil {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	frame, err := json.Marshal(&bridgeFrame{Origin: b.instanceID, Envelope: data})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge frame: %w", err)
	}

	if err := b.client.Publish(ctx, bridgeChannelPrefix+projectID, frame).Err(); err != nil {
		return &model.TransportError{Op: "bridge publish", Err: err}
	}
	return nil
}

// Run subscribes to every project channel and dispatches remote envelopes
// until the context is canceled. A dropped subscription is re-established
// with exponential backoff; presence and cursor state are re-announced by
// clients, and track/chat state re-hydrates from storage, so no replay is
// attempted here.
func (b *Bridge) Run(ctx context.Context) {
	if b.client == nil {
		return
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, bridgeChannelPrefix+"*")
		err := b.consume(ctx, pubsub)
		pubsub.Close()
		if ctx.Err() != nil {
			return
		}

		logger.Warn("bridge subscription lost, reconnecting",
			logger.ErrorField(err),
			logger.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bridge) consume(ctx context.Context, pubsub *redis.PubSub) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bridge channel closed")
			}

			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Warn("invalid bridge frame", logger.ErrorField(err))
				continue
			}
			if frame.Origin == b.instanceID {
				continue
			}

			var env Envelope
			if err := json.Unmarshal(frame.Envelope, &env); err != nil {
				logger.Warn("invalid bridged envelope", logger.ErrorField(err))
				continue
			}

			projectID := strings.TrimPrefix(msg.Channel, bridgeChannelPrefix)
			b.handler(projectID, &env)
		}
	}
}
