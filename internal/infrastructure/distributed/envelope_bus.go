package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"peerlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	instanceChannelPrefix = "peerlink:relay:"
	broadcastChannel      = "peerlink:relay:broadcast"
)

// frame wraps an envelope with the publishing instance so subscribers can
// skip their own broadcasts.
type frame struct {
	Instance  string                `json:"instance"`
	Envelope  domain.SignalEnvelope `json:"envelope"`
	Published time.Time             `json:"published"`
}

// EnvelopeBus moves signaling envelopes between relay instances over Redis
// pub/sub. Every instance listens on its own channel plus the shared
// broadcast channel; an envelope whose target device is registered on
// another instance is published to that instance's channel.
type EnvelopeBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewEnvelopeBus creates an envelope bus for one relay instance.
func NewEnvelopeBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EnvelopeBus {
	return &EnvelopeBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Forward publishes an envelope to the instance currently holding the
// target device's connection.
func (b *EnvelopeBus) Forward(ctx context.Context, instanceID string, env domain.SignalEnvelope) error {
	data, err := json.Marshal(frame{
		Instance:  b.instanceID,
		Envelope:  env,
		Published: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope frame: %w", err)
	}

	if err := b.client.Publish(ctx, instanceChannelPrefix+instanceID, data).Err(); err != nil {
		return fmt.Errorf("failed to forward envelope: %w", err)
	}

	b.logger.Debugw("envelope forwarded",
		"type", env.Type,
		"to", env.To,
		"instance", instanceID,
	)
	return nil
}

// Broadcast publishes an envelope to every other relay instance.
func (b *EnvelopeBus) Broadcast(ctx context.Context, env domain.SignalEnvelope) error {
	data, err := json.Marshal(frame{
		Instance:  b.instanceID,
		Envelope:  env,
		Published: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope frame: %w", err)
	}

	if err := b.client.Publish(ctx, broadcastChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to broadcast envelope: %w", err)
	}
	return nil
}

// Subscribe blocks delivering inbound envelopes to handler until ctx ends.
// Frames published by this instance are skipped.
func (b *EnvelopeBus) Subscribe(ctx context.Context, handler func(domain.SignalEnvelope)) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, instanceChannelPrefix+b.instanceID, broadcastChannel)
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Warnw("failed to unmarshal envelope frame",
					"error", err,
					"channel", msg.Channel,
				)
				continue
			}
			if f.Instance == b.instanceID {
				continue
			}
			handler(f.Envelope)
		}
	}
}

// Close closes the subscription.
func (b *EnvelopeBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
