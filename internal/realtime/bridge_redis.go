package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultBridgeChannel = "coedit:realtime"

var (
	errMissingRedisClient = errors.New("redis client is required")
	errMissingInstanceID  = errors.New("bridge instance id is required")
)

// LocalDeliverer accepts events received from other instances.
type LocalDeliverer interface {
	DeliverLocal(event Event, excludeSessionID string) int
}

// RedisBridgeConfig configures the Redis pub/sub bridge.
type RedisBridgeConfig struct {
	Client     *redis.Client
	Channel    string
	InstanceID string
	Logger     *zap.Logger
}

// RedisBridge forwards relay events between instances sharing a Redis channel.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger
}

type bridgeEnvelope struct {
	Origin     string       `json:"origin"`
	Exclude    string       `json:"exclude,omitempty"`
	Kind       string       `json:"kind"`
	DocumentID string       `json:"documentId"`
	Edit       *EditPayload `json:"edit,omitempty"`
	Chat       *ChatPayload `json:"chat,omitempty"`
}

// NewRedisBridge constructs a bridge over an existing client.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errMissingInstanceID
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultBridgeChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     cfg.Client,
		channel:    channel,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}, nil
}

// Forward publishes the event for other instances.
func (b *RedisBridge) Forward(ctx context.Context, event Event, excludeSessionID string) error {
	payload, err := json.Marshal(bridgeEnvelope{
		Origin:     b.instanceID,
		Exclude:    excludeSessionID,
		Kind:       event.Kind,
		DocumentID: event.DocumentID,
		Edit:       event.Edit,
		Chat:       event.Chat,
	})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish bridge envelope: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers events from other instances until ctx ends.
func (b *RedisBridge) Run(ctx context.Context, target LocalDeliverer) error {
	subscription := b.client.Subscribe(ctx, b.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("realtime bridge subscribed", zap.String("channel", b.channel), zap.String("instance_id", b.instanceID))

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			b.handle(message.Payload, target)
		}
	}
}

func (b *RedisBridge) handle(payload string, target LocalDeliverer) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.logger.Warn("realtime bridge decode failed", zap.Error(err))
		return
	}
	if envelope.Origin == b.instanceID {
		return
	}
	event := Event{
		Kind:       envelope.Kind,
		DocumentID: envelope.DocumentID,
		Edit:       envelope.Edit,
		Chat:       envelope.Chat,
	}
	if err := event.Validate(); err != nil {
		b.logger.Warn("realtime bridge rejected event", zap.String("origin", envelope.Origin), zap.Error(err))
		return
	}
	target.DeliverLocal(event, envelope.Exclude)
}
