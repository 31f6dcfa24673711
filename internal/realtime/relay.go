package realtime

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errMissingRegistry = errors.New("realtime registry is required")

// DeliveryObserver receives relay counters.
type DeliveryObserver interface {
	RecordPublished(kind string)
	RecordDropped(kind string)
}

type noopObserver struct{}

func (noopObserver) RecordPublished(string) {}
func (noopObserver) RecordDropped(string)   {}

// Forwarder carries locally published events to other instances.
type Forwarder interface {
	Forward(ctx context.Context, event Event, excludeSessionID string) error
}

// RelayConfig describes the dependencies of the relay.
type RelayConfig struct {
	Registry  *Registry
	Observer  DeliveryObserver
	Forwarder Forwarder
	Logger    *zap.Logger
}

// Relay fans events out to the members of a document room. Delivery is best-effort and never blocks on a
// slow recipient.
type Relay struct {
	registry  *Registry
	observer  DeliveryObserver
	forwarder Forwarder
	logger    *zap.Logger
}

// NewRelay constructs a relay over the registry.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry:  cfg.Registry,
		observer:  observer,
		forwarder: cfg.Forwarder,
		logger:    logger,
	}, nil
}

// Publish delivers the event to every session in the room except excludeSessionID (empty excludes nobody).
// Only an invalid event is reported; delivery problems are logged and dropped.
func (r *Relay) Publish(ctx context.Context, event Event, excludeSessionID string) error {
	if err := event.Validate(); err != nil {
		return err
	}
	r.observer.RecordPublished(event.Kind)
	r.DeliverLocal(event, excludeSessionID)
	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, event, excludeSessionID); err != nil {
			r.logger.Warn("realtime forward failed",
				zap.String("document_id", event.DocumentID),
				zap.String("event", event.Kind),
				zap.Error(err),
			)
		}
	}
	return nil
}

// DeliverLocal enqueues the event for local room members and returns how many accepted it.
func (r *Relay) DeliverLocal(event Event, excludeSessionID string) int {
	delivered := 0
	for _, session := range r.registry.members(event.DocumentID) {
		if session.id == excludeSessionID {
			continue
		}
		switch session.deliver(event) {
		case deliveryQueued:
			delivered++
		case deliveryDropped:
			r.observer.RecordDropped(event.Kind)
			r.logger.Warn("realtime delivery dropped",
				zap.String("session_id", session.id),
				zap.String("document_id", event.DocumentID),
				zap.String("event", event.Kind),
			)
		case deliveryGone:
		}
	}
	return delivered
}
