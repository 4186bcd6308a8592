package processor

import (
	"context"
	"errors"
	"fmt"

	"chat-server/internal/adapters"
	"chat-server/internal/events"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
)

// ChannelStore defines the database operations required by ChannelProcessor
type ChannelStore interface {
	GetChannelByID(ctx context.Context, id uuid.UUID) (store.Channel, error)
	GetChannelByLookupKey(ctx context.Context, provider, lookupKey string) (store.Channel, error)
	SetChannelConnectionState(ctx context.Context, id uuid.UUID, active bool) error
}

// ErrChannelNotFound is an expected steady-state condition (stale webhook
// subscriptions), not a pipeline failure: callers ack the webhook and drop
// the event.
var ErrChannelNotFound = errors.New("channel not found")

type ChannelProcessor struct {
	store     ChannelStore
	publisher *events.Publisher
	logger    *observability.Logger
}

func New(store ChannelStore, publisher *events.Publisher, logger *observability.Logger) ChannelProcessor {
	return ChannelProcessor{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Resolve maps a provider-specific identifier to the tenant channel it
// belongs to. The lookup key is indexed at channel creation time, so this is
// a single indexed read regardless of provider.
func (p *ChannelProcessor) Resolve(ctx context.Context, provider, lookupKey string) (store.Channel, error) {
	channel, err := p.store.GetChannelByLookupKey(ctx, provider, lookupKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Channel{}, ErrChannelNotFound
		}
		return store.Channel{}, fmt.Errorf("failed to resolve channel: %w", err)
	}
	return channel, nil
}

// HandleConnectionState applies a connection-state webhook: the channel is
// activated when the provider reports the session open and deactivated
// otherwise. An unknown channel is logged and dropped.
func (p *ChannelProcessor) HandleConnectionState(ctx context.Context, provider string, change adapters.ConnectionStateChange) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "provider", Value: provider},
		observability.Field{Key: "lookup_key", Value: change.ChannelLookupKey},
		observability.Field{Key: "state", Value: change.State},
	)

	channel, err := p.Resolve(ctx, provider, change.ChannelLookupKey)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			p.logger.Warn(ctx, "connection state for unknown channel, dropping")
			return nil
		}
		return err
	}

	active := change.State == "open"
	if err := p.store.SetChannelConnectionState(ctx, channel.ID, active); err != nil {
		return fmt.Errorf("failed to apply connection state: %w", err)
	}

	p.logger.Info(ctx, "channel connection state updated",
		observability.Field{Key: "channel_id", Value: channel.ID.String()},
		observability.Field{Key: "is_active", Value: active},
	)
	p.publisher.PublishChannelUpdated(ctx, channel.AccountID, channel.ID, active)
	return nil
}
