package bootstrap

import (
	"context"
	"fmt"
	"time"

	"chat-server/internal/config"
	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	aiHandler "chat-server/internal/ai/handler"
	aiProcessor "chat-server/internal/ai/processor"
	campaignHandler "chat-server/internal/campaigns/handler"
	campaignProcessor "chat-server/internal/campaigns/processor"
	channelProcessor "chat-server/internal/channels/processor"
	"chat-server/internal/clients/bridge"
	"chat-server/internal/clients/mail"
	"chat-server/internal/clients/meta"
	openaiClient "chat-server/internal/clients/openai"
	redisClient "chat-server/internal/clients/redis"
	deliveryProcessor "chat-server/internal/delivery/processor"
	ingestProcessor "chat-server/internal/ingest/processor"
	"chat-server/internal/ratelimit"
	webhookHandler "chat-server/internal/webhooks/handler"
)

// Webhook providers batch aggressively, so the per-provider window is generous.
const (
	webhookRateLimit  = 600
	webhookRateWindow = time.Minute
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store     store.Store
	Logger    *observability.Logger
	Redis     *redisClient.Client
	Publisher *events.Publisher
	JobClient *jobs.Client

	// HTTP middleware
	WebhookLimiter *ratelimit.Limiter

	// Handlers
	WebhookHandler  webhookHandler.Handler
	CampaignHandler campaignHandler.Handler
	AIHandler       aiHandler.Handler

	// Processors (served by the worker queues)
	Channels  channelProcessor.ChannelProcessor
	Ingest    ingestProcessor.IngestProcessor
	Delivery  deliveryProcessor.DeliveryProcessor
	Campaigns campaignProcessor.CampaignProcessor
	AI        aiProcessor.AIProcessor
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	var err error
	deps.Store, err = store.New(cfg.Database.ConnectionString(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deps.Redis, err = redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	deps.Publisher = events.NewPublisher(deps.Redis, logger)

	deps.JobClient = jobs.NewClient(cfg.Redis.Addr, logger)

	deps.WebhookLimiter = ratelimit.New(deps.Redis, webhookRateLimit, webhookRateWindow, logger)

	// Provider clients
	metaClient, err := meta.NewClient(cfg.Providers.MetaGraphBaseURL, cfg.Providers.MetaAccessToken, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create meta client: %w", err)
	}
	bridgeClient, err := bridge.NewClient(cfg.Providers.BridgeBaseURL, cfg.Providers.BridgeAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge client: %w", err)
	}
	mailClient, err := mail.NewResendClient(cfg.Providers.ResendAPIKey, cfg.Providers.EmailSender, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resend client: %w", err)
	}
	aiClient, err := openaiClient.NewClient(cfg.AI.OpenAIAPIKey, cfg.AI.ChatModel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	// Processors
	deps.Channels = channelProcessor.New(&deps.Store, deps.Publisher, logger)
	deps.Ingest = ingestProcessor.New(&deps.Store, &deps.Channels, deps.Publisher, deps.JobClient, logger)
	deps.Delivery = deliveryProcessor.New(&deps.Store, metaClient, bridgeClient, mailClient, deps.Publisher, logger)
	deps.Campaigns = campaignProcessor.New(&deps.Store, deps.JobClient, deps.Publisher, logger)
	deps.AI = aiProcessor.New(&deps.Store, aiClient, deps.JobClient, deps.Publisher, logger)

	// Handlers
	deps.WebhookHandler = webhookHandler.New(deps.JobClient, cfg.Providers.MetaVerifyToken, logger)
	deps.CampaignHandler = campaignHandler.New(deps.Campaigns, logger)
	deps.AIHandler = aiHandler.New(&deps.Store, deps.JobClient, logger)

	return deps, nil
}

// Cleanup releases external connections.
func (d *Dependencies) Cleanup() {
	ctx := context.Background()
	if d.JobClient != nil {
		if err := d.JobClient.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close job client", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close redis client", err)
		}
	}
	if err := d.Store.Close(); err != nil {
		d.Logger.Error(ctx, "failed to close store", err)
	}
}
