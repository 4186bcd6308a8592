package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chat-server/internal/bootstrap"
	"chat-server/internal/config"
	"chat-server/internal/jobs"
	"chat-server/internal/jobs/workers"
	"chat-server/internal/observability"

	"github.com/hibiken/asynq"
)

// aiRetryDelay is the fixed backoff between model retry attempts. Provider
// outages are either transient or long; exponential backoff buys nothing for
// a budget of one retry.
const aiRetryDelay = 30 * time.Second

func main() {
	logger := observability.NewLogger()
	ctx := context.Background()

	logger.Info(ctx, "Starting background worker server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	deps, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize dependencies: %v", err)
	}
	defer deps.Cleanup()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	baseConfig := func(queue string, concurrency int) asynq.Config {
		return asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queue: 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error(ctx, fmt.Sprintf("task %s failed: %v", task.Type(), err), err)
			}),
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Logger:         &asynqLogger{logger: logger},
		}
	}

	// One server per queue so each job family gets its own bounded worker
	// pool: a burst of webhooks can never starve deliveries and the model
	// pool stays small enough to respect provider rate limits.
	webhookSrv := asynq.NewServer(redisOpt, baseConfig(jobs.QueueWebhooks, cfg.Worker.WebhookWorkers))
	messageSrv := asynq.NewServer(redisOpt, baseConfig(jobs.QueueMessages, cfg.Worker.MessageWorkers))
	campaignSrv := asynq.NewServer(redisOpt, baseConfig(jobs.QueueCampaigns, cfg.Worker.CampaignWorkers))

	aiConfig := baseConfig(jobs.QueueAI, cfg.Worker.AIWorkers)
	aiConfig.RetryDelayFunc = func(n int, e error, t *asynq.Task) time.Duration {
		return aiRetryDelay
	}
	aiSrv := asynq.NewServer(redisOpt, aiConfig)

	webhookWorker := workers.NewWebhookWorker(&deps.Ingest, logger)
	messageWorker := workers.NewMessageWorker(&deps.Delivery, logger)
	campaignWorker := workers.NewCampaignWorker(&deps.Campaigns, logger)
	aiWorker := workers.NewAIWorker(&deps.AI, logger)

	webhookMux := asynq.NewServeMux()
	webhookMux.HandleFunc(jobs.TypeProcessIncoming, webhookWorker.ProcessIncomingTask)

	messageMux := asynq.NewServeMux()
	messageMux.HandleFunc(jobs.TypeSendMessage, messageWorker.ProcessSendMessageTask)

	campaignMux := asynq.NewServeMux()
	campaignMux.HandleFunc(jobs.TypeCampaignStart, campaignWorker.ProcessCampaignStartTask)
	campaignMux.HandleFunc(jobs.TypeCampaignSend, campaignWorker.ProcessCampaignSendTask)

	aiMux := asynq.NewServeMux()
	aiMux.HandleFunc(jobs.TypeAITranscribe, aiWorker.ProcessTranscribeTask)
	aiMux.HandleFunc(jobs.TypeAISuggest, aiWorker.ProcessSuggestTask)
	aiMux.HandleFunc(jobs.TypeAISentiment, aiWorker.ProcessSentimentTask)
	aiMux.HandleFunc(jobs.TypeAIChatbot, aiWorker.ProcessChatbotTask)

	servers := []struct {
		name string
		srv  *asynq.Server
		mux  *asynq.ServeMux
	}{
		{jobs.QueueWebhooks, webhookSrv, webhookMux},
		{jobs.QueueMessages, messageSrv, messageMux},
		{jobs.QueueCampaigns, campaignSrv, campaignMux},
		{jobs.QueueAI, aiSrv, aiMux},
	}

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(name string, srv *asynq.Server, mux *asynq.ServeMux) {
			defer wg.Done()
			logger.Info(ctx, fmt.Sprintf("worker pool for queue %q started", name))
			if err := srv.Run(mux); err != nil {
				log.Fatalf("failed to run %s worker server: %v", name, err)
			}
		}(s.name, s.srv, s.mux)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutting down worker server...")
	for _, s := range servers {
		s.srv.Shutdown()
	}
	wg.Wait()
	logger.Info(ctx, "Worker server stopped")
}

// asynqLogger adapts observability.Logger to asynq.Logger interface
type asynqLogger struct {
	logger *observability.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) {
	l.logger.Debug(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Info(args ...interface{}) {
	l.logger.Info(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...interface{}) {
	l.logger.Warn(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
	os.Exit(1)
}
