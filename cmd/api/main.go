// Package main is the entry point for the conversation engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/alert"
	"github.com/chatlift/conversation-engine/internal/channel"
	"github.com/chatlift/conversation-engine/internal/config"
	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/handler"
	"github.com/chatlift/conversation-engine/internal/llm"
	"github.com/chatlift/conversation-engine/internal/middleware"
	"github.com/chatlift/conversation-engine/internal/outbox"
	"github.com/chatlift/conversation-engine/internal/retrieval"
	"github.com/chatlift/conversation-engine/internal/scheduler"
	"github.com/chatlift/conversation-engine/internal/service"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting conversation engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Postgres is the authoritative store.
	st, err := store.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to postgres", zap.Error(err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}

	// NATS carries the lifecycle event feed; the engine runs without it.
	var natsClient *events.Client
	if cfg.NATSURL != "" {
		natsClient, err = events.Connect(ctx, events.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("failed to connect to NATS, event feed disabled", zap.Error(err))
			natsClient = nil
		} else {
			defer natsClient.Close()
		}
	}
	publisher := events.NewPublisher(natsClient, log)
	if natsClient != nil {
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Warn("failed to ensure event stream", zap.Error(err))
		}
	}

	// Operator alerts go to a single Telegram channel.
	var sink alert.Sink
	if cfg.AlertBotToken != "" {
		sink, err = alert.NewTelegramSink(cfg.AlertBotToken, cfg.AlertChatID)
		if err != nil {
			log.Warn("failed to create alert sink, alerts will be logged", zap.Error(err))
			sink = nil
		}
	}
	alerts := alert.NewNotifier(sink, cfg.AlertCoalesceWindow, log)

	var llmClient llm.Client
	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI || (cfg.AnthropicAPIKey == "" && cfg.OpenAIAPIKey != "") {
		provider = llm.ProviderOpenAI
		apiKey = cfg.OpenAIAPIKey
	}
	if apiKey == "" {
		log.Error("no LLM API key configured")
		os.Exit(1)
	}
	llmClient, err = llm.NewClient(provider, apiKey)
	if err != nil {
		log.Error("failed to create LLM client", zap.Error(err))
		os.Exit(1)
	}
	log.Info("llm client ready",
		zap.String("provider", llmClient.Name()),
		zap.Strings("models", llmClient.Models()))

	retriever, err := retrieval.New(retrieval.Config{
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		EmbeddingURL:   cfg.EmbeddingURL,
		EmbeddingModel: cfg.EmbeddingModel,
		VectorURL:      cfg.VectorStoreURL,
		VectorAPIKey:   cfg.VectorStoreAPIKey,
		Timeout:        cfg.AdapterTimeout,
	})
	if err != nil {
		log.Error("failed to create retriever", zap.Error(err))
		os.Exit(1)
	}

	sender := channel.NewHTTPSender(cfg.WhatsAppAdapterURL, cfg.TelegramAdapterURL, cfg.AdapterTimeout)

	settings := store.NewSettingsProvider(st, cfg.SettingsCacheTTL)
	escalationSvc := service.NewEscalationService(st, settings, publisher, log)
	conversationSvc := service.NewConversationService(st, settings, retriever, llmClient, escalationSvc, publisher, log)
	callbackSvc := service.NewCallbackService(st, settings, publisher, log)
	healthSvc := service.NewHealthService(st, alerts, publisher, log)

	dispatcher := outbox.NewDispatcher(st, sender, alerts, publisher, log, outbox.Config{
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		BackoffBase: cfg.OutboxBackoffBase,
		BackoffCap:  cfg.OutboxBackoffCap,
		Visibility:  cfg.OutboxVisibilityTimeout,
	})
	sched := scheduler.New(st, escalationSvc, dispatcher, healthSvc, log, scheduler.Config{
		Tick:        cfg.SchedulerTick,
		Budget:      cfg.SweepBudget,
		HealthEvery: cfg.HealthEveryTicks,
	})

	healthHandler := handler.NewHealthHandler(st, natsClient)
	webhookHandler := handler.NewWebhookHandler(conversationSvc, log)
	callbackHandler := handler.NewCallbackHandler(callbackSvc, log)
	reminderHandler := handler.NewReminderHandler(st, log)
	adminHandler := handler.NewAdminHandler(st, settings, callbackSvc, healthSvc, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Channel webhook: rate limited, no JWT (adapters authenticate upstream).
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/message", webhookHandler.Message)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Post("/callback", callbackHandler.Callback)
		r.Get("/reminders", reminderHandler.List)
		r.Post("/reminders/{handover_id}/sent", reminderHandler.MarkSent)
	})

	// Admin surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminToken))

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", adminHandler.CreateClient)
			r.Get("/", adminHandler.ListClients)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", adminHandler.GetClient)
				r.Put("/status", adminHandler.UpdateClientStatus)
				r.Post("/branches", adminHandler.CreateBranch)
				r.Get("/branches", adminHandler.ListBranches)
				r.Get("/settings", adminHandler.GetSettings)
				r.Put("/settings", adminHandler.UpdateSettings)
				r.Get("/prompts", adminHandler.ListPrompts)
				r.Put("/prompts", adminHandler.UpsertPrompt)
				r.Get("/learned", adminHandler.ListLearnedResponses)
				r.Get("/conversations", adminHandler.ListConversations)
			})
		})
		r.Put("/learned/{id}", adminHandler.SetLearnedStatus)
		r.Get("/conversations/{id}/messages", adminHandler.ListConversationMessages)
		r.Post("/conversations/{id}/mute", adminHandler.MuteConversation)
		r.Post("/conversations/{id}/force-close", adminHandler.ForceClose)
		r.Get("/outbox", adminHandler.ListOutbox)
		r.Get("/outbox/{id}", adminHandler.GetOutbox)
		r.Get("/health", adminHandler.HealthSnapshot)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	wg.Wait()
	log.Info("stopped")
}
