package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"gptrelay/internal/bot"
	"gptrelay/internal/config"
	"gptrelay/internal/httpserver"
	"gptrelay/internal/llm"
	"gptrelay/internal/ratelimit"
	"gptrelay/internal/retry"
	"gptrelay/internal/session"
	"gptrelay/internal/telegram"
	"gptrelay/internal/telemetry"
	"gptrelay/internal/transport"
)

var version = "dev"

const (
	sweepInterval   = time.Minute
	slowRequest     = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := pflag.String("config", "config.json", "path to config file (json, jsonc or yaml)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	store := config.NewStoreFrom(*configPath, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		}
	}()

	provider, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}

	// Без общего таймаута: request_timeout перечитывается из конфигурации на каждый вызов модели.
	httpClient, err := transport.NewHTTPClient(transport.Options{Proxy: cfg.Proxy})
	if err != nil {
		log.Fatalf("failed to init http client: %v", err)
	}

	sessions := session.NewStore(session.StoreConfig{
		Settings: func() session.Settings {
			c := store.Current()
			return session.Settings{
				SystemPrompt: c.Conversation.CharacterDesc,
				MaxTokens:    c.Conversation.MaxTokens,
			}
		},
		TTL:    cfg.SessionTTL,
		Logger: logger,
	})
	if cfg.SessionStorePath != "" {
		if _, err := sessions.LoadFile(cfg.SessionStorePath); err != nil {
			logger.Warn("sessions not restored", slog.String("path", cfg.SessionStorePath), slog.String("error", err.Error()))
		}
	}
	go sweepSessions(ctx, sessions, logger)

	llmClient := llm.NewClient(llm.ClientConfig{
		Config:    store,
		Direct:    llm.NewDirectTransport(httpClient),
		Relay:     llm.NewRelayTransport(httpClient),
		Admitter:  ratelimit.PerMinute(cfg.RateLimitPerMinute),
		Rotator:   llm.NewRemoteKeyRotator(httpClient, retry.Backoff{}, logger),
		Sessions:  sessions,
		Policy:    retry.DefaultPolicy(),
		Logger:    logger,
		Telemetry: provider.Recorder,
	})

	chatBot := bot.New(bot.Deps{
		Sessions: sessions,
		LLM:      llmClient,
		Config:   store,
		Logger:   logger,
	})

	var webhook *telegram.WebhookHandler
	if cfg.Telegram.BotToken != "" {
		webhook = telegram.NewWebhookHandler(telegram.WebhookDeps{
			Bot:           chatBot,
			Client:        telegram.NewClient(cfg.Telegram, httpClient, retry.Backoff{}, logger),
			Logger:        logger,
			WebhookSecret: func() string { return store.Current().Telegram.WebhookSecret },
		})
	}

	deps := httpserver.RouterDeps{
		Logger:      logger,
		Bot:         chatBot,
		Keys:        store,
		AdminToken:  func() string { return store.Current().AdminToken },
		Metrics:     provider,
		SlowRequest: slowRequest,
	}
	if webhook != nil {
		deps.TelegramHandler = webhook
	}

	// WriteTimeout покрывает /chat целиком, включая повторы с задержкой 20s.
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpserver.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", cfg.HTTPAddr), slog.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if webhook != nil {
		webhook.Wait()
	}
	if path := store.Current().SessionStorePath; path != "" {
		if err := sessions.SaveFile(path); err != nil {
			logger.Error("sessions not saved", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func sweepSessions(ctx context.Context, sessions *session.Store, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sessions.ClearExpired(now); n > 0 {
				logger.Debug("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
