package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gptrelay/internal/bot"
	"gptrelay/internal/middleware"
	"gptrelay/internal/telemetry"
)

type Replier interface {
	Reply(ctx context.Context, query, identity string) bot.Reply
}

type KeySetter interface {
	SetAPIKey(key string)
}

type MetricsSource interface {
	Snapshot(ctx context.Context) ([]telemetry.Point, error)
}

type RouterDeps struct {
	Logger *slog.Logger
	Bot    Replier
	Keys   KeySetter
	// AdminToken читается на каждый запрос, чтобы подхватывать перечитанную конфигурацию.
	AdminToken      func() string
	TelegramHandler http.Handler
	Metrics         MetricsSource
	SlowRequest     time.Duration
}

// NewRouter собирает chi-роутер с общими middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger, deps.SlowRequest))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Post("/chat", chatHandler(deps.Bot, deps.Logger))

	if deps.TelegramHandler != nil {
		r.Post("/telegram/webhook", deps.TelegramHandler.ServeHTTP)
	}

	adminToken := deps.AdminToken
	if adminToken == nil {
		adminToken = func() string { return "" }
	}
	r.Get("/config/changeApiKey/{key}", changeKeyHandler(deps.Keys, adminToken, deps.Logger))

	if deps.Metrics != nil {
		r.Get("/metrics", metricsHandler(deps.Metrics))
	}

	return r
}
