package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gptrelay/internal/config"
	"gptrelay/internal/retry"
	"gptrelay/internal/session"
	"gptrelay/internal/telemetry"
)

var errRateLimitExceeded = errors.New("rate limit exceeded")

// ConfigSource процессный источник конфигурации с подменяемым ключом.
type ConfigSource interface {
	Current() config.Config
	SetAPIKey(key string)
}

// Admitter неблокирующая проверка допуска запроса (token bucket).
type Admitter interface {
	TryAcquire() bool
}

// SessionClearer сбрасывает историю identity после неклассифицированного отказа.
type SessionClearer interface {
	Clear(identity string)
}

// ClientConfig конфигурация для создания Client.
type ClientConfig struct {
	Config    ConfigSource
	Direct    Transport
	Relay     Transport
	Admitter  Admitter
	Rotator   KeyRotator
	Sessions  SessionClearer
	Policy    retry.Policy
	Logger    *slog.Logger
	Telemetry *telemetry.Recorder
}

// Client машина состояний вызова модели:
// допуск → отправка → успех или отказ(kind) → повтор или завершение.
type Client struct {
	cfg       ConfigSource
	direct    Transport
	relay     Transport
	admitter  Admitter
	rotator   KeyRotator
	sessions  SessionClearer
	policy    retry.Policy
	logger    *slog.Logger
	telemetry *telemetry.Recorder
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg.Config,
		direct:    cfg.Direct,
		relay:     cfg.Relay,
		admitter:  cfg.Admitter,
		rotator:   cfg.Rotator,
		sessions:  cfg.Sessions,
		policy:    cfg.Policy.WithDefaults(),
		logger:    logger,
		telemetry: cfg.Telemetry,
	}
}

// Call один вызов модели от имени identity.
type Call struct {
	Identity string
	Messages []session.Message
	APIKey   string
}

// Complete выполняет вызов с повторами согласно политике.
// Ошибки наружу не возвращаются: отказ выражается через Outcome.CompletionTokens == 0.
func (c *Client) Complete(ctx context.Context, call Call) Outcome {
	ctx, span := c.telemetry.StartCompletion(ctx, call.Identity)
	defer span.End()

	key := call.APIKey
	for retries := 0; ; retries++ {
		cfg := c.cfg.Current()
		transport := c.transportFor(cfg)
		req := Request{
			Messages: call.Messages,
			APIKey:   key,
			Args:     ArgsFromConfig(cfg),
			Route:    RouteFromConfig(cfg),
		}

		started := time.Now()
		completion, err := c.attempt(ctx, transport, req)
		kind := retry.Classify(err)
		outcome := "ok"
		if err != nil {
			outcome = kind.String()
		}
		c.telemetry.RecordAttempt(ctx, telemetry.AttemptData{
			Transport: transport.Name(),
			Model:     req.Args.Model,
			Attempt:   retries + 1,
			Outcome:   outcome,
			Duration:  time.Since(started),
		})

		if err == nil {
			result := Outcome{
				Content:          completion.Content,
				CompletionTokens: completion.Usage.CompletionTokens,
				TotalTokens:      completion.Usage.TotalTokens,
				Attempts:         retries + 1,
			}
			c.recordOutcome(ctx, transport, result, "ok")
			return result
		}

		decision := c.policy.Decide(kind, retries)
		c.logFailure(call.Identity, transport, kind, retries, err)

		if decision.ClearSession && c.sessions != nil && call.Identity != "" {
			c.sessions.Clear(call.Identity)
		}
		if decision.RotateKey {
			key = c.rotateKey(ctx, req.Route, key)
		}

		if decision.Retry && ctx.Err() == nil {
			c.logger.Warn("retrying completion",
				slog.String("session_id", call.Identity),
				slog.Int("attempt", retries+1),
				slog.String("reason", kind.String()),
				slog.Duration("retry_in", decision.Delay))
			if err := c.policy.Sleep(ctx, decision.Delay); err == nil {
				continue
			}
		}

		result := Outcome{Content: decision.Message, Kind: kind, Attempts: retries + 1}
		c.recordOutcome(ctx, transport, result, kind.String())
		return result
	}
}

// attempt проверяет допуск и отправляет запрос. Отказ в допуске равносилен RateLimited без отправки.
func (c *Client) attempt(ctx context.Context, transport Transport, req Request) (Completion, error) {
	if c.admitter != nil && !c.admitter.TryAcquire() {
		return Completion{}, retry.NewFailure(retry.RateLimited, errRateLimitExceeded)
	}
	return transport.Complete(ctx, req)
}

// transportFor выбирает транспорт по текущей конфигурации.
func (c *Client) transportFor(cfg config.Config) Transport {
	if cfg.UseRelay() && c.relay != nil {
		return c.relay
	}
	return c.direct
}

// rotateKey получает новый ключ и атомарно публикует его в конфигурации.
// При ошибке остаётся ключ из конфигурации (его мог обновить администратор).
func (c *Client) rotateKey(ctx context.Context, route Route, current string) string {
	if c.rotator == nil {
		c.logger.Error("authentication failed and no key rotator configured")
		return c.cfg.Current().OpenAI.APIKey
	}
	next, err := c.rotator.Rotate(ctx, route, current)
	if err != nil {
		c.logger.Error("key rotation failed", slog.String("error", err.Error()))
		return c.cfg.Current().OpenAI.APIKey
	}
	c.cfg.SetAPIKey(next)
	c.logger.Info("api key rotated", slog.String("client_id", route.ClientID))
	return next
}

func (c *Client) logFailure(identity string, transport Transport, kind retry.FailureKind, retries int, err error) {
	attrs := []any{
		slog.String("session_id", identity),
		slog.String("transport", transport.Name()),
		slog.String("kind", kind.String()),
		slog.Int("attempt", retries+1),
		slog.String("error", err.Error()),
	}
	switch kind {
	case retry.AuthenticationError, retry.Unclassified:
		c.logger.Error("completion failed", attrs...)
	default:
		c.logger.Warn("completion failed", attrs...)
	}
}

func (c *Client) recordOutcome(ctx context.Context, transport Transport, o Outcome, label string) {
	c.telemetry.RecordOutcome(ctx, telemetry.OutcomeData{
		Transport:        transport.Name(),
		Outcome:          label,
		Attempts:         o.Attempts,
		CompletionTokens: o.CompletionTokens,
		TotalTokens:      o.TotalTokens,
	})
}
