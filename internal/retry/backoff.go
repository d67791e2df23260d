package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 8 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxAttempts    = 3
	defaultJitterFraction = 0.30
	defaultSnippetLimit   = 200
)

type NowFunc func() time.Time
type RandFunc func() float64

// Backoff экспоненциальные повторы для вспомогательных HTTP-вызовов
// (получение ключа у relay, отправка сообщений в Telegram).
// Вызовы модели идут через Policy, а не через Backoff.
type Backoff struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxAttempts    int
	JitterFraction float64
	SnippetLimit   int
	Sleep          Sleeper
	Now            NowFunc
	Rand           RandFunc
}

// ExhaustedError возвращается, когда все попытки закончились повторяемой ошибкой.
type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// HTTPDo один HTTP-вызов: ответ, прочитанное тело и ошибка транспорта.
type HTTPDo func(ctx context.Context) (*http.Response, []byte, error)

// verdict итог одной попытки с точки зрения повторов.
type verdict struct {
	retry      bool
	cause      error
	reason     string
	status     int
	retryAfter time.Duration
	hasHint    bool
	snippet    string
}

// DoHTTP выполняет do, повторяя при 429/5xx/таймаутах и обрывах соединения.
// Остальные ответы (включая 4xx) возвращаются как есть.
func DoHTTP(ctx context.Context, b Backoff, logger *slog.Logger, do HTTPDo) (*http.Response, []byte, error) {
	b = b.withDefaults()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		resp, body, err := do(ctx)
		if err == nil && resp == nil {
			return nil, nil, errors.New("http client returned no response")
		}

		v := b.judge(ctx, resp, body, err)
		if !v.retry {
			return resp, body, err
		}
		if attempt >= b.MaxAttempts {
			return resp, body, &ExhaustedError{Cause: v.cause, Attempts: attempt}
		}

		delay := b.delay(attempt, v)
		logRetry(logger, attempt, b.MaxAttempts, v, delay)
		if err := b.Sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

// judge решает, стоит ли повторять попытку.
func (b Backoff) judge(ctx context.Context, resp *http.Response, body []byte, err error) verdict {
	if err != nil {
		kind := Classify(err)
		transient := kind == Timeout || kind == ConnectionError
		if !transient || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return verdict{}
		}
		return verdict{retry: true, cause: err, reason: kind.String()}
	}

	status := resp.StatusCode
	kind := ClassifyStatus(status)
	switch {
	case kind == RateLimited || kind == Timeout:
	case status >= http.StatusInternalServerError && status != http.StatusNotImplemented:
		kind = Unclassified
	default:
		return verdict{}
	}

	snippet := bodySnippet(body, b.SnippetLimit)
	reason := kind.String()
	if kind == Unclassified {
		reason = "upstream 5xx"
	}
	hint, ok := parseRetryAfter(resp.Header, b.Now())
	return verdict{
		retry:      true,
		cause:      StatusFailure(status, snippet),
		reason:     reason,
		status:     status,
		retryAfter: hint,
		hasHint:    ok,
		snippet:    snippet,
	}
}

// delay пауза перед попыткой attempt+1. Retry-After имеет приоритет,
// но не превышает MaxDelay.
func (b Backoff) delay(attempt int, v verdict) time.Duration {
	if v.hasHint {
		return min(v.retryAfter, b.MaxDelay)
	}
	d := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(max(attempt, 1)-1))
	d = math.Min(d, float64(b.MaxDelay))
	if b.JitterFraction > 0 {
		d *= 1 + (b.Rand()*2-1)*b.JitterFraction
	}
	return time.Duration(math.Max(d, 0))
}

func (b Backoff) withDefaults() Backoff {
	if b.BaseDelay == 0 {
		b.BaseDelay = defaultBaseDelay
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = defaultMaxDelay
	}
	if b.Multiplier == 0 {
		b.Multiplier = defaultMultiplier
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	if b.JitterFraction == 0 {
		b.JitterFraction = defaultJitterFraction
	}
	if b.SnippetLimit == 0 {
		b.SnippetLimit = defaultSnippetLimit
	}
	if b.Sleep == nil {
		b.Sleep = defaultSleep
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	if b.Rand == nil {
		b.Rand = rand.New(rand.NewSource(time.Now().UnixNano())).Float64
	}
	return b
}

// parseRetryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}

func logRetry(logger *slog.Logger, attempt, maxAttempts int, v verdict, delay time.Duration) {
	if logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.Int("attempt", attempt+1),
		slog.Int("max_attempts", maxAttempts),
		slog.String("reason", v.reason),
		slog.Duration("retry_in", delay),
		slog.Bool("retry_after_used", v.hasHint),
	}
	if v.status > 0 {
		attrs = append(attrs, slog.Int("status", v.status))
	}
	if v.snippet != "" {
		attrs = append(attrs, slog.String("snippet", v.snippet))
	}
	logger.LogAttrs(context.Background(), slog.LevelWarn, "retrying request", attrs...)
}

func bodySnippet(body []byte, limit int) string {
	if limit <= 0 || len(body) == 0 {
		return ""
	}
	return string(body[:min(len(body), limit)])
}
