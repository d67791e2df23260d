package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Bucket token bucket поверх rate.Limiter с подменяемыми часами.
// TryAcquire никогда не блокируется: повтор и ожидание остаются на вызывающей стороне.
type Bucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// Option настраивает Bucket.
type Option func(*Bucket)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// New создаёт полный bucket ёмкостью capacity, пополняемый на refillPerSecond токенов в секунду.
func New(capacity int, refillPerSecond float64, opts ...Option) *Bucket {
	b := &Bucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PerMinute создаёт bucket на n запросов в минуту: ёмкость n, один токен каждые 60/n секунд.
// Для n <= 0 возвращает nil, что означает отсутствие лимита.
func PerMinute(n int, opts ...Option) *Bucket {
	if n <= 0 {
		return nil
	}
	return New(n, float64(n)/60, opts...)
}

// TryAcquire забирает один токен, если он есть. Nil bucket пропускает всё.
func (b *Bucket) TryAcquire() bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(b.now(), 1)
}

// Available возвращает текущее число токенов после пополнения.
func (b *Bucket) Available() float64 {
	if b == nil {
		return math.Inf(1)
	}
	return b.limiter.TokensAt(b.now())
}
