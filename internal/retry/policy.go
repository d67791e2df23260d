package retry

import (
	"context"
	"time"
)

const (
	defaultMaxRetries     = 2
	defaultAuthMaxRetries = 1
	defaultRateLimitDelay = 20 * time.Second
	defaultTimeoutDelay   = 5 * time.Second
)

// Тексты, которые видит пользователь при окончательном отказе.
const (
	MessageRateLimited    = "提问太快啦，请休息一下再问我吧"
	MessageTimeout        = "我没有收到你的消息"
	MessageConnection     = "我连接不到你的网络"
	MessageAuthentication = "重新获取openkey"
	MessageUnavailable    = "我现在有点累了，等会再来吧"
)

type Sleeper func(ctx context.Context, d time.Duration) error

// Policy таблица реакций на каждый FailureKind.
type Policy struct {
	// MaxRetries общий лимит повторов для RateLimited и Timeout.
	MaxRetries int
	// AuthMaxRetries отдельный лимит повторов после обновления ключа.
	AuthMaxRetries int
	RateLimitDelay time.Duration
	TimeoutDelay   time.Duration
	Messages       map[FailureKind]string
	Sleep          Sleeper
}

// Decision что делать после неудачной попытки.
type Decision struct {
	Retry        bool
	Delay        time.Duration
	RotateKey    bool
	ClearSession bool
	Message      string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     defaultMaxRetries,
		AuthMaxRetries: defaultAuthMaxRetries,
		RateLimitDelay: defaultRateLimitDelay,
		TimeoutDelay:   defaultTimeoutDelay,
		Messages:       defaultMessages(),
		Sleep:          defaultSleep,
	}
}

func defaultMessages() map[FailureKind]string {
	return map[FailureKind]string{
		RateLimited:         MessageRateLimited,
		Timeout:             MessageTimeout,
		ConnectionError:     MessageConnection,
		AuthenticationError: MessageAuthentication,
		Unclassified:        MessageUnavailable,
	}
}

// WithDefaults заполняет незаданные поля значениями по умолчанию.
// Отрицательные лимиты означают «без повторов».
func (p Policy) WithDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.AuthMaxRetries == 0 {
		p.AuthMaxRetries = defaultAuthMaxRetries
	}
	if p.RateLimitDelay == 0 {
		p.RateLimitDelay = defaultRateLimitDelay
	}
	if p.TimeoutDelay == 0 {
		p.TimeoutDelay = defaultTimeoutDelay
	}
	if p.Messages == nil {
		p.Messages = defaultMessages()
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	return p
}

// Decide применяет политику к отказу kind, retries: сколько повторов уже сделано.
func (p Policy) Decide(kind FailureKind, retries int) Decision {
	d := Decision{Message: p.message(kind)}
	switch kind {
	case RateLimited:
		d.Retry = retries < p.MaxRetries
		d.Delay = p.RateLimitDelay
	case Timeout:
		d.Retry = retries < p.MaxRetries
		d.Delay = p.TimeoutDelay
	case ConnectionError:
	case AuthenticationError:
		d.Retry = retries < p.AuthMaxRetries
		d.RotateKey = d.Retry
	default:
		d.ClearSession = true
	}
	if !d.Retry {
		d.Delay = 0
	}
	return d
}

func (p Policy) message(kind FailureKind) string {
	if msg, ok := p.Messages[kind]; ok && msg != "" {
		return msg
	}
	return MessageUnavailable
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
