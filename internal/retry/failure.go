package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// FailureKind закрытый набор причин, по которым вызов модели может не удаться.
type FailureKind int

const (
	Unclassified FailureKind = iota
	RateLimited
	Timeout
	ConnectionError
	AuthenticationError
)

func (k FailureKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case ConnectionError:
		return "connection_error"
	case AuthenticationError:
		return "authentication_error"
	default:
		return "unclassified"
	}
}

// Failure ошибка транспорта с уже определённой причиной.
type Failure struct {
	Kind   FailureKind
	Status int
	Err    error
}

func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// StatusFailure строит Failure по HTTP-статусу ответа.
func StatusFailure(status int, body string) *Failure {
	err := fmt.Errorf("unexpected status %d", status)
	if body != "" {
		err = fmt.Errorf("unexpected status %d: %s", status, body)
	}
	return &Failure{Kind: ClassifyStatus(status), Status: status, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ClassifyStatus сопоставляет HTTP-статус с причиной отказа.
func ClassifyStatus(status int) FailureKind {
	switch status {
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusUnauthorized:
		return AuthenticationError
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return Timeout
	default:
		return Unclassified
	}
}

// Classify определяет причину произвольной ошибки транспорта.
// Уже классифицированные Failure возвращают свой Kind.
func Classify(err error) FailureKind {
	if err == nil {
		return Unclassified
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	// Отмена вызывающей стороной: повторять бессмысленно, историю не трогаем.
	if errors.Is(err, context.Canceled) {
		return ConnectionError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	if isConnectionErr(err) {
		return ConnectionError
	}
	return Unclassified
}

func isConnectionErr(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "connection refused")
}
