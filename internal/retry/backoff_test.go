package retry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSleeper struct {
	delays []time.Duration
}

func (s *recordSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

// scriptedServer отвечает статусами из steps по очереди, последний повторяется.
func scriptedServer(t *testing.T, steps ...func(w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		steps[min(n, len(steps))-1](w)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func status(code int, body string, headers ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(headers); i += 2 {
			w.Header().Set(headers[i], headers[i+1])
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

func get(client *http.Client, url string) HTTPDo {
	return func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return resp, body, err
	}
}

func testBackoff(sleep *recordSleeper, attempts int, jitter float64) Backoff {
	return Backoff{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		MaxAttempts: attempts,
		Sleep:       sleep.Sleep,
		Rand:        func() float64 { return jitter },
	}
}

func TestDoHTTPRetriesTransientStatuses(t *testing.T) {
	srv, calls := scriptedServer(t,
		status(http.StatusServiceUnavailable, "overloaded"),
		status(http.StatusGatewayTimeout, ""),
		status(http.StatusOK, "ok"),
	)
	sleep := &recordSleeper{}

	resp, body, err := DoHTTP(context.Background(), testBackoff(sleep, 3, 0.5), nil, get(srv.Client(), srv.URL))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
	require.EqualValues(t, 3, calls.Load())

	// rand=0.5 даёт нулевой jitter: 500ms, затем 1s.
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleep.delays)
}

func TestDoHTTPJitterStaysInRange(t *testing.T) {
	srv, _ := scriptedServer(t, status(http.StatusTooManyRequests, "rate limit"))

	for _, r := range []float64{0, 0.25, 0.99} {
		sleep := &recordSleeper{}
		_, _, err := DoHTTP(context.Background(), testBackoff(sleep, 2, r), nil, get(srv.Client(), srv.URL))
		require.Error(t, err)
		require.Len(t, sleep.delays, 1)
		assert.GreaterOrEqual(t, sleep.delays[0], 350*time.Millisecond)
		assert.LessOrEqual(t, sleep.delays[0], 650*time.Millisecond)
	}
}

func TestDoHTTPHonoursRetryAfter(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "seconds", header: "2", want: 2 * time.Second},
		{name: "capped", header: "120", want: 8 * time.Second},
		{name: "http date", header: time.Now().Add(time.Hour).UTC().Format(http.TimeFormat), want: 8 * time.Second},
		{name: "date in the past", header: time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := scriptedServer(t,
				status(http.StatusTooManyRequests, "slow down", "Retry-After", tc.header),
				status(http.StatusOK, "ok"),
			)
			sleep := &recordSleeper{}

			_, _, err := DoHTTP(context.Background(), testBackoff(sleep, 2, 0), nil, get(srv.Client(), srv.URL))
			require.NoError(t, err)
			require.EqualValues(t, 2, calls.Load())
			require.Equal(t, []time.Duration{tc.want}, sleep.delays)
		})
	}
}

func TestDoHTTPExhaustedKeepsLastStatus(t *testing.T) {
	srv, calls := scriptedServer(t, status(http.StatusBadGateway, "bad gateway"))
	sleep := &recordSleeper{}

	resp, _, err := DoHTTP(context.Background(), testBackoff(sleep, 3, 0.5), nil, get(srv.Client(), srv.URL))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.EqualValues(t, 3, calls.Load())
	require.Len(t, sleep.delays, 2)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, http.StatusBadGateway, failure.Status)
}

func TestDoHTTPReturnsNonRetryableAsIs(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotImplemented} {
		srv, calls := scriptedServer(t, status(code, "nope"))
		sleep := &recordSleeper{}

		resp, body, err := DoHTTP(context.Background(), testBackoff(sleep, 3, 0.5), nil, get(srv.Client(), srv.URL))
		require.NoError(t, err)
		require.Equal(t, code, resp.StatusCode)
		require.Equal(t, "nope", string(body))
		require.EqualValues(t, 1, calls.Load())
		require.Empty(t, sleep.delays)
	}
}

func TestDoHTTPStopsWhenSleepCancelled(t *testing.T) {
	srv, calls := scriptedServer(t, status(http.StatusServiceUnavailable, "overloaded"))

	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{
		MaxAttempts: 3,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	_, _, err := DoHTTP(ctx, b, nil, get(srv.Client(), srv.URL))
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, calls.Load())
}

func TestDoHTTPConnectionRefusedExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sleep := &recordSleeper{}
	_, _, err := DoHTTP(context.Background(), Backoff{MaxAttempts: 2, Sleep: sleep.Sleep}, nil, get(http.DefaultClient, url))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.Len(t, sleep.delays, 1)
	require.Equal(t, ConnectionError, Classify(err))
}
