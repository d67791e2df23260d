package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gptrelay/internal/retry"
	"gptrelay/internal/session"
	"gptrelay/internal/transport"
)

func relayRequest(url string) Request {
	return Request{
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "be brief"},
			{Role: session.RoleUser, Content: "hello"},
		},
		APIKey: "k1",
		Args: RequestArgs{
			Model:       "gpt-3.5-turbo",
			Temperature: 0.9,
			TopP:        1,
		},
		Route: Route{RelayURL: url, ClientID: "client-1"},
	}
}

func TestRelayCompleteParsesEnvelope(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openAI/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "client-1", r.Header.Get("client-id"))
		assert.Equal(t, "robots", r.Header.Get("people-desuka"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"usage":{"total_tokens":12,"completion_tokens":5},"choices":[{"message":{"role":"assistant","content":"hi"}}]}}`))
	}))
	defer srv.Close()

	tr := NewRelayTransport(srv.Client())
	out, err := tr.Complete(context.Background(), relayRequest(srv.URL))

	require.NoError(t, err)
	require.Equal(t, "hi", out.Content)
	require.Equal(t, Usage{TotalTokens: 12, CompletionTokens: 5}, out.Usage)

	require.Equal(t, "gpt-3.5-turbo", got.Model)
	require.Equal(t, 0.9, got.Temperature)
	require.Equal(t, []wireMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, got.Messages)
}

func TestRelayCompleteClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   retry.FailureKind
	}{
		{http.StatusTooManyRequests, retry.RateLimited},
		{http.StatusUnauthorized, retry.AuthenticationError},
		{http.StatusGatewayTimeout, retry.Timeout},
		{http.StatusInternalServerError, retry.Unclassified},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			_, err := NewRelayTransport(srv.Client()).Complete(context.Background(), relayRequest(srv.URL))

			var failure *retry.Failure
			require.ErrorAs(t, err, &failure)
			require.Equal(t, tc.want, failure.Kind)
			require.Equal(t, tc.status, failure.Status)
		})
	}
}

func TestRelayCompleteMalformedEnvelope(t *testing.T) {
	bodies := map[string]string{
		"not json":   `<html>oops</html>`,
		"no data":    `{"error":"x"}`,
		"no choices": `{"data":{"usage":{"total_tokens":1},"choices":[]}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := NewRelayTransport(srv.Client()).Complete(context.Background(), relayRequest(srv.URL))

			require.ErrorIs(t, err, ErrMalformedEnvelope)
			require.Equal(t, retry.Unclassified, retry.Classify(err))
		})
	}
}

func TestRelayCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	req := relayRequest(srv.URL)
	req.Args.Timeout = 50 * time.Millisecond
	_, err := NewRelayTransport(srv.Client()).Complete(context.Background(), req)

	require.Error(t, err)
	require.Equal(t, retry.Timeout, retry.Classify(err))
}

func TestRelayTimeoutComesFromEachRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"data":{"usage":{"total_tokens":3,"completion_tokens":1},"choices":[{"message":{"content":"late"}}]}}`))
	}))
	defer srv.Close()

	client, err := transport.NewHTTPClient(transport.Options{})
	require.NoError(t, err)
	tr := NewRelayTransport(client)

	short := relayRequest(srv.URL)
	short.Args.Timeout = 20 * time.Millisecond
	_, err = tr.Complete(context.Background(), short)
	require.Equal(t, retry.Timeout, retry.Classify(err))

	// Увеличенный после перечитывания конфигурации таймаут не упирается в таймаут клиента.
	long := relayRequest(srv.URL)
	long.Args.Timeout = 5 * time.Second
	out, err := tr.Complete(context.Background(), long)
	require.NoError(t, err)
	require.Equal(t, "late", out.Content)
}

func TestRelayCompleteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRelayTransport(http.DefaultClient).Complete(context.Background(), relayRequest(url))

	require.Error(t, err)
	require.Equal(t, retry.ConnectionError, retry.Classify(err))
}

func TestRelayCompleteWithoutURL(t *testing.T) {
	_, err := NewRelayTransport(http.DefaultClient).Complete(context.Background(), relayRequest(""))

	var failure *retry.Failure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, retry.Unclassified, failure.Kind)
}
