package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gptrelay/internal/retry"
)

const relayKeyPath = "/openAI/v1/key"

var ErrNoRelay = errors.New("relay url is not configured")

// KeyRotator получает новый ключ провайдера взамен отвергнутого.
type KeyRotator interface {
	Rotate(ctx context.Context, route Route, currentKey string) (string, error)
}

// RemoteKeyRotator запрашивает ключ у distributor relay.
type RemoteKeyRotator struct {
	httpClient *http.Client
	backoff    retry.Backoff
	logger     *slog.Logger
}

func NewRemoteKeyRotator(httpClient *http.Client, backoff retry.Backoff, logger *slog.Logger) *RemoteKeyRotator {
	return &RemoteKeyRotator{
		httpClient: httpClient,
		backoff:    backoff,
		logger:     logger,
	}
}

func (r *RemoteKeyRotator) Rotate(ctx context.Context, route Route, currentKey string) (string, error) {
	if route.RelayURL == "" {
		return "", ErrNoRelay
	}

	query := url.Values{}
	query.Set("client_id", route.ClientID)
	query.Set("old_key", currentKey)
	endpoint := strings.TrimRight(route.RelayURL, "/") + relayKeyPath + "?" + query.Encode()

	resp, body, err := retry.DoHTTP(ctx, r.backoff, r.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("build key request: %w", err)
		}
		req.Header.Set(headerClientID, route.ClientID)
		req.Header.Set(headerPeopleDesuka, "robots")
		return readResponse(r.httpClient, req)
	})
	if err != nil {
		return "", fmt.Errorf("fetch remote key: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch remote key: %w", retry.StatusFailure(resp.StatusCode, snippet(body)))
	}

	var parsed struct {
		Data struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode key response: %w", err)
	}
	if parsed.Data.APIKey == "" {
		return "", errors.New("relay returned empty api key")
	}
	return parsed.Data.APIKey, nil
}

func readResponse(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}
