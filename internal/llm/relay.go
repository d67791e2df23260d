package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gptrelay/internal/retry"
)

const (
	relayCompletionsPath = "/openAI/v1/chat/completions"
	headerClientID       = "client-id"
	headerPeopleDesuka   = "people-desuka"
	snippetLimit         = 200
)

var ErrMalformedEnvelope = errors.New("malformed relay envelope")

// RelayTransport отправляет запросы через distributor relay.
type RelayTransport struct {
	httpClient *http.Client
}

func NewRelayTransport(httpClient *http.Client) *RelayTransport {
	return &RelayTransport{httpClient: httpClient}
}

func (t *RelayTransport) Name() string { return "relay" }

func (t *RelayTransport) Complete(ctx context.Context, req Request) (Completion, error) {
	if req.Route.RelayURL == "" {
		return Completion{}, retry.NewFailure(retry.Unclassified, errors.New("relay url is not configured"))
	}

	buf, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	if req.Args.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Args.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(req.Route.RelayURL, "/") + relayCompletionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return Completion{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerClientID, req.Route.ClientID)
	httpReq.Header.Set(headerPeopleDesuka, "robots")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Completion{}, retry.StatusFailure(resp.StatusCode, snippet(body))
	}

	var envelope relayResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Completion{}, retry.NewFailure(retry.Unclassified, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if envelope.Data == nil {
		return Completion{}, retry.NewFailure(retry.Unclassified, fmt.Errorf("%w: missing data: %s", ErrMalformedEnvelope, snippet(body)))
	}
	return envelope.Data.completion()
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model            string        `json:"model"`
	Messages         []wireMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

func newWireRequest(req Request) wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return wireRequest{
		Model:            req.Args.Model,
		Messages:         messages,
		Temperature:      req.Args.Temperature,
		TopP:             req.Args.TopP,
		FrequencyPenalty: req.Args.FrequencyPenalty,
		PresencePenalty:  req.Args.PresencePenalty,
	}
}

type relayResponse struct {
	Data *chatResponse `json:"data"`
}

type chatResponse struct {
	Usage struct {
		TotalTokens      int `json:"total_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

func (r *chatResponse) completion() (Completion, error) {
	if len(r.Choices) == 0 {
		return Completion{}, retry.NewFailure(retry.Unclassified, fmt.Errorf("%w: no choices", ErrMalformedEnvelope))
	}
	return Completion{
		Content: r.Choices[0].Message.Content,
		Usage: Usage{
			TotalTokens:      r.Usage.TotalTokens,
			CompletionTokens: r.Usage.CompletionTokens,
		},
	}, nil
}

func snippet(body []byte) string {
	if len(body) <= snippetLimit {
		return string(body)
	}
	return string(body[:snippetLimit])
}
