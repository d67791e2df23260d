package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"gptrelay/internal/config"
	"gptrelay/internal/retry"
)

// maxMessageRunes ограничение Telegram на длину текста одного сообщения.
const maxMessageRunes = 4096

type BotClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type HTTPBotClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	backoff    retry.Backoff
	logger     *slog.Logger
}

func NewClient(cfg config.TelegramConfig, httpClient *http.Client, backoff retry.Backoff, logger *slog.Logger) *HTTPBotClient {
	return &HTTPBotClient{
		token:      cfg.BotToken,
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient: httpClient,
		backoff:    backoff,
		logger:     logger,
	}
}

// SendMessage отправляет текст в чат. Длинный текст режется на несколько сообщений.
func (c *HTTPBotClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageRunes) {
		if err := c.sendOne(ctx, chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPBotClient) sendOne(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	resp, respBody, err := retry.DoHTTP(ctx, c.backoff, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("build telegram request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("execute telegram request: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp, nil, fmt.Errorf("read telegram response: %w", err)
		}
		return resp, data, nil
	})
	if err != nil {
		return err
	}

	var response SendMessageResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return fmt.Errorf("decode telegram response (status %d): %w", resp.StatusCode, err)
	}
	if !response.Ok {
		return fmt.Errorf("telegram api error %d: %s", response.ErrorCode, response.Description)
	}
	return nil
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// splitMessage режет текст на куски не длиннее limit рун, стараясь резать по переводу строки.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
