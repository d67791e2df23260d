package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gptrelay/internal/bot"
	"gptrelay/internal/httpserver"
)

const (
	headerSecretToken = "X-Telegram-Bot-Api-Secret-Token"
	startText         = "你好！直接发消息就可以和我聊天。发送 #清除记忆 可以清除对话记忆。"
	emptyText         = "我只能看懂文字消息哦"
	defaultReplyLimit = 3 * time.Minute
)

type Replier interface {
	Reply(ctx context.Context, query, identity string) bot.Reply
}

type WebhookDeps struct {
	Bot    Replier
	Client BotClient
	Logger *slog.Logger

	// WebhookSecret читается на каждый запрос; пустое значение отключает проверку.
	WebhookSecret func() string
	// ReplyTimeout ограничивает обработку одного сообщения вместе со всеми повторами.
	ReplyTimeout time.Duration
}

// WebhookHandler принимает обновления Telegram и отвечает на текстовые сообщения.
// Ответ модели может занимать десятки секунд (повторы с задержкой), поэтому
// обновление подтверждается сразу, а сообщение обрабатывается в фоне.
type WebhookHandler struct {
	bot          Replier
	client       BotClient
	logger       *slog.Logger
	secret       func() string
	replyTimeout time.Duration

	wg sync.WaitGroup
}

func NewWebhookHandler(deps WebhookDeps) *WebhookHandler {
	secret := deps.WebhookSecret
	if secret == nil {
		secret = func() string { return "" }
	}
	timeout := deps.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyLimit
	}
	return &WebhookHandler{
		bot:          deps.Bot,
		client:       deps.Client,
		logger:       deps.Logger,
		secret:       secret,
		replyTimeout: timeout,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if secret := h.secret(); secret != "" {
		got := r.Header.Get(headerSecretToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			httpserver.WriteJSONError(w, http.StatusForbidden, "forbidden", "invalid webhook secret")
			return
		}
	}

	var upd Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "bad_request", "cannot parse update")
		return
	}

	if upd.Message != nil {
		msg := *upd.Message
		ctx := context.WithoutCancel(r.Context())
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleMessage(ctx, msg)
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// Wait дожидается обработки уже принятых сообщений.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func (h *WebhookHandler) handleMessage(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, h.replyTimeout)
	defer cancel()

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		h.reply(ctx, msg.Chat.ID, emptyText)
		return
	case text == "/start":
		h.reply(ctx, msg.Chat.ID, startText)
		return
	}

	identity := strconv.FormatInt(msg.Chat.ID, 10)
	reply := h.bot.Reply(ctx, text, identity)
	if reply.Kind == bot.KindError {
		h.logger.Warn("reply failed",
			slog.String("session_id", identity),
			slog.String("content", reply.Content))
	}
	h.reply(ctx, msg.Chat.ID, reply.Content)
}

func (h *WebhookHandler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.client.SendMessage(ctx, chatID, text); err != nil {
		h.logger.Error("send message failed",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
	}
}
