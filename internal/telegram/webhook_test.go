package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"gptrelay/internal/bot"
)

type sentMessage struct {
	chatID int64
	text   string
}

type stubClient struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (s *stubClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sentMessage{chatID: chatID, text: text})
	return nil
}

type stubReplier struct {
	mu         sync.Mutex
	identities []string
	queries    []string
	reply      bot.Reply
}

func (s *stubReplier) Reply(ctx context.Context, query, identity string) bot.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, identity)
	s.queries = append(s.queries, query)
	return s.reply
}

func newHandler(replier Replier, client BotClient, secret string) *WebhookHandler {
	return NewWebhookHandler(WebhookDeps{
		Bot:           replier,
		Client:        client,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookSecret: func() string { return secret },
	})
}

func postUpdate(t *testing.T, h http.Handler, upd Update, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(upd)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(headerSecretToken, secret)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func textUpdate(chatID int64, text string) Update {
	return Update{Message: &Message{Text: text, Chat: Chat{ID: chatID}, From: &User{ID: chatID}}}
}

func TestWebhookRoutesTextThroughBot(t *testing.T) {
	client := &stubClient{}
	replier := &stubReplier{reply: bot.Reply{Kind: bot.KindText, Content: "hi"}}
	h := newHandler(replier, client, "")

	rr := postUpdate(t, h, textUpdate(42, " hello "), "")
	h.Wait()

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(replier.identities) != 1 || replier.identities[0] != "42" || replier.queries[0] != "hello" {
		t.Fatalf("unexpected bot calls: %v %v", replier.identities, replier.queries)
	}
	if len(client.msgs) != 1 || client.msgs[0] != (sentMessage{chatID: 42, text: "hi"}) {
		t.Fatalf("unexpected sent messages: %+v", client.msgs)
	}
}

func TestWebhookSendsErrorReplies(t *testing.T) {
	client := &stubClient{}
	replier := &stubReplier{reply: bot.Reply{Kind: bot.KindError, Content: "我连接不到你的网络"}}
	h := newHandler(replier, client, "")

	postUpdate(t, h, textUpdate(7, "hello"), "")
	h.Wait()

	if len(client.msgs) != 1 || client.msgs[0].text != "我连接不到你的网络" {
		t.Fatalf("expected error text to be sent, got %+v", client.msgs)
	}
}

func TestWebhookStartDoesNotCallBot(t *testing.T) {
	client := &stubClient{}
	replier := &stubReplier{}
	h := newHandler(replier, client, "")

	postUpdate(t, h, textUpdate(1, "/start"), "")
	h.Wait()

	if len(replier.queries) != 0 {
		t.Fatalf("bot must not be called for /start")
	}
	if len(client.msgs) != 1 || client.msgs[0].text != startText {
		t.Fatalf("expected greeting, got %+v", client.msgs)
	}
}

func TestWebhookEmptyText(t *testing.T) {
	client := &stubClient{}
	replier := &stubReplier{}
	h := newHandler(replier, client, "")

	postUpdate(t, h, textUpdate(1, "  "), "")
	h.Wait()

	if len(replier.queries) != 0 || len(client.msgs) != 1 || client.msgs[0].text != emptyText {
		t.Fatalf("unexpected handling of empty text: %v %+v", replier.queries, client.msgs)
	}
}

func TestWebhookIgnoresUpdatesWithoutMessage(t *testing.T) {
	client := &stubClient{}
	h := newHandler(&stubReplier{}, client, "")

	rr := postUpdate(t, h, Update{UpdateID: 5}, "")
	h.Wait()

	if rr.Code != http.StatusOK || len(client.msgs) != 0 {
		t.Fatalf("expected silent 200, got %d and %+v", rr.Code, client.msgs)
	}
}

func TestWebhookSecret(t *testing.T) {
	client := &stubClient{}
	replier := &stubReplier{reply: bot.Reply{Kind: bot.KindText, Content: "hi"}}
	h := newHandler(replier, client, "s3cret")

	rr := postUpdate(t, h, textUpdate(1, "hello"), "wrong")
	h.Wait()
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if len(replier.queries) != 0 {
		t.Fatalf("bot must not be called with a wrong secret")
	}

	rr = postUpdate(t, h, textUpdate(1, "hello"), "s3cret")
	h.Wait()
	if rr.Code != http.StatusOK || len(client.msgs) != 1 {
		t.Fatalf("expected processed update, got %d and %+v", rr.Code, client.msgs)
	}
}

func TestWebhookBadJSON(t *testing.T) {
	h := newHandler(&stubReplier{}, &stubClient{}, "")

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
