package bot

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"gptrelay/internal/config"
	"gptrelay/internal/llm"
	"gptrelay/internal/session"
)

// Управляющие фразы и ответы на них.
const (
	CommandClearAll     = "#清除所有"
	CommandReloadConfig = "#更新配置"

	InfoMemoryCleared    = "记忆已清除"
	InfoAllMemoryCleared = "所有人记忆已清除"
	InfoConfigReloaded   = "配置已更新"

	ErrorGeneric = "我现在有点累了，等会再来吧"
	ErrorReload  = "配置更新失败"
)

// Kind тип ответа пользователю.
type Kind string

const (
	KindText  Kind = "TEXT"
	KindInfo  Kind = "INFO"
	KindError Kind = "ERROR"
)

// Reply нормализованный ответ, который отдаётся каналу (HTTP или Telegram).
type Reply struct {
	Kind    Kind   `json:"type"`
	Content string `json:"content"`
}

type Sessions interface {
	Lock(identity string) (unlock func())
	Query(text, identity string) session.Snapshot
	Record(content, identity string, totalTokens int)
	Clear(identity string)
	ClearAll()
}

type Completer interface {
	Complete(ctx context.Context, call llm.Call) llm.Outcome
}

type ConfigSource interface {
	Current() config.Config
	APIKey() string
	Reload() error
}

type Deps struct {
	Sessions Sessions
	LLM      Completer
	Config   ConfigSource
	Logger   *slog.Logger
}

// Bot превращает запрос пользователя в ответ: управляющие фразы,
// история сессии, вызов модели и запись ответа.
type Bot struct {
	sessions Sessions
	llm      Completer
	cfg      ConfigSource
	logger   *slog.Logger
}

func New(deps Deps) *Bot {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		sessions: deps.Sessions,
		llm:      deps.LLM,
		cfg:      deps.Config,
		logger:   logger,
	}
}

// Reply обрабатывает один запрос identity. Ошибки не возвращаются:
// любой отказ превращается в ответ KindError.
func (b *Bot) Reply(ctx context.Context, query, identity string) Reply {
	query = strings.TrimSpace(query)
	if reply, ok := b.control(query, identity); ok {
		return reply
	}

	unlock := b.sessions.Lock(identity)
	defer unlock()

	snap := b.sessions.Query(query, identity)
	b.logger.Debug("query",
		slog.String("session_id", identity),
		slog.Int("messages", len(snap.Messages)),
		slog.Int("tokens", snap.Tokens))

	outcome := b.llm.Complete(ctx, llm.Call{
		Identity: identity,
		Messages: snap.Messages,
		APIKey:   b.cfg.APIKey(),
	})

	switch {
	case outcome.CompletionTokens == 0 && outcome.Content != "":
		return Reply{Kind: KindError, Content: outcome.Content}
	case outcome.CompletionTokens > 0:
		b.sessions.Record(outcome.Content, identity, outcome.TotalTokens)
		return Reply{Kind: KindText, Content: outcome.Content}
	default:
		return Reply{Kind: KindError, Content: ErrorGeneric}
	}
}

func (b *Bot) control(query, identity string) (Reply, bool) {
	switch {
	case slices.Contains(b.cfg.Current().Conversation.ClearMemoryCommands, query):
		// Ждём незавершённый вызов той же identity, иначе его ответ запишется в уже удалённую сессию.
		unlock := b.sessions.Lock(identity)
		b.sessions.Clear(identity)
		unlock()
		b.logger.Info("session cleared", slog.String("session_id", identity))
		return Reply{Kind: KindInfo, Content: InfoMemoryCleared}, true
	case query == CommandClearAll:
		b.sessions.ClearAll()
		b.logger.Info("all sessions cleared", slog.String("session_id", identity))
		return Reply{Kind: KindInfo, Content: InfoAllMemoryCleared}, true
	case query == CommandReloadConfig:
		if err := b.cfg.Reload(); err != nil {
			b.logger.Error("config reload failed", slog.String("error", err.Error()))
			return Reply{Kind: KindError, Content: ErrorReload}, true
		}
		return Reply{Kind: KindInfo, Content: InfoConfigReloaded}, true
	}
	return Reply{}, false
}
