package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gptrelay/internal/middleware"
	"gptrelay/internal/telemetry"
)

const (
	maxChatBody       = 1 << 20
	headerAdminToken  = "X-Admin-Token"
	keyVisibleSuffix  = 4
	successCode       = 200
	successMessage    = "success"
	errCodeBadRequest = "bad_request"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// chatHandler принимает {session_id, query} и отвечает {type, content}.
// Отказы модели приходят как обычный ответ с type=ERROR и статусом 200.
func chatHandler(b Replier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
		if err := dec.Decode(&req); err != nil {
			WriteJSONError(w, http.StatusBadRequest, errCodeBadRequest, "cannot parse request body")
			return
		}
		req.SessionID = strings.TrimSpace(req.SessionID)
		req.Query = strings.TrimSpace(req.Query)
		if req.SessionID == "" {
			WriteJSONError(w, http.StatusBadRequest, errCodeBadRequest, "session_id is required")
			return
		}
		if req.Query == "" {
			WriteJSONError(w, http.StatusBadRequest, errCodeBadRequest, "query is required")
			return
		}

		reply := b.Reply(r.Context(), req.Query, req.SessionID)
		logger.Debug("chat reply",
			slog.String("session_id", req.SessionID),
			slog.String("type", string(reply.Kind)),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())))
		WriteJSON(w, http.StatusOK, reply)
	}
}

type resultEntity struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// changeKeyHandler подменяет активный ключ провайдера.
// Если admin token задан, запрос должен нести его в заголовке X-Admin-Token.
func changeKeyHandler(keys KeySetter, adminToken func() string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := adminToken(); token != "" {
			got := r.Header.Get(headerAdminToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteJSONError(w, http.StatusForbidden, "forbidden", "invalid admin token")
				return
			}
		}

		key := strings.TrimSpace(chi.URLParam(r, "key"))
		if key == "" {
			WriteJSONError(w, http.StatusBadRequest, errCodeBadRequest, "key is required")
			return
		}

		keys.SetAPIKey(key)
		logger.Info("api key changed", slog.String("key", maskKey(key)))
		WriteJSON(w, http.StatusOK, resultEntity{Code: successCode, Message: successMessage})
	}
}

func maskKey(key string) string {
	if len(key) <= keyVisibleSuffix {
		return "***"
	}
	return "***" + key[len(key)-keyVisibleSuffix:]
}

func metricsHandler(src MetricsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := src.Snapshot(r.Context())
		if err != nil {
			WriteJSONError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if points == nil {
			points = []telemetry.Point{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"metrics": points})
	}
}
