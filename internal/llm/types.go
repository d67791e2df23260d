package llm

import (
	"context"
	"time"

	"gptrelay/internal/config"
	"gptrelay/internal/retry"
	"gptrelay/internal/session"
)

// RequestArgs параметры модели для одного вызова; собираются из текущей конфигурации.
type RequestArgs struct {
	Model            string
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Timeout          time.Duration
	AzureDeployment  string
}

// Route куда и как отправлять запрос.
type Route struct {
	RelayURL        string
	ClientID        string
	BaseURL         string
	UseAzure        bool
	AzureAPIVersion string
}

// Request логический запрос к модели, одинаковый для всех транспортов.
type Request struct {
	Messages []session.Message
	APIKey   string
	Args     RequestArgs
	Route    Route
}

type Usage struct {
	TotalTokens      int
	CompletionTokens int
}

// Completion успешный ответ транспорта.
type Completion struct {
	Content string
	Usage   Usage
}

// Transport отправляет запрос к модели.
// Ошибки по возможности возвращаются как *retry.Failure; остальные классифицирует retry.Classify.
type Transport interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Outcome результат вызова после всех повторов.
// CompletionTokens == 0 означает отказ, Content тогда содержит текст для пользователя.
type Outcome struct {
	Content          string
	CompletionTokens int
	TotalTokens      int
	Kind             retry.FailureKind
	Attempts         int
}

// Failed сообщает, закончился ли вызов отказом.
func (o Outcome) Failed() bool {
	return o.CompletionTokens == 0
}

// ArgsFromConfig собирает RequestArgs из снимка конфигурации.
func ArgsFromConfig(cfg config.Config) RequestArgs {
	return RequestArgs{
		Model:            cfg.OpenAI.Model,
		Temperature:      cfg.OpenAI.Temperature,
		TopP:             1,
		FrequencyPenalty: cfg.OpenAI.FrequencyPenalty,
		PresencePenalty:  cfg.OpenAI.PresencePenalty,
		Timeout:          cfg.RequestTimeout,
		AzureDeployment:  cfg.OpenAI.AzureDeploymentID,
	}
}

// RouteFromConfig собирает Route из снимка конфигурации.
func RouteFromConfig(cfg config.Config) Route {
	return Route{
		RelayURL:        cfg.Distributor.URL,
		ClientID:        cfg.Distributor.ClientID,
		BaseURL:         cfg.OpenAI.BaseURL,
		UseAzure:        cfg.OpenAI.UseAzure,
		AzureAPIVersion: cfg.OpenAI.AzureAPIVersion,
	}
}
