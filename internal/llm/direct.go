package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"gptrelay/internal/retry"
	"gptrelay/internal/session"
)

// DirectTransport ходит в API провайдера (OpenAI или Azure OpenAI) напрямую.
// Клиент SDK создаётся на каждый вызов: ключ может быть подменён между вызовами.
type DirectTransport struct {
	httpClient *http.Client
}

func NewDirectTransport(httpClient *http.Client) *DirectTransport {
	return &DirectTransport{httpClient: httpClient}
}

func (t *DirectTransport) Name() string { return "direct" }

func (t *DirectTransport) Complete(ctx context.Context, req Request) (Completion, error) {
	model := req.Args.Model
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}
	if t.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(t.httpClient))
	}
	if req.Route.UseAzure {
		opts = append(opts,
			azure.WithEndpoint(req.Route.BaseURL, req.Route.AzureAPIVersion),
			azure.WithAPIKey(req.APIKey),
		)
		if req.Args.AzureDeployment != "" {
			model = req.Args.AzureDeployment
		}
	} else {
		opts = append(opts, option.WithAPIKey(req.APIKey))
		if req.Route.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(req.Route.BaseURL))
		}
	}
	if req.Args.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(req.Args.Timeout))
	}

	client := openai.NewClient(opts...)
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:            openai.ChatModel(model),
		Messages:         toOpenAIMessages(req.Messages),
		Temperature:      openai.Float(req.Args.Temperature),
		TopP:             openai.Float(req.Args.TopP),
		FrequencyPenalty: openai.Float(req.Args.FrequencyPenalty),
		PresencePenalty:  openai.Float(req.Args.PresencePenalty),
	})
	if err != nil {
		return Completion{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, retry.NewFailure(retry.Unclassified, errors.New("empty response from model"))
	}

	return Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			TotalTokens:      int(resp.Usage.TotalTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case session.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classifyOpenAIError переводит ошибки API в Failure по статусу;
// сетевые ошибки остаются как есть и классифицируются retry.Classify.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &retry.Failure{Kind: retry.ClassifyStatus(apiErr.StatusCode), Status: apiErr.StatusCode, Err: err}
	}
	return err
}
