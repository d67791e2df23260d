package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown config format")

const (
	defaultModel            = "gpt-3.5-turbo"
	defaultTemperature      = 0.9
	defaultMaxTokens        = 1000
	defaultAzureAPIVersion  = "2023-03-15-preview"
	defaultClearMemoryToken = "#清除记忆"
)

type Config struct {
	HTTPAddr       string
	LogLevel       string
	AdminToken     string
	Proxy          string
	RequestTimeout time.Duration
	SessionTTL     time.Duration

	// SessionStorePath файл для сохранения истории диалогов между перезапусками; пустой путь отключает сохранение.
	SessionStorePath string

	// RateLimitPerMinute ограничивает число исходящих запросов к модели; 0 отключает лимит.
	RateLimitPerMinute int

	OpenAI       OpenAIConfig
	Distributor  DistributorConfig
	Conversation ConversationConfig
	Telegram     TelegramConfig
	Telemetry    TelemetryConfig
}

type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Temperature      float64
	FrequencyPenalty float64
	PresencePenalty  float64
	UseAzure         bool

	// DirectProvider заставляет ходить в API провайдера напрямую, даже если задан relay.
	DirectProvider bool

	AzureDeploymentID string
	AzureAPIVersion   string
}

// DistributorConfig описывает relay, через который проксируются запросы и выдаются ключи.
type DistributorConfig struct {
	URL      string
	ClientID string
}

// UseRelay сообщает, нужно ли отправлять запросы через relay.
func (c Config) UseRelay() bool {
	return c.Distributor.URL != "" && !c.OpenAI.DirectProvider
}

type ConversationConfig struct {
	MaxTokens           int
	CharacterDesc       string
	ClearMemoryCommands []string
}

// TelemetryConfig экспорт трейсов вызовов модели.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

type TelegramConfig struct {
	BotToken      string
	APIBaseURL    string
	WebhookSecret string
}

// fileConfig повторяет формат конфигурационного файла (json/yaml).
// Указатели позволяют отличить отсутствующий ключ от нулевого значения.
type fileConfig struct {
	HTTPAddr            *string      `json:"http_addr" yaml:"http_addr"`
	LogLevel            *string      `json:"log_level" yaml:"log_level"`
	AdminToken          *string      `json:"admin_token" yaml:"admin_token"`
	Proxy               *string      `json:"proxy" yaml:"proxy"`
	RequestTimeout      *rawDuration `json:"request_timeout" yaml:"request_timeout"`
	SessionTTL          *rawDuration `json:"session_ttl" yaml:"session_ttl"`
	SessionStorePath    *string      `json:"session_store_path" yaml:"session_store_path"`
	RateLimitPerMinute  *int         `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	OpenAIAPIKey        *string      `json:"open_ai_api_key" yaml:"open_ai_api_key"`
	OpenAIAPIBase       *string      `json:"open_ai_api_base" yaml:"open_ai_api_base"`
	Model               *string      `json:"model" yaml:"model"`
	Temperature         *float64     `json:"temperature" yaml:"temperature"`
	FrequencyPenalty    *float64     `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty     *float64     `json:"presence_penalty" yaml:"presence_penalty"`
	DirectProvider      *bool        `json:"direct_provider" yaml:"direct_provider"`
	UseAzure            *bool        `json:"use_azure" yaml:"use_azure"`
	AzureDeploymentID   *string      `json:"azure_deployment_id" yaml:"azure_deployment_id"`
	AzureAPIVersion     *string      `json:"azure_api_version" yaml:"azure_api_version"`
	DistributeURL       *string      `json:"distribute_url" yaml:"distribute_url"`
	ClientID            *string      `json:"client_id" yaml:"client_id"`
	MaxTokens           *int         `json:"conversation_max_tokens" yaml:"conversation_max_tokens"`
	CharacterDesc       *string      `json:"character_desc" yaml:"character_desc"`
	ClearMemoryCommands []string     `json:"clear_memory_commands" yaml:"clear_memory_commands"`
	Telegram            *fileTele    `json:"telegram" yaml:"telegram"`
	Telemetry           *fileTelem   `json:"telemetry" yaml:"telemetry"`
}

type fileTele struct {
	BotToken      *string `json:"bot_token" yaml:"bot_token"`
	APIBaseURL    *string `json:"api_base_url" yaml:"api_base_url"`
	WebhookSecret *string `json:"webhook_secret" yaml:"webhook_secret"`
}

type fileTelem struct {
	ServiceName  *string `json:"service_name" yaml:"service_name"`
	OTLPEndpoint *string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// rawDuration принимает в файле как строку ("30s"), так и число секунд.
type rawDuration string

func (d *rawDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = rawDuration(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be string or number: %w", err)
	}
	*d = rawDuration(n.String())
	return nil
}

func (d *rawDuration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	*d = rawDuration(node.Value)
	return nil
}

// Defaults возвращает конфигурацию без файла и переменных окружения.
func Defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		RequestTimeout: 60 * time.Second,
		SessionTTL:     time.Hour,
		OpenAI: OpenAIConfig{
			BaseURL:         "https://api.openai.com/v1",
			Model:           defaultModel,
			Temperature:     defaultTemperature,
			AzureAPIVersion: defaultAzureAPIVersion,
		},
		Conversation: ConversationConfig{
			MaxTokens:           defaultMaxTokens,
			ClearMemoryCommands: []string{defaultClearMemoryToken},
		},
		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gptrelay",
		},
	}
}

// Load читает файл path (если он существует) поверх значений по умолчанию,
// затем применяет переменные окружения.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			fc, err := decodeFile(path, data)
			if err != nil {
				return Config{}, err
			}
			if err := fc.apply(&cfg); err != nil {
				return Config{}, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, data []byte) (fileConfig, error) {
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
			return fileConfig{}, fmt.Errorf("decode json config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fileConfig{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		return fileConfig{}, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.AdminToken, fc.AdminToken)
	setString(&cfg.Proxy, fc.Proxy)
	if fc.RequestTimeout != nil {
		d, err := parseDuration(string(*fc.RequestTimeout))
		if err != nil {
			return fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if fc.SessionTTL != nil {
		d, err := parseDuration(string(*fc.SessionTTL))
		if err != nil {
			return fmt.Errorf("parse session_ttl: %w", err)
		}
		cfg.SessionTTL = d
	}
	setString(&cfg.SessionStorePath, fc.SessionStorePath)
	if fc.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = *fc.RateLimitPerMinute
	}

	setString(&cfg.OpenAI.APIKey, fc.OpenAIAPIKey)
	setString(&cfg.OpenAI.BaseURL, fc.OpenAIAPIBase)
	setString(&cfg.OpenAI.Model, fc.Model)
	setFloat(&cfg.OpenAI.Temperature, fc.Temperature)
	setFloat(&cfg.OpenAI.FrequencyPenalty, fc.FrequencyPenalty)
	setFloat(&cfg.OpenAI.PresencePenalty, fc.PresencePenalty)
	setBool(&cfg.OpenAI.DirectProvider, fc.DirectProvider)
	setBool(&cfg.OpenAI.UseAzure, fc.UseAzure)
	setString(&cfg.OpenAI.AzureDeploymentID, fc.AzureDeploymentID)
	setString(&cfg.OpenAI.AzureAPIVersion, fc.AzureAPIVersion)

	setString(&cfg.Distributor.URL, fc.DistributeURL)
	setString(&cfg.Distributor.ClientID, fc.ClientID)

	if fc.MaxTokens != nil {
		cfg.Conversation.MaxTokens = *fc.MaxTokens
	}
	setString(&cfg.Conversation.CharacterDesc, fc.CharacterDesc)
	if len(fc.ClearMemoryCommands) > 0 {
		cfg.Conversation.ClearMemoryCommands = append([]string(nil), fc.ClearMemoryCommands...)
	}

	if fc.Telegram != nil {
		setString(&cfg.Telegram.BotToken, fc.Telegram.BotToken)
		setString(&cfg.Telegram.APIBaseURL, fc.Telegram.APIBaseURL)
		setString(&cfg.Telegram.WebhookSecret, fc.Telegram.WebhookSecret)
	}
	if fc.Telemetry != nil {
		setString(&cfg.Telemetry.ServiceName, fc.Telemetry.ServiceName)
		setString(&cfg.Telemetry.OTLPEndpoint, fc.Telemetry.OTLPEndpoint)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AdminToken = getEnv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.Proxy = getEnv("PROXY", cfg.Proxy)
	cfg.SessionStorePath = getEnv("SESSION_STORE_PATH", cfg.SessionStorePath)
	cfg.OpenAI.APIKey = getEnv("OPEN_AI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.BaseURL = getEnv("OPEN_AI_API_BASE", cfg.OpenAI.BaseURL)
	cfg.OpenAI.Model = getEnv("MODEL", cfg.OpenAI.Model)
	cfg.Distributor.URL = getEnv("DISTRIBUTE_URL", cfg.Distributor.URL)
	cfg.Distributor.ClientID = getEnv("CLIENT_ID", cfg.Distributor.ClientID)
	cfg.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.WebhookSecret = getEnv("TELEGRAM_WEBHOOK_SECRET", cfg.Telegram.WebhookSecret)
	cfg.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", cfg.Telemetry.OTLPEndpoint)

	direct, err := parseBoolDefault(getEnv("DIRECT_PROVIDER", ""), cfg.OpenAI.DirectProvider)
	if err != nil {
		return fmt.Errorf("parse DIRECT_PROVIDER: %w", err)
	}
	cfg.OpenAI.DirectProvider = direct

	if raw := getEnv("REQUEST_TIMEOUT", ""); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	return nil
}

// parseDuration принимает как "30s", так и число секунд ("30"), как в старых конфигах.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("duration is empty")
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

// parseBoolDefault parses optional boolean with default value.
func parseBoolDefault(value string, def bool) (bool, error) {
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, err
	}
	return parsed, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
