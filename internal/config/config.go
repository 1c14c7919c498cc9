package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	RemoteHTTP   = "http"
	RemoteMCP    = "mcp"
	RemoteMemory = "memory"

	AuthGoogle = "google"
	AuthStatic = "static"
)

// Config is the chat client configuration.
type Config struct {
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN,required"`
	OwnerTelegramID  int64  `env:"OWNER_TELEGRAM_ID,required"`

	// LLM settings
	OpenAIAPIKey       string   `env:"OPENAI_API_KEY"`
	OpenAIBaseURL      string   `env:"OPENAI_BASE_URL"`
	DefaultModel       string   `env:"DEFAULT_MODEL" envDefault:"gpt-4o-mini"`
	TitleModel         string   `env:"TITLE_MODEL"`
	TranscriptionModel string   `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	AllowedModels      []string `env:"ALLOWED_MODELS" envSeparator:","`
	YandexOAuthToken   string   `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID     string   `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`

	// Remote store
	RemoteTransport       string `env:"REMOTE_TRANSPORT" envDefault:"http"`
	RemoteURL             string `env:"REMOTE_URL" envDefault:"http://localhost:8088"`
	DocstoreMCPServerPath string `env:"DOCSTORE_MCP_SERVER_PATH" envDefault:"./docstore-mcp-server"`

	// Auth
	AuthMode           string `env:"AUTH_MODE" envDefault:"google"`
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost"`
	TokenFilePath      string `env:"TOKEN_FILE_PATH" envDefault:"data/token.json"`
	StaticUserID       string `env:"STATIC_USER_ID"`
	StaticToken        string `env:"STATIC_TOKEN"`

	// Storage
	FallbackPath string `env:"FALLBACK_PATH" envDefault:"data/local.db"`

	// Session tuning
	CacheSize        int           `env:"CACHE_SIZE" envDefault:"50"`
	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"30m"`
	EvictionInterval time.Duration `env:"CACHE_EVICTION_INTERVAL" envDefault:"5m"`
	Debounce         time.Duration `env:"PERSIST_DEBOUNCE" envDefault:"500ms"`
	RetryAttempts    int           `env:"PERSIST_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff     time.Duration `env:"PERSIST_RETRY_BACKOFF" envDefault:"1s"`
	PersistRate      float64       `env:"PERSIST_RATE" envDefault:"20"`
	InitialLoadSlice int           `env:"INITIAL_LOAD_SLICE" envDefault:"10"`

	// Title regeneration
	TitleTrigger         int `env:"TITLE_TRIGGER_MESSAGES" envDefault:"4"`
	TitleContextMessages int `env:"TITLE_CONTEXT_MESSAGES" envDefault:"6"`
	TitleContextChars    int `env:"TITLE_CONTEXT_CHARS" envDefault:"150"`
}

// DocstoreConfig configures the document store servers.
type DocstoreConfig struct {
	Addr           string `env:"DOCSTORE_ADDR" envDefault:":8088"`
	DBPath         string `env:"DOCSTORE_DB_PATH" envDefault:"data/docstore.db"`
	Verifier       string `env:"DOCSTORE_VERIFIER" envDefault:"google"`
	GoogleAudience string `env:"GOOGLE_CLIENT_ID"`
	StaticTokens   string `env:"DOCSTORE_STATIC_TOKENS"`
}

func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	switch cfg.RemoteTransport {
	case RemoteHTTP, RemoteMCP, RemoteMemory:
	default:
		return nil, errors.Errorf("unknown REMOTE_TRANSPORT %q", cfg.RemoteTransport)
	}
	switch cfg.AuthMode {
	case AuthGoogle, AuthStatic:
	default:
		return nil, errors.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.DefaultModel
	}
	return cfg, nil
}

func New() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse config")
	}
	return cfg
}

func ParseDocstore() (*DocstoreConfig, error) {
	cfg := &DocstoreConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse docstore config")
	}
	return cfg, nil
}

func NewDocstore() *DocstoreConfig {
	cfg, err := ParseDocstore()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse config")
	}
	return cfg
}
