package llm

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"ai-chatsync/internal/config"
)

// ModelYandex selects the YandexGPT provider; every other model id goes to the
// OpenAI-compatible endpoint.
const ModelYandex = "yandexgpt-lite"

// Factory creates LLM clients with consistent logic and reuses them per model.
type Factory struct {
	OpenaiAPIKey       string
	OpenaiBaseURL      string
	OpenRouterReferrer string
	OpenRouterTitle    string
	YandexOAuthToken   string
	YandexFolderID     string
	TranscriptionModel string

	allowed map[string]bool

	mu      sync.Mutex
	clients map[string]Client
}

func NewFactory(cfg *config.Config) *Factory {
	f := &Factory{
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
		TranscriptionModel: cfg.TranscriptionModel,
		allowed:            make(map[string]bool),
		clients:            make(map[string]Client),
	}
	for _, m := range cfg.AllowedModels {
		if m = strings.TrimSpace(m); m != "" {
			f.allowed[m] = true
		}
	}
	if len(f.allowed) > 0 {
		f.allowed[cfg.DefaultModel] = true
		f.allowed[cfg.TitleModel] = true
	}
	return f
}

// ClientFor returns the client serving model.
func (f *Factory) ClientFor(model string) (Client, error) {
	if model == "" {
		return nil, errors.New("empty model id")
	}
	if !f.IsModelAllowed(model) {
		return nil, errors.Errorf("model %s is not allowed", model)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[model]; ok {
		return c, nil
	}
	var (
		c   Client
		err error
	)
	if strings.EqualFold(model, ModelYandex) {
		c, err = NewYandex(f.YandexOAuthToken, f.YandexFolderID)
	} else {
		c = NewOpenAI(f.OpenaiAPIKey, f.OpenaiBaseURL, model, f.OpenRouterReferrer, f.OpenRouterTitle)
	}
	if err != nil {
		return nil, err
	}
	f.clients[model] = c
	return c, nil
}

// IsModelAllowed accepts every model when no allowlist is configured.
func (f *Factory) IsModelAllowed(model string) bool {
	if len(f.allowed) == 0 {
		return true
	}
	return f.allowed[model]
}

func (f *Factory) AllowedModels() []string {
	models := make([]string, 0, len(f.allowed))
	for model := range f.allowed {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func (f *Factory) Transcriber() Transcriber {
	return NewOpenAITranscriber(f.OpenaiAPIKey, f.OpenaiBaseURL, f.TranscriptionModel)
}
