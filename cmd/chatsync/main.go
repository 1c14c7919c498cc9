package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"ai-chatsync/internal/auth"
	"ai-chatsync/internal/cache"
	"ai-chatsync/internal/config"
	"ai-chatsync/internal/conversation"
	"ai-chatsync/internal/llm"
	"ai-chatsync/internal/localstore"
	"ai-chatsync/internal/remote"
	"ai-chatsync/internal/scheduler"
	"ai-chatsync/internal/session"
	"ai-chatsync/internal/telegram"
)

const flushTimeout = 10 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Err(err).Msg(".env file not found")
	}

	cfg := config.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, login := newProvider(cfg)

	remoteStore, closeRemote := newRemote(ctx, cfg, provider)
	defer closeRemote()

	slot, err := localstore.Open(cfg.FallbackPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.FallbackPath).Msg("failed to open local fallback")
	}
	defer slot.Close()

	bot, err := telegram.New(cfg.TelegramBotToken, cfg.OwnerTelegramID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bot")
	}

	store := newSession(cfg, remoteStore, slot)

	factory := llm.NewFactory(cfg)
	ctrl := conversation.New(store, factory, factory.Transcriber(), bot, conversation.Options{
		DefaultModel:         cfg.DefaultModel,
		TitleModel:           cfg.TitleModel,
		SystemPrompt:         readSystemPrompt(cfg.SystemPromptPath),
		TitleTrigger:         cfg.TitleTrigger,
		TitleContextMessages: cfg.TitleContextMessages,
		TitleContextChars:    cfg.TitleContextChars,
		NewID:                uuid.NewString,
	})
	bot.Attach(ctrl, login)

	unsubscribe := provider.Subscribe(func(ev auth.Event) {
		log.Info().Stringer("event", ev.Kind).Str("user_id", ev.UserID).Msg("auth state changed")
		if err := ctrl.HandleAuth(ctx, ev); err != nil {
			log.Error().Err(err).Msg("failed to apply auth change")
		}
	})
	defer unsubscribe()

	signIn(ctx, cfg, provider)
	if provider.CurrentUserID() == "" {
		if err := store.LoadLocal(); err != nil {
			log.Warn().Err(err).Msg("failed to load local chats")
		}
		log.Info().Int("chats", store.Len()).Msg("📴 not signed in, using local chats")
	}

	sched := scheduler.New()
	err = sched.Add("cache-eviction", scheduler.Every(cfg.EvictionInterval), func(context.Context) error {
		store.EvictIdle(cfg.CacheTTL)
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to schedule cache eviction")
	}
	sched.Start()
	defer sched.Stop()

	go ctrl.Run(ctx)

	log.Info().Str("remote", cfg.RemoteTransport).Str("auth", cfg.AuthMode).Msg("🚀 chatsync started")
	bot.Start(ctx)

	log.Info().Msg("shutting down, flushing pending saves")
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := store.FlushAll(flushCtx); err != nil {
		log.Warn().Err(err).Msg("some chats were not saved")
	}
	ctrl.Wait()
	store.Close()
}

// newSession builds the session store. Persist failures are logged by the
// store only; the user never sees them.
func newSession(cfg *config.Config, rs remote.Store, fallback session.Fallback) *session.Store {
	return session.New(cache.New(cfg.CacheSize), rs, fallback, session.Options{
		Debounce:      cfg.Debounce,
		RetryAttempts: cfg.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		InitialSlice:  cfg.InitialLoadSlice,
		PersistRate:   rate.Limit(cfg.PersistRate),
	})
}

func newProvider(cfg *config.Config) (auth.Provider, telegram.Login) {
	if cfg.AuthMode == config.AuthStatic {
		return auth.NewStaticProvider("", ""), nil
	}
	repo, err := auth.NewFileTokenRepository(cfg.TokenFilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init token repository")
	}
	p := auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, repo)
	return p, p
}

// signIn restores a previous session. Subscribers see the sign-in event.
func signIn(ctx context.Context, cfg *config.Config, provider auth.Provider) {
	switch p := provider.(type) {
	case *auth.GoogleProvider:
		if err := p.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to restore session")
		}
	case *auth.StaticProvider:
		if cfg.StaticUserID != "" {
			p.SignIn(cfg.StaticUserID, cfg.StaticToken)
		}
	}
}

func newRemote(ctx context.Context, cfg *config.Config, creds remote.Credentials) (remote.Store, func()) {
	switch cfg.RemoteTransport {
	case config.RemoteMCP:
		m := remote.NewMCPStore(creds)
		if err := m.Connect(ctx, cfg.DocstoreMCPServerPath); err != nil {
			log.Fatal().Err(err).Msg("failed to start docstore MCP server")
		}
		return m, func() {
			if err := m.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close MCP session")
			}
		}
	case config.RemoteMemory:
		log.Warn().Msg("using in-memory remote store, chats are lost on exit")
		return remote.NewMemoryStore(), func() {}
	default:
		return remote.NewHTTPStore(cfg.RemoteURL, creds, nil), func() {}
	}
}

func readSystemPrompt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("system prompt file not found or unreadable")
		return ""
	}
	return string(data)
}
