package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/config"
	"ai-chatsync/internal/docstore"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Err(err).Msg(".env file not found")
	}
	cfg := config.NewDocstore()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := docstore.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	repo, err := docstore.NewRepository(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init repository")
	}
	verifier, err := docstore.NewVerifier(ctx, cfg.Verifier, cfg.GoogleAudience, cfg.StaticTokens)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init credential verifier")
	}

	if err := docstore.Serve(ctx, cfg.Addr, docstore.NewRouter(repo, verifier)); err != nil {
		log.Fatal().Err(err).Msg("docstore stopped")
	}
	log.Info().Msg("docstore stopped")
}
