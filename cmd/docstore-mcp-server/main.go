package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/config"
	"ai-chatsync/internal/docstore"
)

// Stdout carries the MCP stream, so logs go to stderr only.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Err(err).Msg(".env file not found")
	}
	cfg := config.NewDocstore()

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

	log.Info().Str("db", cfg.DBPath).Msg("🚀 starting docstore MCP server on stdio")
	server := docstore.NewToolServer(repo, verifier).Server()
	if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}
