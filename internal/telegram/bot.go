// Package telegram is a single-owner Telegram front-end for the chat client.
// It renders controller output as bot messages and turns owner input
// (text, photos, text documents, voice notes, commands) into controller calls.
package telegram

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

// Conversation is the controller surface the bot drives.
type Conversation interface {
	Send(ctx context.Context, text string, parts []chat.Part) (string, error)
	Open(ctx context.Context, id string) (chat.Record, error)
	NewChat()
	Active() string
	Chats() []chat.Record
	Delete(ctx context.Context, id string) error
	Save(ctx context.Context) error
	SetModel(model string) error
	Model() string
	Transcribe(ctx context.Context, audio io.Reader, size int64, filename string) (string, error)
	Annotate(ctx context.Context, chatID, quote string, position int, prompt string) (string, error)
}

// Login is the interactive sign-in flow. It is nil when credentials are static.
type Login interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) error
	SignOut() error
	CurrentUserID() string
}

type Bot struct {
	api     *tgbotapi.BotAPI
	s       sender
	ownerID int64
	conv    Conversation
	login   Login
	http    *http.Client

	mu     sync.Mutex
	chatID int64
	listed []string
}

func New(botToken string, ownerID int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bot", api.Self.UserName).Int64("owner", ownerID).Msg("🤖 telegram bot authorized")
	return &Bot{
		api:     api,
		s:       botAPISender{api: api},
		ownerID: ownerID,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Attach connects the bot to the controller. The controller is built with the
// bot as its view, so the two are wired after construction.
func (b *Bot) Attach(conv Conversation, login Login) {
	b.conv = conv
	b.login = login
}

func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleIncomingMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleIncomingMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.ID != b.ownerID {
		if msg.From != nil {
			log.Warn().Int64("user_id", msg.From.ID).Str("username", msg.From.UserName).Msg("unauthorized access attempt")
		}
		b.sendMessage(msg.Chat.ID, "This bot is private.")
		return
	}
	b.mu.Lock()
	b.chatID = msg.Chat.ID
	b.mu.Unlock()

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Voice != nil:
		b.handleVoice(ctx, msg)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, msg)
	case msg.Document != nil:
		b.handleDocument(ctx, msg)
	default:
		b.send(ctx, msg.Text, nil)
	}
}

func (b *Bot) send(ctx context.Context, text string, parts []chat.Part) {
	if _, err := b.conv.Send(ctx, text, parts); err != nil {
		b.sendMessage(b.currentChat(), "⚠️ "+err.Error())
	}
}

func (b *Bot) currentChat() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chatID == 0 {
		return b.ownerID
	}
	return b.chatID
}

func (b *Bot) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := b.s.Send(msg); err != nil {
			log.Error().Err(err).Int64("chat", chatID).Msg("failed to send message")
		}
	}
}

const maxMessageLen = 4096

// splitMessage cuts text into Telegram-sized chunks, preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
