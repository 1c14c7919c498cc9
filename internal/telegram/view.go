package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

// ShowMessage renders assistant replies. User messages are already visible
// in the Telegram chat.
func (b *Bot) ShowMessage(chatID string, msg chat.Message) {
	if msg.Role != chat.RoleAssistant {
		return
	}
	b.sendMessage(b.currentChat(), msg.Content)
}

func (b *Bot) ShowOverlay(chatID string, ov chat.Overlay) {
	text := fmt.Sprintf("📝 On \"%s\":\n\n%s", ov.Quote, ov.Reply)
	if ov.Error != "" {
		text = fmt.Sprintf("📝 On \"%s\": ⚠️ %s", ov.Quote, ov.Error)
	}
	b.sendMessage(b.currentChat(), text)
}

func (b *Bot) ShowError(chatID string, err error) {
	b.sendMessage(b.currentChat(), "⚠️ Something went wrong: "+err.Error())
}

// SetInputEnabled shows the typing indicator while a reply is pending.
// Telegram input cannot be disabled.
func (b *Bot) SetInputEnabled(enabled bool) {
	if enabled {
		return
	}
	if _, err := b.s.Request(tgbotapi.NewChatAction(b.currentChat(), tgbotapi.ChatTyping)); err != nil {
		log.Debug().Err(err).Msg("failed to send typing action")
	}
}

func (b *Bot) ListChanged(records []chat.Record) {
	log.Debug().Int("chats", len(records)).Msg("chat list changed")
}
