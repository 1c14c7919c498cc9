package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/session"
)

const (
	openPrefix   = "open:"
	deletePrefix = "del:"
	helpText     = `Commands:
/new - start a new chat
/chats - list chats
/open <n|id> - switch to a chat
/delete <n|id> - delete a chat
/save - save the current chat now
/model [id] - show or change the model
/note <n> <question> - ask about message n of the current chat
/login, /code <code>, /logout - account`
)

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		b.sendMessage(chatID, helpText)
	case "new":
		b.conv.NewChat()
		b.sendMessage(chatID, "🆕 New chat. Send a message to begin.")
	case "chats":
		b.sendChatList(chatID)
	case "open":
		b.openChat(ctx, chatID, args)
	case "delete":
		b.deleteChat(ctx, chatID, args)
	case "save":
		if err := b.conv.Save(ctx); err != nil {
			b.sendMessage(chatID, "⚠️ Save failed: "+err.Error())
			return
		}
		b.sendMessage(chatID, "💾 Saved.")
	case "model":
		if args == "" {
			b.sendMessage(chatID, "Model: "+b.conv.Model())
			return
		}
		if err := b.conv.SetModel(args); err != nil {
			b.sendMessage(chatID, "⚠️ "+err.Error())
			return
		}
		b.sendMessage(chatID, "Model set to "+args)
	case "note":
		b.annotate(ctx, chatID, args)
	case "login":
		if b.login == nil {
			b.sendMessage(chatID, "Sign-in is not configured.")
			return
		}
		url := b.login.AuthCodeURL("chatsync")
		b.sendMessage(chatID, "Open this link, approve access and send the code back with /code <code>:\n"+url)
	case "code":
		if b.login == nil || args == "" {
			b.sendMessage(chatID, "Usage: /code <code>")
			return
		}
		if err := b.login.Exchange(ctx, args); err != nil {
			b.sendMessage(chatID, "⚠️ Sign-in failed: "+err.Error())
			return
		}
		b.sendMessage(chatID, "🔑 Signed in. Your chats are loading.")
	case "logout":
		if b.login == nil {
			b.sendMessage(chatID, "Sign-in is not configured.")
			return
		}
		if err := b.login.SignOut(); err != nil {
			log.Warn().Err(err).Msg("sign-out cleanup failed")
		}
		b.sendMessage(chatID, "🔒 Signed out.")
	default:
		b.sendMessage(chatID, "Unknown command. /help lists them.")
	}
}

func (b *Bot) sendChatList(chatID int64) {
	records := b.conv.Chats()
	if len(records) == 0 {
		b.sendMessage(chatID, "No chats yet.")
		return
	}
	active := b.conv.Active()
	ids := make([]string, 0, len(records))
	var sb strings.Builder
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, r := range records {
		ids = append(ids, r.ID)
		marker := ""
		if r.ID == active {
			marker = " ▶️"
		}
		fmt.Fprintf(&sb, "%d. %s (%d msgs)%s\n", i+1, r.Title, len(r.Messages), marker)
		if i < 10 {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d. open", i+1), openPrefix+r.ID),
				tgbotapi.NewInlineKeyboardButtonData("delete", deletePrefix+r.ID),
			))
		}
	}
	b.mu.Lock()
	b.listed = ids
	b.mu.Unlock()

	out := tgbotapi.NewMessage(chatID, sb.String())
	if len(rows) > 0 {
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.s.Send(out); err != nil {
		log.Error().Err(err).Msg("failed to send chat list")
	}
}

// resolveChat accepts a 1-based position from the last /chats listing or an id.
func (b *Bot) resolveChat(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	if n, err := strconv.Atoi(arg); err == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if n >= 1 && n <= len(b.listed) {
			return b.listed[n-1], true
		}
		return "", false
	}
	return arg, true
}

func (b *Bot) openChat(ctx context.Context, chatID int64, arg string) {
	id, ok := b.resolveChat(arg)
	if !ok {
		b.sendMessage(chatID, "Usage: /open <n|id> (see /chats)")
		return
	}
	rec, err := b.conv.Open(ctx, id)
	if err != nil {
		b.sendMessage(chatID, "⚠️ "+err.Error())
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📂 %s\n", rec.Title)
	start := 0
	if len(rec.Messages) > 6 {
		start = len(rec.Messages) - 6
		fmt.Fprintf(&sb, "… %d earlier messages\n", start)
	}
	for i, m := range rec.Messages[start:] {
		fmt.Fprintf(&sb, "\n%d. [%s] %s\n", start+i+1, m.Role, m.Text())
	}
	b.sendMessage(chatID, sb.String())
}

func (b *Bot) deleteChat(ctx context.Context, chatID int64, arg string) {
	id, ok := b.resolveChat(arg)
	if !ok {
		b.sendMessage(chatID, "Usage: /delete <n|id> (see /chats)")
		return
	}
	err := b.conv.Delete(ctx, id)
	switch {
	case err == nil:
		b.sendMessage(chatID, "🗑️ Deleted.")
	case errors.Is(err, session.ErrRemoteDelete):
		b.sendMessage(chatID, "⚠️ Deleted here, but the server copy could not be removed. It may reappear on other devices.")
	default:
		b.sendMessage(chatID, "⚠️ "+err.Error())
	}
}

// annotate handles "/note <n> <question>" about message n of the active chat.
func (b *Bot) annotate(ctx context.Context, chatID int64, args string) {
	pos, question, ok := strings.Cut(args, " ")
	n, err := strconv.Atoi(pos)
	if !ok || err != nil || strings.TrimSpace(question) == "" {
		b.sendMessage(chatID, "Usage: /note <n> <question>")
		return
	}
	active := b.conv.Active()
	if active == "" {
		b.sendMessage(chatID, "Open a chat first.")
		return
	}
	rec, err := b.conv.Open(ctx, active)
	if err != nil || n < 1 || n > len(rec.Messages) {
		b.sendMessage(chatID, "No such message.")
		return
	}
	if _, err := b.conv.Annotate(ctx, active, rec.Messages[n-1].Text(), n-1, strings.TrimSpace(question)); err != nil {
		b.sendMessage(chatID, "⚠️ "+err.Error())
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.From.ID != b.ownerID || cb.Message == nil {
		return
	}
	if _, err := b.s.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Debug().Err(err).Msg("failed to answer callback")
	}
	chatID := cb.Message.Chat.ID
	switch {
	case strings.HasPrefix(cb.Data, openPrefix):
		b.openChat(ctx, chatID, strings.TrimPrefix(cb.Data, openPrefix))
	case strings.HasPrefix(cb.Data, deletePrefix):
		b.deleteChat(ctx, chatID, strings.TrimPrefix(cb.Data, deletePrefix))
	}
}
