package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	v := msg.Voice
	if err := chat.ValidateAudio(int64(v.FileSize)); err != nil {
		b.sendMessage(msg.Chat.ID, "⚠️ "+err.Error())
		return
	}
	data, err := b.download(ctx, v.FileID, chat.MaxAudioBytes)
	if err != nil {
		b.sendMessage(msg.Chat.ID, "⚠️ Could not fetch the voice note: "+err.Error())
		return
	}
	text, err := b.conv.Transcribe(ctx, bytes.NewReader(data), int64(len(data)), "voice.ogg")
	if err != nil {
		b.sendMessage(msg.Chat.ID, "⚠️ Transcription failed: "+err.Error())
		return
	}
	b.sendMessage(msg.Chat.ID, "🎙️ "+text)
	b.send(ctx, text, nil)
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	// Telegram lists sizes ascending; the last one is the original.
	photo := msg.Photo[len(msg.Photo)-1]
	data, err := b.download(ctx, photo.FileID, chat.MaxAttachmentBytes)
	if err != nil {
		b.sendMessage(msg.Chat.ID, "⚠️ Could not fetch the photo: "+err.Error())
		return
	}
	url := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	b.send(ctx, msg.Caption, []chat.Part{{Type: chat.PartImage, ImageURL: url}})
}

func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	doc := msg.Document
	if !isTextDocument(doc.MimeType, doc.FileName) {
		b.sendMessage(msg.Chat.ID, "Only text documents are supported.")
		return
	}
	if doc.FileSize > chat.MaxAttachmentBytes {
		b.sendMessage(msg.Chat.ID, fmt.Sprintf("⚠️ %s is too large.", doc.FileName))
		return
	}
	data, err := b.download(ctx, doc.FileID, chat.MaxAttachmentBytes)
	if err != nil {
		b.sendMessage(msg.Chat.ID, "⚠️ Could not fetch the document: "+err.Error())
		return
	}
	b.send(ctx, msg.Caption, []chat.Part{{Type: chat.PartDocument, Name: doc.FileName, Text: string(data)}})
}

func isTextDocument(mime, name string) bool {
	if strings.HasPrefix(mime, "text/") || mime == "application/json" {
		return true
	}
	for _, ext := range []string{".txt", ".md", ".go", ".json", ".yaml", ".yml", ".csv", ".log"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return true
		}
	}
	return false
}

// download fetches a Telegram file, refusing anything larger than limit bytes.
func (b *Bot) download(ctx context.Context, fileID string, limit int) ([]byte, error) {
	url, err := b.s.GetFileDirectURL(fileID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve file")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	if len(data) > limit {
		return nil, chat.Invalid("file exceeds %d bytes", limit)
	}
	log.Debug().Str("file_id", fileID).Int("bytes", len(data)).Msg("telegram file downloaded")
	return data, nil
}
