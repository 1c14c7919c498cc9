package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/llm"
)

const titlePrompt = "Summarize the topic of this conversation in at most four words. Reply with the title only."

// maybeRetitle requests a summary title once a chat is long enough. At most
// one request per chat is in flight; a failure leaves the provisional title.
func (c *Controller) maybeRetitle(rec chat.Record) {
	if rec.TitleGenerated || len(rec.Messages) < c.opts.TitleTrigger {
		return
	}
	c.mu.Lock()
	if c.titling[rec.ID] {
		c.mu.Unlock()
		return
	}
	c.titling[rec.ID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.titling, rec.ID)
			c.mu.Unlock()
		}()
		c.retitle(context.Background(), rec)
	}()
}

func (c *Controller) retitle(ctx context.Context, rec chat.Record) {
	client, err := c.clients.ClientFor(c.opts.TitleModel)
	if err != nil {
		log.Debug().Err(err).Msg("title model unavailable")
		return
	}
	resp, err := client.Generate(ctx, []llm.Message{
		{Role: string(chat.RoleSystem), Content: titlePrompt},
		{Role: string(chat.RoleUser), Content: titleContext(rec.Messages, c.opts.TitleContextMessages, c.opts.TitleContextChars)},
	})
	if err != nil {
		log.Debug().Err(err).Str("chat_id", rec.ID).Msg("title generation failed")
		return
	}
	title := cleanTitle(resp.Content)
	if title == "" {
		return
	}
	_, err = c.store.Mutate(rec.ID, func(r *chat.Record) error {
		r.Title = title
		r.TitleGenerated = true
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("chat_id", rec.ID).Msg("title not applied")
		return
	}
	log.Info().Str("chat_id", rec.ID).Str("title", title).Msg("🏷️ chat titled")
}

func titleContext(messages []chat.Message, maxMessages, maxChars int) string {
	if len(messages) > maxMessages {
		messages = messages[:maxMessages]
	}
	var sb strings.Builder
	for _, m := range messages {
		text := []rune(strings.Join(strings.Fields(m.Text()), " "))
		if len(text) > maxChars {
			text = text[:maxChars]
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, string(text))
	}
	return sb.String()
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*#.!:; ")
	words := strings.Fields(s)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}
