package conversation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/fence"
	"ai-chatsync/internal/llm"
	"ai-chatsync/internal/session"
)

// Send appends a user message to the active chat (creating one when there is
// none) and requests the model reply in the background. It returns the chat id
// once the message is stored locally; only validation errors are returned.
func (c *Controller) Send(ctx context.Context, text string, parts []chat.Part) (string, error) {
	if err := chat.ValidateMessage(text, parts); err != nil {
		return "", err
	}
	c.view.SetInputEnabled(false)

	msg := chat.Message{Role: chat.RoleUser, Content: text, Parts: parts, CreatedAt: c.opts.Now()}
	rec, err := c.appendUser(msg)
	if err != nil {
		c.view.SetInputEnabled(true)
		return "", err
	}
	c.view.ShowMessage(rec.ID, msg)

	token := c.fence.Issue(rec.ID)
	log.Debug().Str("chat_id", rec.ID).Int("messages", len(rec.Messages)).Msg("completion requested")

	c.wg.Add(1)
	go c.complete(context.WithoutCancel(ctx), rec.ID, token, rec.Model, rec.Messages)
	return rec.ID, nil
}

func (c *Controller) appendUser(msg chat.Message) (chat.Record, error) {
	c.mu.Lock()
	id, model := c.active, c.model
	if id == "" {
		id = c.opts.NewID()
		c.active = id
	}
	c.mu.Unlock()

	rec, err := c.store.Mutate(id, func(r *chat.Record) error {
		r.Messages = append(r.Messages, msg)
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		rec = chat.Record{
			ID:        id,
			Title:     chat.ProvisionalTitle(msg.Text()),
			Model:     model,
			Messages:  []chat.Message{msg},
			CreatedAt: msg.CreatedAt,
			UpdatedAt: msg.CreatedAt,
		}
		if err := c.store.UpsertOptimistic(rec); err != nil {
			return chat.Record{}, err
		}
		log.Info().Str("chat_id", id).Str("model", model).Msg("💬 new chat")
		return rec, nil
	}
	return rec, err
}

// complete runs one model request. It is not cancelled when the user moves
// away; the reply is always stored, and shown only while token is current.
func (c *Controller) complete(ctx context.Context, id string, token fence.Token, model string, history []chat.Message) {
	defer c.wg.Done()
	defer c.view.SetInputEnabled(true)

	resp, err := c.generate(ctx, model, history)
	if err != nil {
		if c.fence.Release(id, token) {
			c.view.ShowError(id, err)
		} else {
			log.Warn().Err(err).Str("chat_id", id).Msg("stale completion failed")
		}
		return
	}

	reply := chat.Message{Role: chat.RoleAssistant, Content: resp.Content, CreatedAt: c.opts.Now()}
	rec, err := c.store.Mutate(id, func(r *chat.Record) error {
		r.Messages = append(r.Messages, reply)
		return nil
	})
	if err != nil {
		// deleted while the request was in flight
		log.Warn().Err(err).Str("chat_id", id).Msg("reply dropped")
		c.fence.Release(id, token)
		return
	}

	if c.fence.Release(id, token) {
		c.view.ShowMessage(id, reply)
	} else {
		log.Info().Str("chat_id", id).Msg("reply stored for inactive request")
	}
	c.maybeRetitle(rec)
}

func (c *Controller) generate(ctx context.Context, model string, history []chat.Message) (llm.Response, error) {
	if model == "" {
		model = c.opts.DefaultModel
	}
	client, err := c.clients.ClientFor(model)
	if err != nil {
		return llm.Response{}, err
	}
	msgs := llm.FromChat(history)
	if c.opts.SystemPrompt != "" {
		msgs = append([]llm.Message{{Role: string(chat.RoleSystem), Content: c.opts.SystemPrompt}}, msgs...)
	}
	return client.Generate(ctx, msgs)
}
