package conversation

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/fence"
)

var ErrOverlayNotFound = errors.New("overlay not found")

func overlayKey(chatID, overlayID string) string {
	return chatID + "#" + overlayID
}

// Annotate attaches a side question about quote to chatID and asks the model
// in the background. Its reply is fenced separately from the main transcript.
func (c *Controller) Annotate(ctx context.Context, chatID, quote string, position int, prompt string) (string, error) {
	if err := chat.ValidateMessage(prompt, nil); err != nil {
		return "", err
	}
	ov := chat.Overlay{
		ID:        c.opts.NewID(),
		Position:  position,
		Quote:     quote,
		Prompt:    prompt,
		UpdatedAt: c.opts.Now(),
	}
	rec, err := c.store.Mutate(chatID, func(r *chat.Record) error {
		r.Overlays = append(r.Overlays, ov)
		return nil
	})
	if err != nil {
		return "", err
	}
	key := overlayKey(chatID, ov.ID)
	token := c.fence.Issue(key)

	history := append(rec.Messages, chat.Message{
		Role:    chat.RoleUser,
		Content: fmt.Sprintf("Regarding this passage:\n\"%s\"\n\n%s", quote, prompt),
	})
	c.wg.Add(1)
	go c.completeOverlay(context.WithoutCancel(ctx), chatID, ov.ID, token, rec.Model, history)
	return ov.ID, nil
}

func (c *Controller) completeOverlay(ctx context.Context, chatID, overlayID string, token fence.Token, model string, history []chat.Message) {
	defer c.wg.Done()
	key := overlayKey(chatID, overlayID)

	resp, genErr := c.generate(ctx, model, history)
	var updated chat.Overlay
	_, err := c.store.Mutate(chatID, func(r *chat.Record) error {
		for i := range r.Overlays {
			if r.Overlays[i].ID != overlayID {
				continue
			}
			if genErr != nil {
				r.Overlays[i].Error = genErr.Error()
			} else {
				r.Overlays[i].Reply = resp.Content
				r.Overlays[i].Error = ""
			}
			r.Overlays[i].UpdatedAt = c.opts.Now()
			updated = r.Overlays[i]
			return nil
		}
		return ErrOverlayNotFound
	})
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Str("overlay_id", overlayID).Msg("overlay reply dropped")
		c.fence.Release(key, token)
		return
	}
	if c.fence.Release(key, token) && c.Active() == chatID {
		c.view.ShowOverlay(chatID, updated)
	}
}

// SetOverlayMinimized stores the collapsed state of an overlay.
func (c *Controller) SetOverlayMinimized(chatID, overlayID string, minimized bool) error {
	_, err := c.store.Mutate(chatID, func(r *chat.Record) error {
		for i := range r.Overlays {
			if r.Overlays[i].ID == overlayID {
				r.Overlays[i].Minimized = minimized
				r.Overlays[i].UpdatedAt = c.opts.Now()
				return nil
			}
		}
		return ErrOverlayNotFound
	})
	return err
}

// RemoveOverlay deletes an overlay and discards its pending reply.
func (c *Controller) RemoveOverlay(chatID, overlayID string) error {
	c.fence.Clear(overlayKey(chatID, overlayID))
	_, err := c.store.Mutate(chatID, func(r *chat.Record) error {
		for i := range r.Overlays {
			if r.Overlays[i].ID == overlayID {
				r.Overlays = append(r.Overlays[:i], r.Overlays[i+1:]...)
				return nil
			}
		}
		return ErrOverlayNotFound
	})
	return err
}
