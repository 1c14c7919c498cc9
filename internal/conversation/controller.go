// Package conversation drives chat round trips on top of the session store:
// it appends user input optimistically, calls the completion model, and
// applies replies only when their request is still the current one.
package conversation

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/auth"
	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/fence"
	"ai-chatsync/internal/llm"
	"ai-chatsync/internal/session"
)

var ErrNoActiveChat = errors.New("no active chat")

// View is the front-end the controller renders into.
type View interface {
	ShowMessage(chatID string, msg chat.Message)
	ShowOverlay(chatID string, overlay chat.Overlay)
	ShowError(chatID string, err error)
	SetInputEnabled(enabled bool)
	ListChanged(records []chat.Record)
}

// Clients resolves a completion client per model id.
type Clients interface {
	ClientFor(model string) (llm.Client, error)
}

type Options struct {
	DefaultModel string
	TitleModel   string
	SystemPrompt string
	// TitleTrigger is the message count at which a summary title is requested.
	TitleTrigger         int
	TitleContextMessages int
	TitleContextChars    int
	NewID                func() string
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TitleModel == "" {
		o.TitleModel = o.DefaultModel
	}
	if o.TitleTrigger <= 0 {
		o.TitleTrigger = 4
	}
	if o.TitleContextMessages <= 0 {
		o.TitleContextMessages = 6
	}
	if o.TitleContextChars <= 0 {
		o.TitleContextChars = 150
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Controller struct {
	store       *session.Store
	fence       *fence.Fence
	clients     Clients
	transcriber llm.Transcriber
	view        View
	opts        Options

	mu      sync.Mutex
	active  string
	model   string
	titling map[string]bool

	wg sync.WaitGroup
}

func New(store *session.Store, clients Clients, transcriber llm.Transcriber, view View, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		store:       store,
		fence:       fence.New(),
		clients:     clients,
		transcriber: transcriber,
		view:        view,
		opts:        opts,
		model:       opts.DefaultModel,
		titling:     make(map[string]bool),
	}
}

// Active returns the id of the displayed chat, empty before the first message
// of a new conversation.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Model is the model used for the next new chat.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Chats lists every chat, newest first.
func (c *Controller) Chats() []chat.Record {
	return c.store.List()
}

// Open switches the display to id. Replies still pending for the previous
// chat are stored but no longer shown.
func (c *Controller) Open(ctx context.Context, id string) (chat.Record, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return chat.Record{}, err
	}
	c.switchTo(id)
	if rec.Model != "" {
		c.mu.Lock()
		c.model = rec.Model
		c.mu.Unlock()
	}
	c.view.SetInputEnabled(true)
	return rec, nil
}

// NewChat leaves the current chat. The id is allocated on the first Send.
func (c *Controller) NewChat() {
	c.switchTo("")
	c.view.SetInputEnabled(true)
}

func (c *Controller) switchTo(id string) {
	c.mu.Lock()
	prev := c.active
	c.active = id
	c.mu.Unlock()
	if prev != "" && prev != id {
		c.fence.Clear(prev)
	}
}

// SetModel selects the model for new chats and for the active one.
func (c *Controller) SetModel(model string) error {
	if _, err := c.clients.ClientFor(model); err != nil {
		return chat.Invalid("model %s: %v", model, err)
	}
	c.mu.Lock()
	c.model = model
	active := c.active
	c.mu.Unlock()
	if active == "" {
		return nil
	}
	_, err := c.store.Mutate(active, func(r *chat.Record) error {
		r.Model = model
		return nil
	})
	return err
}

// Delete removes a chat. A remote failure is returned wrapped in
// session.ErrRemoteDelete after the local removal.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.fence.Clear(id)
	c.mu.Lock()
	if c.active == id {
		c.active = ""
	}
	c.mu.Unlock()
	return c.store.Delete(ctx, id)
}

// Save writes the active chat to the remote store right away.
func (c *Controller) Save(ctx context.Context) error {
	id := c.Active()
	if id == "" {
		return ErrNoActiveChat
	}
	return c.store.PersistNow(ctx, id)
}

// Transcribe converts a voice note to text. Validation runs before upload.
func (c *Controller) Transcribe(ctx context.Context, audio io.Reader, size int64, filename string) (string, error) {
	if err := chat.ValidateAudio(size); err != nil {
		return "", err
	}
	if c.transcriber == nil {
		return "", errors.New("transcription is not configured")
	}
	text, err := c.transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		return "", err
	}
	log.Info().Int64("bytes", size).Int("chars", len(text)).Msg("🎙️ voice transcribed")
	return text, nil
}

// HandleAuth reacts to sign-in and sign-out. Sign-out drops every chat so
// nothing leaks to the next user; sign-in loads the new owner's chats.
func (c *Controller) HandleAuth(ctx context.Context, ev auth.Event) error {
	c.fence.Reset()
	c.switchTo("")
	c.store.Reset()
	switch ev.Kind {
	case auth.EventSignedOut:
		log.Info().Str("user_id", ev.UserID).Msg("session cleared after sign-out")
		c.view.ListChanged(nil)
		return nil
	case auth.EventSignedIn:
		done, err := c.store.LoadAll(ctx, ev.UserID)
		if err != nil {
			c.view.ShowError("", err)
			return err
		}
		c.view.ListChanged(c.store.List())
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			<-done
		}()
		return nil
	}
	return nil
}

// Run forwards chat list changes to the view until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.Changes():
			c.view.ListChanged(c.store.List())
		}
	}
}

// Wait blocks until in-flight completions and title requests finish.
func (c *Controller) Wait() {
	c.wg.Wait()
}
