package conversation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"ai-chatsync/internal/auth"
	"ai-chatsync/internal/cache"
	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/llm"
	"ai-chatsync/internal/remote"
	"ai-chatsync/internal/session"
)

const owner = "u1"

type fakeModel struct {
	mu      sync.Mutex
	prompts [][]llm.Message
	gate    chan struct{}
	respond func(msgs []llm.Message) (string, error)
}

func (f *fakeModel) ClientFor(model string) (llm.Client, error) {
	if model == "bad" {
		return nil, errors.New("unknown model")
	}
	return f, nil
}

func (f *fakeModel) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, msgs)
	gate, respond := f.gate, f.respond
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if respond == nil {
		return llm.Response{Content: "reply"}, nil
	}
	text, err := respond(msgs)
	return llm.Response{Content: text}, err
}

func isTitleRequest(msgs []llm.Message) bool {
	return len(msgs) > 0 && msgs[0].Content == titlePrompt
}

type event struct {
	kind   string
	chatID string
	text   string
}

type fakeView struct {
	mu     sync.Mutex
	events []event
	input  []bool
	lists  int
}

func (v *fakeView) ShowMessage(chatID string, msg chat.Message) {
	v.add(event{kind: string(msg.Role), chatID: chatID, text: msg.Content})
}

func (v *fakeView) ShowOverlay(chatID string, ov chat.Overlay) {
	v.add(event{kind: "overlay", chatID: chatID, text: ov.Reply})
}

func (v *fakeView) ShowError(chatID string, err error) {
	v.add(event{kind: "error", chatID: chatID, text: err.Error()})
}

func (v *fakeView) SetInputEnabled(enabled bool) {
	v.mu.Lock()
	v.input = append(v.input, enabled)
	v.mu.Unlock()
}

func (v *fakeView) ListChanged([]chat.Record) {
	v.mu.Lock()
	v.lists++
	v.mu.Unlock()
}

func (v *fakeView) add(e event) {
	v.mu.Lock()
	v.events = append(v.events, e)
	v.mu.Unlock()
}

func (v *fakeView) count(kind string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, e := range v.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (v *fakeView) inputEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.input) > 0 && v.input[len(v.input)-1]
}

type harness struct {
	ctrl   *Controller
	store  *session.Store
	remote *remote.MemoryStore
	model  *fakeModel
	view   *fakeView
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rs := remote.NewMemoryStore()
	store := session.New(cache.New(cache.DefaultCapacity), rs, nil, session.Options{
		Debounce:     10 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
	t.Cleanup(store.Close)
	done, err := store.LoadAll(context.Background(), owner)
	require.NoError(t, err)
	<-done

	var mu sync.Mutex
	n := 0
	model := &fakeModel{}
	view := &fakeView{}
	ctrl := New(store, model, nil, view, Options{
		DefaultModel: "m",
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("chat-%d", n)
		},
	})
	return &harness{ctrl: ctrl, store: store, remote: rs, model: model, view: view}
}

func (h *harness) settle() {
	h.ctrl.Wait()
	h.store.Wait()
}

func TestSendHelloCreatesChatAndPersists(t *testing.T) {
	h := newHarness(t)
	h.model.gate = make(chan struct{})

	id, err := h.ctrl.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)
	require.Equal(t, "chat-1", id)
	require.Equal(t, id, h.ctrl.Active())

	rec, ok := h.store.Peek(id)
	require.True(t, ok)
	require.Len(t, rec.Messages, 1)
	require.Equal(t, "Hello", rec.Messages[0].Content)
	require.Equal(t, "Hello", rec.Title)
	require.Equal(t, "m", rec.Model)
	require.Equal(t, 1, h.store.Len())

	close(h.model.gate)
	h.settle()

	require.GreaterOrEqual(t, h.remote.PutsFor(id), 1)
	stored, err := h.remote.Get(context.Background(), owner, id)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, 1, h.view.count("user"))
	require.Equal(t, 1, h.view.count("assistant"))
	require.True(t, h.view.inputEnabled())
}

func TestSwitchAwayMidRequestStoresReplySilently(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertOptimistic(chat.Record{
		ID:       "c2",
		Title:    "other",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "older chat"}},
	}))
	h.model.gate = make(chan struct{})

	id, err := h.ctrl.Send(context.Background(), "question A", nil)
	require.NoError(t, err)
	_, err = h.ctrl.Open(context.Background(), "c2")
	require.NoError(t, err)

	close(h.model.gate)
	h.settle()

	require.Equal(t, 0, h.view.count("assistant"))
	require.Equal(t, "c2", h.ctrl.Active())
	c2, _ := h.store.Peek("c2")
	require.Len(t, c2.Messages, 1)

	rec, err := h.ctrl.Open(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)
	require.Equal(t, chat.RoleAssistant, rec.Messages[1].Role)
	stored, err := h.remote.Get(context.Background(), owner, id)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
}

func TestNewerRequestSupersedesOlderOne(t *testing.T) {
	h := newHarness(t)
	h.model.gate = make(chan struct{})
	h.model.respond = func(msgs []llm.Message) (string, error) {
		if isTitleRequest(msgs) {
			return "Two Questions", nil
		}
		return "answer to " + msgs[len(msgs)-1].Content, nil
	}

	id, err := h.ctrl.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	_, err = h.ctrl.Send(context.Background(), "second", nil)
	require.NoError(t, err)

	close(h.model.gate)
	h.settle()

	require.Equal(t, 1, h.view.count("assistant"))
	rec, _ := h.store.Peek(id)
	require.Len(t, rec.Messages, 4)
	require.True(t, h.view.inputEnabled())
}

func TestCompletionErrorSurfacedWhenCurrent(t *testing.T) {
	h := newHarness(t)
	h.model.respond = func([]llm.Message) (string, error) {
		return "", errors.New("model unavailable")
	}

	id, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	h.settle()

	require.Equal(t, 1, h.view.count("error"))
	require.True(t, h.view.inputEnabled())
	rec, _ := h.store.Peek(id)
	require.Len(t, rec.Messages, 1)
}

func TestCompletionErrorHiddenAfterSwitch(t *testing.T) {
	h := newHarness(t)
	h.model.gate = make(chan struct{})
	h.model.respond = func([]llm.Message) (string, error) {
		return "", errors.New("model unavailable")
	}

	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	h.ctrl.NewChat()
	close(h.model.gate)
	h.settle()

	require.Equal(t, 0, h.view.count("error"))
	require.True(t, h.view.inputEnabled())
}

func TestUnknownModelIsReportedAsError(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.ctrl.SetModel("bad"))
	require.NoError(t, h.ctrl.SetModel("m2"))
	require.Equal(t, "m2", h.ctrl.Model())

	id, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	h.settle()
	rec, _ := h.store.Peek(id)
	require.Equal(t, "m2", rec.Model)
}

func TestValidationRejectedBeforeAnything(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Send(context.Background(), "   ", nil)
	require.True(t, errors.Is(err, chat.ErrValidation))
	require.Equal(t, 0, h.store.Len())
	require.Empty(t, h.view.input)

	_, err = h.ctrl.Send(context.Background(), strings.Repeat("x", chat.MaxMessageRunes+1), nil)
	require.True(t, errors.Is(err, chat.ErrValidation))
}

func TestTitleRegeneratedAfterFourMessages(t *testing.T) {
	h := newHarness(t)
	h.model.respond = func(msgs []llm.Message) (string, error) {
		if isTitleRequest(msgs) {
			return "\"Weekend Hiking Plans For Everyone\"", nil
		}
		return "sure", nil
	}

	id, err := h.ctrl.Send(context.Background(), "Let's plan a hike this weekend", nil)
	require.NoError(t, err)
	h.settle()
	rec, _ := h.store.Peek(id)
	require.Equal(t, "Let's plan a hike this weekend", rec.Title)
	require.False(t, rec.TitleGenerated)

	_, err = h.ctrl.Send(context.Background(), "Which trail?", nil)
	require.NoError(t, err)
	h.settle()

	rec, _ = h.store.Peek(id)
	require.Equal(t, "Weekend Hiking Plans For", rec.Title)
	require.True(t, rec.TitleGenerated)

	// titled once
	_, err = h.ctrl.Send(context.Background(), "And lunch?", nil)
	require.NoError(t, err)
	h.settle()
	titleCalls := 0
	h.model.mu.Lock()
	for _, p := range h.model.prompts {
		if isTitleRequest(p) {
			titleCalls++
		}
	}
	h.model.mu.Unlock()
	require.Equal(t, 1, titleCalls)
}

func TestTitleFailureKeepsProvisionalTitle(t *testing.T) {
	h := newHarness(t)
	h.model.respond = func(msgs []llm.Message) (string, error) {
		if isTitleRequest(msgs) {
			return "", errors.New("rate limited")
		}
		return "ok", nil
	}
	id, err := h.ctrl.Send(context.Background(), "one", nil)
	require.NoError(t, err)
	h.settle()
	_, err = h.ctrl.Send(context.Background(), "two", nil)
	require.NoError(t, err)
	h.settle()

	rec, _ := h.store.Peek(id)
	require.Equal(t, "one", rec.Title)
	require.False(t, rec.TitleGenerated)
	require.Equal(t, 0, h.view.count("error"))
}

func TestTitleContextIsTruncated(t *testing.T) {
	var msgs []chat.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: strings.Repeat("a", 200)})
	}
	ctx := titleContext(msgs, 6, 150)
	lines := strings.Split(strings.TrimSpace(ctx), "\n")
	require.Len(t, lines, 6)
	for _, l := range lines {
		require.Equal(t, len("user: ")+150, len(l))
	}
	require.Equal(t, "A B C D", cleanTitle("**A B C D E**\nmore"))
}

func TestAuthEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	h.settle()

	require.NoError(t, h.ctrl.HandleAuth(context.Background(), auth.Event{Kind: auth.EventSignedOut, UserID: owner}))
	require.Equal(t, 0, h.store.Len())
	require.Equal(t, "", h.ctrl.Active())
	require.Equal(t, "", h.store.Owner())

	h.remote.Seed(chat.Record{
		ID: "theirs", OwnerID: "u2", Title: "t",
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: "x"}},
		UpdatedAt: time.Unix(100, 0),
	})
	require.NoError(t, h.ctrl.HandleAuth(context.Background(), auth.Event{Kind: auth.EventSignedIn, UserID: "u2"}))
	h.ctrl.Wait()
	require.Equal(t, "u2", h.store.Owner())
	chats := h.ctrl.Chats()
	require.Len(t, chats, 1)
	require.Equal(t, "theirs", chats[0].ID)
}

func TestSignInFailureIsShown(t *testing.T) {
	h := newHarness(t)
	h.remote.FailNextLists(remote.ErrTransient)
	err := h.ctrl.HandleAuth(context.Background(), auth.Event{Kind: auth.EventSignedIn, UserID: owner})
	require.True(t, errors.Is(err, remote.ErrTransient))
	require.Equal(t, 1, h.view.count("error"))
}

func TestDeleteAndSave(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.ctrl.Save(context.Background()), ErrNoActiveChat)

	id, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	h.ctrl.Wait()
	require.NoError(t, h.ctrl.Save(context.Background()))
	require.GreaterOrEqual(t, h.remote.PutsFor(id), 1)

	h.remote.FailNextDeletes(remote.ErrTransient)
	err = h.ctrl.Delete(context.Background(), id)
	require.True(t, errors.Is(err, session.ErrRemoteDelete))
	require.Equal(t, "", h.ctrl.Active())
	_, ok := h.store.Peek(id)
	require.False(t, ok)
}

func TestReplyForDeletedChatIsDropped(t *testing.T) {
	h := newHarness(t)
	h.model.gate = make(chan struct{})
	id, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Delete(context.Background(), id))
	close(h.model.gate)
	h.settle()

	_, ok := h.store.Peek(id)
	require.False(t, ok)
	require.Equal(t, 0, h.view.count("assistant"))
	require.True(t, h.view.inputEnabled())
}

func TestAnnotateOverlay(t *testing.T) {
	h := newHarness(t)
	h.model.respond = func(msgs []llm.Message) (string, error) {
		last := msgs[len(msgs)-1].Content
		if strings.HasPrefix(last, "Regarding this passage") {
			return "it means hello", nil
		}
		return "hola", nil
	}
	id, err := h.ctrl.Send(context.Background(), "translate hello", nil)
	require.NoError(t, err)
	h.settle()

	ovID, err := h.ctrl.Annotate(context.Background(), id, "hola", 1, "what does it mean?")
	require.NoError(t, err)
	h.settle()

	rec, _ := h.store.Peek(id)
	require.Len(t, rec.Overlays, 1)
	require.Equal(t, ovID, rec.Overlays[0].ID)
	require.Equal(t, "it means hello", rec.Overlays[0].Reply)
	require.Equal(t, 1, h.view.count("overlay"))

	require.NoError(t, h.ctrl.SetOverlayMinimized(id, ovID, true))
	rec, _ = h.store.Peek(id)
	require.True(t, rec.Overlays[0].Minimized)

	require.NoError(t, h.ctrl.RemoveOverlay(id, ovID))
	require.ErrorIs(t, h.ctrl.RemoveOverlay(id, ovID), ErrOverlayNotFound)
	rec, _ = h.store.Peek(id)
	require.Empty(t, rec.Overlays)

	_, err = h.ctrl.Annotate(context.Background(), "missing", "q", 0, "why")
	require.True(t, errors.Is(err, session.ErrNotFound))
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, _ string) (string, error) {
	_, _ = io.ReadAll(audio)
	return f.text, nil
}

func TestTranscribe(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Transcribe(context.Background(), strings.NewReader("x"), 1, "v.ogg")
	require.Error(t, err)

	h.ctrl.transcriber = fakeTranscriber{text: "spoken words"}
	text, err := h.ctrl.Transcribe(context.Background(), strings.NewReader("x"), 1, "v.ogg")
	require.NoError(t, err)
	require.Equal(t, "spoken words", text)

	_, err = h.ctrl.Transcribe(context.Background(), strings.NewReader(""), chat.MaxAudioBytes+1, "v.ogg")
	require.True(t, errors.Is(err, chat.ErrValidation))
}

func TestRunForwardsListChanges(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctrl.Run(ctx)

	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.view.mu.Lock()
		defer h.view.mu.Unlock()
		return h.view.lists > 0
	}, time.Second, 5*time.Millisecond)
	h.settle()
}
