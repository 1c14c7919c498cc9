// Package chat holds the chat transcript model shared by the session store,
// the remote store transports and the conversation controller.
package chat

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
)

// Part is one element of a multi-part message. Images carry a data or https URL,
// documents carry their already extracted text.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Name     string   `json:"name,omitempty"`
}

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text flattens the message into plain text, inlining document parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, p := range m.Parts {
		if p.Type == PartImage {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if p.Type == PartDocument && p.Name != "" {
			sb.WriteString("[" + p.Name + "]\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Overlay is a side annotation anchored to one message of the transcript.
// It has its own prompt/reply pair and is persisted as part of the record.
type Overlay struct {
	ID        string    `json:"id"`
	Position  int       `json:"position"`
	Quote     string    `json:"quote"`
	Prompt    string    `json:"prompt"`
	Reply     string    `json:"reply,omitempty"`
	Error     string    `json:"error,omitempty"`
	Minimized bool      `json:"minimized,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is one chat transcript.
type Record struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	TitleGenerated bool      `json:"title_generated,omitempty"`
	Messages       []Message `json:"messages"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	OwnerID        string    `json:"owner_id,omitempty"`
	Overlays       []Overlay `json:"overlays,omitempty"`
}

// Clone returns a deep copy so callers can never alias store state.
func (r Record) Clone() Record {
	out := r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			if m.Parts != nil {
				m.Parts = append([]Part(nil), m.Parts...)
			}
			out.Messages[i] = m
		}
	}
	if r.Overlays != nil {
		out.Overlays = append([]Overlay(nil), r.Overlays...)
	}
	return out
}

// Persistable reports whether the record may be written anywhere.
// Empty conversations are never saved.
func (r Record) Persistable() bool {
	return r.ID != "" && len(r.Messages) > 0
}

// Version is the ordering key: UpdatedAt, falling back to CreatedAt.
func (r Record) Version() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Newer reports whether a should replace b. Ties keep b.
func Newer(a, b Record) bool {
	return a.Version().After(b.Version())
}

// Dedup collapses records sharing an id into the newest one. On a version tie
// the earliest occurrence wins. The relative order of first occurrences is kept.
func Dedup(records []Record) []Record {
	idx := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		if i, ok := idx[r.ID]; ok {
			if Newer(r, out[i]) {
				out[i] = r
			}
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// SortByRecent orders records newest first. Equal versions fall back to id so
// the order is stable across calls.
func SortByRecent(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		vi, vj := records[i].Version(), records[j].Version()
		if !vi.Equal(vj) {
			return vi.After(vj)
		}
		return records[i].ID < records[j].ID
	})
}

const provisionalTitleRunes = 50

// ProvisionalTitle derives a title from the first user message.
func ProvisionalTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "New chat"
	}
	runes := []rune(text)
	if len(runes) > provisionalTitleRunes {
		return string(runes[:provisionalTitleRunes-3]) + "..."
	}
	return text
}
