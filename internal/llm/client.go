package llm

import (
	"context"
	"io"

	"ai-chatsync/internal/chat"
)

type Message struct {
	Role    string
	Content string
	// Images are data: or https: URLs sent alongside Content.
	Images []string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// FromChat converts a transcript into completion messages. Document parts are
// inlined as text and image parts become image URLs.
func FromChat(messages []chat.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		msg := Message{Role: string(m.Role), Content: m.Text()}
		for _, p := range m.Parts {
			if p.Type == chat.PartImage && p.ImageURL != "" {
				msg.Images = append(msg.Images, p.ImageURL)
			}
		}
		out = append(out, msg)
	}
	return out
}
