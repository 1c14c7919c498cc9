package remote

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

// MCPStore reaches the document store through its MCP tool server.
type MCPStore struct {
	creds   Credentials
	mu      sync.RWMutex
	client  *mcp.Client
	session *mcp.ClientSession
}

func NewMCPStore(creds Credentials) *MCPStore {
	return &MCPStore{
		creds: creds,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "ai-chatsync-docstore-client",
			Version: "1.0.0",
		}, nil),
	}
}

// Connect starts the server binary as a subprocess and talks to it over stdio.
func (m *MCPStore) Connect(ctx context.Context, serverPath string, env ...string) error {
	log.Info().Str("server", serverPath).Msg("🔗 connecting to docstore MCP server via stdio")
	cmd := exec.CommandContext(ctx, serverPath)
	cmd.Env = append(os.Environ(), env...)
	return m.ConnectTransport(ctx, mcp.NewCommandTransport(cmd))
}

// ConnectTransport attaches to an already constructed transport.
func (m *MCPStore) ConnectTransport(ctx context.Context, t mcp.Transport) error {
	session, err := m.client.Connect(ctx, t)
	if err != nil {
		return errors.Wrap(err, "connect to docstore MCP server")
	}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	log.Info().Msg("✅ connected to docstore MCP server")
	return nil
}

func (m *MCPStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

func (m *MCPStore) Get(ctx context.Context, ownerID, id string) (chat.Record, error) {
	var out chat.Record
	err := m.call(ctx, ToolGetChat, func(token string) map[string]any {
		return map[string]any{"credential": token, "owner_id": ownerID, "chat_id": id}
	}, &out)
	return out, err
}

func (m *MCPStore) List(ctx context.Context, ownerID string) ([]chat.Record, error) {
	var out []chat.Record
	err := m.call(ctx, ToolListChats, func(token string) map[string]any {
		return map[string]any{"credential": token, "owner_id": ownerID}
	}, &out)
	return out, err
}

func (m *MCPStore) Put(ctx context.Context, record chat.Record) error {
	if record.OwnerID == "" {
		return errors.Wrap(ErrRejected, "record has no owner")
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	var res PutResult
	return m.call(ctx, ToolPutChat, func(token string) map[string]any {
		return map[string]any{"credential": token, "record": string(doc)}
	}, &res)
}

func (m *MCPStore) Delete(ctx context.Context, ownerID, id string) error {
	return m.call(ctx, ToolDeleteChat, func(token string) map[string]any {
		return map[string]any{"credential": token, "owner_id": ownerID, "chat_id": id}
	}, nil)
}

func (m *MCPStore) call(ctx context.Context, tool string, args func(token string) map[string]any, out interface{}) error {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()
	if session == nil {
		return errors.Wrap(ErrTransient, "docstore MCP session not connected")
	}
	return withCredential(ctx, m.creds, func(token string) error {
		result, err := session.CallTool(ctx, &mcp.CallToolParams{
			Name:      tool,
			Arguments: args(token),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(ErrTransient, "%s: %v", tool, err)
		}

		var text strings.Builder
		for _, content := range result.Content {
			if tc, ok := content.(*mcp.TextContent); ok {
				text.WriteString(tc.Text)
			}
		}

		if result.IsError {
			code, _ := result.Meta["code"].(string)
			return ErrorForCode(code, text.String())
		}
		if out == nil || text.Len() == 0 {
			return nil
		}
		if err := json.Unmarshal([]byte(text.String()), out); err != nil {
			return errors.Wrapf(ErrRejected, "decode %s result: %v", tool, err)
		}
		return nil
	})
}
