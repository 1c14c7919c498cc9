package docstore

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
	"ai-chatsync/internal/remote"
)

// ToolServer exposes the repository as MCP tools for remote.MCPStore.
type ToolServer struct {
	repo     *Repository
	verifier Verifier
}

func NewToolServer(repo *Repository, verifier Verifier) *ToolServer {
	return &ToolServer{repo: repo, verifier: verifier}
}

// Server builds an MCP server with every chat tool registered.
func (s *ToolServer) Server() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ai-chatsync-docstore",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        remote.ToolListChats,
		Description: "Lists every chat record of the owner",
	}, s.ListChats)
	mcp.AddTool(server, &mcp.Tool{
		Name:        remote.ToolGetChat,
		Description: "Returns one chat record",
	}, s.GetChat)
	mcp.AddTool(server, &mcp.Tool{
		Name:        remote.ToolPutChat,
		Description: "Stores a chat record unless a newer copy is already stored",
	}, s.PutChat)
	mcp.AddTool(server, &mcp.Tool{
		Name:        remote.ToolDeleteChat,
		Description: "Deletes one chat record",
	}, s.DeleteChat)
	return server
}

func (s *ToolServer) ListChats(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[remote.ListChatsParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if err := s.authorize(ctx, args.Credential, args.OwnerID); err != nil {
		return toolError(err), nil
	}
	records, err := s.repo.List(ctx, args.OwnerID)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(records), nil
}

func (s *ToolServer) GetChat(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[remote.ChatParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if err := s.authorize(ctx, args.Credential, args.OwnerID); err != nil {
		return toolError(err), nil
	}
	rec, err := s.repo.Get(ctx, args.OwnerID, args.ChatID)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(rec), nil
}

func (s *ToolServer) PutChat(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[remote.PutChatParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	var rec chat.Record
	if err := json.Unmarshal([]byte(args.Record), &rec); err != nil {
		return toolError(chat.Invalid("bad record: %v", err)), nil
	}
	if err := s.authorize(ctx, args.Credential, rec.OwnerID); err != nil {
		return toolError(err), nil
	}
	stored, err := s.repo.Upsert(ctx, rec)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(remote.PutResult{Stored: stored}), nil
}

func (s *ToolServer) DeleteChat(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[remote.ChatParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if err := s.authorize(ctx, args.Credential, args.OwnerID); err != nil {
		return toolError(err), nil
	}
	if err := s.repo.Delete(ctx, args.OwnerID, args.ChatID); err != nil {
		return toolError(err), nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: ""}},
	}, nil
}

func (s *ToolServer) authorize(ctx context.Context, credential, ownerID string) error {
	owner, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		return err
	}
	if owner != ownerID {
		return ErrInvalid
	}
	return nil
}

func toolJSON(v any) *mcp.CallToolResultFor[any] {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(err)
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func toolError(err error) *mcp.CallToolResultFor[any] {
	_, code := classify(err)
	if code == remote.CodeInternal {
		log.Error().Err(err).Msg("docstore tool failed")
	}
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		Meta:    map[string]any{"code": code},
	}
}
