package remote

import (
	"net/http"

	"github.com/pkg/errors"
)

// Error codes shared by the HTTP and MCP transports.
const (
	CodeCredentialExpired = "credential_expired"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeInvalid           = "invalid"
	CodeInternal          = "internal"
)

// ErrorBody is the JSON error payload of the document store.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// PutResult tells whether an upsert was applied or ignored as stale.
type PutResult struct {
	Stored bool `json:"stored"`
}

// ErrorForCode maps a wire error code back to the client taxonomy.
func ErrorForCode(code, msg string) error {
	var base error
	switch code {
	case CodeCredentialExpired:
		base = ErrCredentialExpired
	case CodeUnauthorized:
		base = ErrUnauthorized
	case CodeNotFound:
		base = ErrNotFound
	case CodeInternal:
		base = ErrTransient
	default:
		base = ErrRejected
	}
	if msg == "" {
		return base
	}
	return errors.Wrap(base, msg)
}

// ErrorForStatus maps an HTTP status (and optional body code) to an error.
func ErrorForStatus(status int, body ErrorBody) error {
	switch {
	case status == http.StatusUnauthorized && body.Error == CodeCredentialExpired:
		return ErrorForCode(CodeCredentialExpired, body.Message)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrorForCode(CodeUnauthorized, body.Message)
	case status == http.StatusNotFound:
		return ErrorForCode(CodeNotFound, body.Message)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return errors.Wrapf(ErrTransient, "status %d %s", status, body.Message)
	default:
		return errors.Wrapf(ErrRejected, "status %d %s", status, body.Message)
	}
}

// MCP tool names and arguments of the document store.
const (
	ToolListChats  = "list_chats"
	ToolGetChat    = "get_chat"
	ToolPutChat    = "put_chat"
	ToolDeleteChat = "delete_chat"
)

type ListChatsParams struct {
	Credential string `json:"credential" mcp:"bearer credential of the owner"`
	OwnerID    string `json:"owner_id" mcp:"owner whose chats are listed"`
}

type ChatParams struct {
	Credential string `json:"credential" mcp:"bearer credential of the owner"`
	OwnerID    string `json:"owner_id" mcp:"owner of the chat"`
	ChatID     string `json:"chat_id" mcp:"chat id"`
}

type PutChatParams struct {
	Credential string `json:"credential" mcp:"bearer credential of the owner"`
	Record     string `json:"record" mcp:"chat record as a JSON document"`
}
