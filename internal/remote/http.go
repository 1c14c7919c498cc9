package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ai-chatsync/internal/chat"
)

// HTTPStore talks to the document store REST API:
//
//	GET    /v1/owners/:owner/chats
//	GET    /v1/owners/:owner/chats/:id
//	PUT    /v1/owners/:owner/chats/:id
//	DELETE /v1/owners/:owner/chats/:id
type HTTPStore struct {
	baseURL string
	client  *http.Client
	creds   Credentials
}

func NewHTTPStore(baseURL string, creds Credentials, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		creds:   creds,
	}
}

func (s *HTTPStore) Get(ctx context.Context, ownerID, id string) (chat.Record, error) {
	var out chat.Record
	err := s.do(ctx, http.MethodGet, chatPath(ownerID, id), nil, &out)
	return out, err
}

func (s *HTTPStore) List(ctx context.Context, ownerID string) ([]chat.Record, error) {
	var out []chat.Record
	err := s.do(ctx, http.MethodGet, chatsPath(ownerID), nil, &out)
	return out, err
}

func (s *HTTPStore) Put(ctx context.Context, record chat.Record) error {
	if record.OwnerID == "" {
		return errors.Wrap(ErrRejected, "record has no owner")
	}
	var res PutResult
	return s.do(ctx, http.MethodPut, chatPath(record.OwnerID, record.ID), record, &res)
}

func (s *HTTPStore) Delete(ctx context.Context, ownerID, id string) error {
	return s.do(ctx, http.MethodDelete, chatPath(ownerID, id), nil, nil)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = b
	}
	return withCredential(ctx, s.creds, func(token string) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(ErrTransient, "%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return errors.Wrapf(ErrTransient, "read response: %v", err)
		}
		if resp.StatusCode >= 300 {
			var eb ErrorBody
			_ = json.Unmarshal(data, &eb)
			return ErrorForStatus(resp.StatusCode, eb)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(ErrRejected, "decode response: %v", err)
		}
		return nil
	})
}

func chatsPath(ownerID string) string {
	return fmt.Sprintf("/v1/owners/%s/chats", url.PathEscape(ownerID))
}

func chatPath(ownerID, id string) string {
	return chatsPath(ownerID) + "/" + url.PathEscape(id)
}
