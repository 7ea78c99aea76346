// Package client talks to the chat server over its HTTP API and its
// real-time websocket channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"estatechat/internal/models"
)

// Client is an authenticated HTTP API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &user)
	return user, err
}

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var list []models.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &list)
	return list, err
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationView, error) {
	var views []models.ConversationView
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &views)
	return views, err
}

func (c *Client) CreateConversation(ctx context.Context, receiverID string) (models.ConversationView, error) {
	var view models.ConversationView
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"receiverId": receiverID}, &view)
	return view, err
}

// OpenConversation fetches a conversation and marks it seen.
func (c *Client) OpenConversation(ctx context.Context, id string) (models.ConversationView, error) {
	var view models.ConversationView
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+id, nil, &view)
	return view, err
}

func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPut, "/api/conversations/"+conversationID+"/read", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages", map[string]string{"text": text}, &msg)
	return msg, err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &resp)
	return resp.Unread, err
}

func (c *Client) Logoff(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logoff", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		var apiErr models.APIResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %w (status %d): %s", method, path, errorFor(resp.StatusCode), resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorFor maps a response status back to the server's error taxonomy.
func errorFor(status int) error {
	switch status {
	case http.StatusBadRequest:
		return models.ErrInvalidOperation
	case http.StatusUnauthorized:
		return models.ErrUnauthenticated
	case http.StatusForbidden:
		return models.ErrNotAuthorized
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusTooManyRequests:
		return models.ErrRateLimited
	default:
		return fmt.Errorf("unexpected response")
	}
}
