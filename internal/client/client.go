// Package client talks to the chat server's REST API on behalf of one
// logged in user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/models"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return models.ErrNotFound
	}
	return nil
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// EventsURL is the websocket endpoint of the server.
func (c *Client) EventsURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Login exchanges credentials for a token, which is used for every later
// request.
func (c *Client) Login(ctx context.Context, username, password string) (auth.LoginResponse, error) {
	var resp auth.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", auth.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return auth.LoginResponse{}, err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return resp, nil
}

func (c *Client) Logoff(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/logoff", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &user)
	return user, err
}

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs)
	return convs, err
}

func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv)
	return conv, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &messages)
	return messages, err
}

func (c *Client) CreateMessage(ctx context.Context, conversationID string, content models.Content) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", content, &msg)
	return msg, err
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (c *Client) MarkMessagesRead(ctx context.Context, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/read", MarkReadRequest{MessageIDs: messageIDs}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
