// Package linguapledge provides the Go client SDK for the LinguaPledge
// crowdfunding marketplace API.
//
// Covers authentication, the conversation/notification REST surface, and the
// real-time delivery layer (global unread-count socket plus per-conversation
// chat sockets).
//
// Example:
//
//	client := linguapledge.NewClient(linguapledge.WithBaseURL("https://linguapledge.example"))
//	tok, _ := client.Auth().Login(ctx, "teacher@example.com", "secret")
//	client.SetToken(tok.AccessToken)
//
//	summary, _ := client.Conversations().Summary(ctx)
//	fmt.Println(summary.TotalUnreadCount)
package linguapledge

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

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the production API origin.
	DefaultBaseURL = "https://api.linguapledge.com"
	// DefaultTimeout bounds every REST request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the root API client. Sub-clients expose the REST surface; the
// real-time layer is created through NewRealtimeManager and NewInboxStore.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	log        *zap.Logger

	evictions *evictionHooks

	auth          *AuthClient
	users         *UsersClient
	conversations *ConversationsClient
	notifications *NotificationsClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the REST request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore replaces the default in-memory token store.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

// WithLogger injects a structured logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new LinguaPledge client. With no options it targets
// production, holds an empty in-memory token store, and logs nowhere.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tokens:    NewMemoryTokenStore(),
		log:       zap.NewNop(),
		evictions: newEvictionHooks(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = &AuthClient{client: c}
	c.users = &UsersClient{client: c}
	c.conversations = &ConversationsClient{client: c}
	c.notifications = &NotificationsClient{client: c}
	return c
}

// SetToken stores a bearer token, starting an authenticated session.
func (c *Client) SetToken(token string) {
	c.tokens.Set(token)
}

// Token returns the current bearer token, or "" when logged out.
func (c *Client) Token() string {
	return c.tokens.Token()
}

// Authenticated reports whether a bearer token is present. This is the sole
// synchronous auth signal checked before any REST call or socket dial.
func (c *Client) Authenticated() bool {
	return c.tokens.Token() != ""
}

// OnTokenEvicted registers a hook invoked whenever the token is evicted after
// an auth failure or explicit logout. The real-time layer uses this to tear
// down all sockets; the hook returned by cancel unregisters it.
func (c *Client) OnTokenEvicted(hook func()) (cancel func()) {
	return c.evictions.add(hook)
}

// Logout clears the token and fires eviction hooks.
func (c *Client) Logout() {
	c.evictToken("logout")
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger { return c.log }

// Auth returns the authentication sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Users returns the users sub-client.
func (c *Client) Users() *UsersClient { return c.users }

// Conversations returns the conversations sub-client.
func (c *Client) Conversations() *ConversationsClient { return c.conversations }

// Notifications returns the notifications sub-client.
func (c *Client) Notifications() *NotificationsClient { return c.notifications }

func (c *Client) evictToken(cause string) {
	if c.tokens.Token() == "" {
		return
	}
	c.tokens.Clear()
	c.log.Info("bearer token evicted", zap.String("cause", cause))
	c.evictions.fire()
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, bodyReader, contentType, query)
}

// doForm issues an application/x-www-form-urlencoded request (the backend's
// OAuth2 login endpoint only accepts form bodies).
func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, method, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.IsAuthError() {
			c.evictToken(fmt.Sprintf("http %d on %s %s", resp.StatusCode, method, path))
		}
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// evictionHooks is a small keyed hook registry. Hooks run synchronously in
// registration order.
type evictionHooks struct {
	hooks *subscriberSet[func()]
}

func newEvictionHooks() *evictionHooks {
	return &evictionHooks{hooks: newSubscriberSet[func()]()}
}

func (e *evictionHooks) add(hook func()) (cancel func()) {
	return e.hooks.add(hook)
}

func (e *evictionHooks) fire() {
	for _, hook := range e.hooks.snapshot() {
		hook()
	}
}

// ============================================================================
// Auth sub-client
// ============================================================================

// AuthClient handles registration and password login.
type AuthClient struct{ client *Client }

// Login exchanges credentials for a bearer token via the OAuth2 password
// flow. The token is NOT stored automatically; call Client.SetToken.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	data, err := a.client.doForm(ctx, http.MethodPost, "/auth/token", form)
	if err != nil {
		return nil, err
	}
	return decodeJSON[TokenResponse](data)
}

// Register creates a new account.
func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*User, error) {
	data, err := a.client.doRequest(ctx, http.MethodPost, "/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Users sub-client
// ============================================================================

// UsersClient reads user profiles.
type UsersClient struct{ client *Client }

// Me returns the authenticated user's own record.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	data, err := u.client.doRequest(ctx, http.MethodGet, "/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Conversations sub-client
// ============================================================================

// ConversationsClient covers the conversation REST surface.
type ConversationsClient struct{ client *Client }

// Summary returns the inbox summary: all conversation rows plus the
// server-computed total unread count.
func (cv *ConversationsClient) Summary(ctx context.Context) (*InboxSummary, error) {
	data, err := cv.client.doRequest(ctx, http.MethodGet, "/conversations/summary", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[InboxSummary](data)
}

// List returns the caller's conversation summaries, most recent first.
func (cv *ConversationsClient) List(ctx context.Context) ([]ConversationSummary, error) {
	data, err := cv.client.doRequest(ctx, http.MethodGet, "/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]ConversationSummary](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// Get returns a full conversation thread. As a server-side effect, messages
// from the other participant are marked read.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID int) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// Create opens a conversation against a content request (teachers only).
func (cv *ConversationsClient) Create(ctx context.Context, requestID int) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, http.MethodPost, "/conversations/", &CreateConversationOptions{RequestID: requestID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// SendMessage appends a message to an open conversation.
func (cv *ConversationsClient) SendMessage(ctx context.Context, conversationID int, content string) (*Message, error) {
	data, err := cv.client.doRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conversationID), &SendMessageOptions{Content: content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Close closes a conversation (teachers only).
func (cv *ConversationsClient) Close(ctx context.Context, conversationID int) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/close", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// SetDemoVideo updates the student demo video URL (students only).
func (cv *ConversationsClient) SetDemoVideo(ctx context.Context, conversationID int, videoURL string) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, http.MethodPatch, fmt.Sprintf("/conversations/%d/demo-video", conversationID), &DemoVideoUpdate{URL: videoURL}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ============================================================================
// Notifications sub-client
// ============================================================================

// NotificationsClient covers the notification REST surface.
type NotificationsClient struct{ client *Client }

// List returns the caller's notifications, newest first.
func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := n.client.doRequest(ctx, http.MethodGet, "/notifications/", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Notification](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// MarkRead marks one notification as read.
func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID int) error {
	_, err := n.client.doRequest(ctx, http.MethodPatch, fmt.Sprintf("/notifications/%d/read", notificationID), nil, nil)
	return err
}

// MarkAllRead marks every notification as read.
func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.client.doRequest(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
	return err
}
