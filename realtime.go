package linguapledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotAuthenticated is returned when a socket connection is requested
// without a bearer token. No connection attempt is made in that state.
var ErrNotAuthenticated = errors.New("linguapledge: no bearer token, connection not attempted")

// ============================================================================
// Scopes and states
// ============================================================================

// Scope names one of the two socket slots the manager owns.
type Scope string

const (
	// ScopeGlobal is the per-session socket carrying cross-conversation
	// unread-count updates.
	ScopeGlobal Scope = "global"
	// ScopeConversation is the socket opened only while a specific thread
	// view is active.
	ScopeConversation Scope = "conversation"
)

// RealtimeState is the connection state of one scope.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the RealtimeManager.
type RealtimeConfig struct {
	// SelfUserID is the authenticated user's id, used to tell own messages
	// from the counterpart's when deciding whether to bump the unread count.
	SelfUserID int

	// AutoReconnect enables exponential-backoff reconnection of a socket
	// that closed unexpectedly, followed by an inbox resync. When false the
	// manager falls back to a single delayed inbox refresh instead.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// FallbackRefreshDelay is how long after an unexpected closure the
	// one-shot inbox refresh fires when AutoReconnect is off.
	FallbackRefreshDelay time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.FallbackRefreshDelay == 0 {
		c.FallbackRefreshDelay = 3 * time.Second
	}
}

// Handlers are view-layer callbacks for events the reconciler cannot apply on
// its own. All fields are optional.
type Handlers struct {
	// OnOfferAccepted fires when a negotiated offer became a project; the
	// view is expected to navigate to it.
	OnOfferAccepted func(OfferAcceptedEvent)
	// OnConversationClosed fires after the thread store was marked closed.
	OnConversationClosed func(conversationID int, reason CloseReason)
	// OnMessage fires after a pushed chat message was appended to the
	// currently viewed thread.
	OnMessage func(ChatMessageEvent)
	// OnStateChange observes scope connection-state transitions.
	OnStateChange func(scope Scope, state RealtimeState)
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes exponential-backoff delays with jitter. The attempt
// counter resets after a connection that stayed up for over a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeManager
// ============================================================================

// wsLink is one live (or pending) socket slot.
type wsLink struct {
	scope          Scope
	conversationID int
	conn           *websocket.Conn
	state          RealtimeState
	cancel         context.CancelFunc
	ctx            context.Context
	intentional    bool
	recon          *reconnector
}

// RealtimeManager maintains at most one healthy global socket per session and
// at most one conversation-scoped socket per open thread view, routes inbound
// frames into the InboxStore and ThreadStore, and forwards outbound read
// receipts.
//
// Token eviction (auth failure or logout) tears down every socket.
type RealtimeManager struct {
	client   *Client
	store    *InboxStore
	thread   *ThreadStore
	log      *zap.Logger
	config   RealtimeConfig
	handlers Handlers

	mu    sync.Mutex
	links map[Scope]*wsLink

	cancelEviction func()
}

// NewRealtimeManager wires the connection manager to a client, the shared
// inbox store, and the thread store of the active conversation view.
func NewRealtimeManager(client *Client, store *InboxStore, thread *ThreadStore, config RealtimeConfig, handlers Handlers) *RealtimeManager {
	config.defaults()
	m := &RealtimeManager{
		client:   client,
		store:    store,
		thread:   thread,
		log:      client.Logger().Named("realtime"),
		config:   config,
		handlers: handlers,
		links:    make(map[Scope]*wsLink),
	}
	m.cancelEviction = client.OnTokenEvicted(func() {
		m.DisconnectAll()
	})
	return m
}

// State returns the connection state of a scope.
func (m *RealtimeManager) State(scope Scope) RealtimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[scope]; ok {
		return link.state
	}
	return StateDisconnected
}

// ConnectGlobal opens the per-session unread-notifications socket.
// Idempotent: an existing global socket is closed first, so at most one is
// ever open. Without a token no connection attempt is made.
func (m *RealtimeManager) ConnectGlobal(ctx context.Context) error {
	return m.connect(ctx, ScopeGlobal, 0)
}

// ConnectConversation opens the socket scoped to one conversation. It must be
// re-invoked when the viewed conversation changes: the server scopes delivery
// by connection, so the prior socket is always torn down first.
func (m *RealtimeManager) ConnectConversation(ctx context.Context, conversationID int) error {
	return m.connect(ctx, ScopeConversation, conversationID)
}

func (m *RealtimeManager) connect(ctx context.Context, scope Scope, conversationID int) error {
	token := m.client.Token()
	if token == "" {
		m.log.Debug("connect skipped, not authenticated", zap.String("scope", string(scope)))
		return ErrNotAuthenticated
	}
	if TokenExpired(token, time.Now()) {
		m.client.evictToken("token expired before socket dial")
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	m.teardownLocked(scope)
	linkCtx, cancel := context.WithCancel(ctx)
	link := &wsLink{
		scope:          scope,
		conversationID: conversationID,
		state:          StateConnecting,
		cancel:         cancel,
		ctx:            linkCtx,
		recon:          newReconnector(&m.config),
	}
	m.links[scope] = link
	m.mu.Unlock()
	m.emitState(scope, StateConnecting)

	if err := m.dial(link); err != nil {
		m.mu.Lock()
		if m.links[scope] == link {
			delete(m.links, scope)
		}
		m.mu.Unlock()
		cancel()
		m.emitState(scope, StateDisconnected)
		return err
	}
	return nil
}

// dial performs one handshake attempt for a link and, on success, starts its
// read loop.
func (m *RealtimeManager) dial(link *wsLink) error {
	conn, _, err := websocket.Dial(link.ctx, m.socketURL(link), nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", link.scope, err)
	}

	m.mu.Lock()
	if m.links[link.scope] != link {
		// The slot was replaced or torn down while dialing.
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	link.conn = conn
	link.state = StateConnected
	m.mu.Unlock()

	link.recon.markConnected()
	m.emitState(link.scope, StateConnected)
	m.log.Debug("socket connected",
		zap.String("scope", string(link.scope)),
		zap.Int("conversation_id", link.conversationID))

	go m.readLoop(link)
	return nil
}

// socketURL builds the authenticated endpoint for a link. The token rides in
// the query string: the handshake cannot carry an Authorization header, and
// the backend expects it there.
func (m *RealtimeManager) socketURL(link *wsLink) string {
	base := strings.Replace(m.client.BaseURL(), "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	token := url.QueryEscape(m.client.Token())
	if link.scope == ScopeConversation {
		return fmt.Sprintf("%s/conversations/%d/ws?token=%s", base, link.conversationID, token)
	}
	return base + "/conversations/ws?token=" + token
}

// Disconnect closes the named scope's socket and clears its slot. Idempotent:
// disconnecting an absent or already-closed scope is a no-op.
func (m *RealtimeManager) Disconnect(scope Scope) {
	m.mu.Lock()
	closed := m.teardownLocked(scope)
	m.mu.Unlock()
	if closed {
		m.emitState(scope, StateDisconnected)
	}
}

// DisconnectAll closes both scopes. Called on session destruction.
func (m *RealtimeManager) DisconnectAll() {
	m.Disconnect(ScopeConversation)
	m.Disconnect(ScopeGlobal)
}

// Close tears down all sockets and detaches the manager from the client.
func (m *RealtimeManager) Close() {
	m.DisconnectAll()
	if m.cancelEviction != nil {
		m.cancelEviction()
		m.cancelEviction = nil
	}
}

func (m *RealtimeManager) teardownLocked(scope Scope) bool {
	link, ok := m.links[scope]
	if !ok {
		return false
	}
	delete(m.links, scope)
	link.intentional = true
	link.cancel()
	if link.conn != nil {
		link.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	link.state = StateDisconnected
	return true
}

// SendReadReceipt acknowledges the given message ids over the conversation
// socket. Read receipts are best-effort: with no open conversation socket the
// receipt is logged and dropped, and a send failure is never surfaced.
func (m *RealtimeManager) SendReadReceipt(ctx context.Context, messageIDs []int) error {
	ids := dedupeIDs(messageIDs)
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	link := m.links[ScopeConversation]
	var conn *websocket.Conn
	if link != nil && link.state == StateConnected {
		conn = link.conn
	}
	m.mu.Unlock()

	if conn == nil {
		m.log.Debug("read receipt dropped, conversation socket not open",
			zap.Ints("message_ids", ids))
		return nil
	}

	data, err := json.Marshal(readReceiptFrame{Type: frameTypeReadReceipt, MessageIDs: ids})
	if err != nil {
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.log.Debug("read receipt send failed", zap.Error(err))
		return nil
	}
	m.thread.MarkRead(ids)
	return nil
}

func dedupeIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// ============================================================================
// Read loop and dispatch
// ============================================================================

func (m *RealtimeManager) readLoop(link *wsLink) {
	for {
		_, data, err := link.conn.Read(link.ctx)
		if err != nil {
			m.handleClosure(link, err)
			return
		}

		ev, perr := ParseFrame(data)
		if perr != nil {
			m.log.Warn("dropping undecodable frame",
				zap.String("scope", string(link.scope)), zap.Error(perr))
			continue
		}
		m.dispatch(link, ev)
	}
}

func (m *RealtimeManager) handleClosure(link *wsLink, cause error) {
	m.mu.Lock()
	if link.intentional || m.links[link.scope] != link {
		m.mu.Unlock()
		return
	}
	link.conn = nil
	link.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn("socket closed unexpectedly",
		zap.String("scope", string(link.scope)), zap.Error(cause))
	m.emitState(link.scope, StateDisconnected)

	if m.config.AutoReconnect && link.recon.shouldReconnect() {
		go m.reconnectLoop(link)
		return
	}

	// Legacy fallback: a single delayed inbox refresh to eventually notice
	// missed events. Exactly one, never a retry loop.
	time.AfterFunc(m.config.FallbackRefreshDelay, func() {
		if link.ctx.Err() != nil || !m.client.Authenticated() {
			return
		}
		_ = m.store.Refresh(link.ctx)
	})
}

// reconnectLoop redials with exponential backoff and, once reconnected, runs
// an idempotent inbox resync to cover any events missed while down.
func (m *RealtimeManager) reconnectLoop(link *wsLink) {
	for {
		delay := link.recon.nextDelay()
		m.mu.Lock()
		if m.links[link.scope] != link {
			m.mu.Unlock()
			return
		}
		link.state = StateReconnecting
		m.mu.Unlock()
		m.emitState(link.scope, StateReconnecting)
		m.log.Info("reconnecting",
			zap.String("scope", string(link.scope)),
			zap.Int("attempt", link.recon.attempt),
			zap.Duration("delay", delay))

		select {
		case <-link.ctx.Done():
			return
		case <-time.After(delay):
		}

		if !m.client.Authenticated() {
			m.mu.Lock()
			if m.links[link.scope] == link {
				delete(m.links, link.scope)
				link.state = StateDisconnected
			}
			m.mu.Unlock()
			m.emitState(link.scope, StateDisconnected)
			return
		}

		if err := m.dial(link); err == nil {
			go func() { _ = m.store.Refresh(link.ctx) }()
			return
		}

		if !link.recon.shouldReconnect() {
			m.mu.Lock()
			if m.links[link.scope] == link {
				delete(m.links, link.scope)
				link.state = StateDisconnected
			}
			m.mu.Unlock()
			m.emitState(link.scope, StateDisconnected)
			m.log.Warn("reconnect attempts exhausted", zap.String("scope", string(link.scope)))
			return
		}
	}
}

func (m *RealtimeManager) dispatch(link *wsLink, ev Event) {
	switch ev := ev.(type) {
	case UnreadCountEvent:
		m.store.setCount(ev.Count)

	case OfferAcceptedEvent:
		m.log.Info("offer accepted",
			zap.Int("conversation_id", ev.ConversationID),
			zap.Int("project_id", ev.ProjectID))
		if m.handlers.OnOfferAccepted != nil {
			m.handlers.OnOfferAccepted(ev)
		}

	case ConversationClosedEvent:
		m.thread.Close(ev.Reason)
		if m.handlers.OnConversationClosed != nil {
			m.handlers.OnConversationClosed(ev.ConversationID, ev.Reason)
		}
		go func() { _ = m.store.Refresh(link.ctx) }()

	case ClosedWithMessageEvent:
		if ev.Message != nil {
			m.thread.Append(ev.ConversationID, *ev.Message)
		} else {
			m.log.Warn("bundled close frame carried malformed message, closing without append",
				zap.Int("conversation_id", ev.ConversationID))
		}
		m.thread.Close(ev.Reason)
		if m.handlers.OnConversationClosed != nil {
			m.handlers.OnConversationClosed(ev.ConversationID, ev.Reason)
		}

	case ChatMessageEvent:
		if ev.ConversationID == m.thread.ConversationID() {
			if m.thread.Append(ev.ConversationID, ev.Message) && m.handlers.OnMessage != nil {
				m.handlers.OnMessage(ev)
			}
			return
		}
		// A message for a thread not being viewed. The push does not carry
		// the new global count, so re-pull it, unless we sent the message.
		if ev.Message.SenderID != m.config.SelfUserID {
			go func() { _ = m.store.Refresh(link.ctx) }()
		}
	}
}

func (m *RealtimeManager) emitState(scope Scope, state RealtimeState) {
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(scope, state)
	}
}
