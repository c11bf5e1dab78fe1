package linguapledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPollInterval is the fallback polling cadence of the inbox store.
// Polling is a redundancy against missed push events, not a primary delivery
// mechanism.
const DefaultPollInterval = 60 * time.Second

// ============================================================================
// Subscriber registry
// ============================================================================

// subscriberSet is a goroutine-safe registry of callbacks keyed by random id,
// so that unsubscribing one consumer never disturbs another.
type subscriberSet[T any] struct {
	mu    sync.RWMutex
	subs  map[string]T
	order []string
}

func newSubscriberSet[T any]() *subscriberSet[T] {
	return &subscriberSet[T]{subs: make(map[string]T)}
}

func (s *subscriberSet[T]) add(sub T) (cancel func()) {
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = sub
	s.order = append(s.order, id)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *subscriberSet[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.subs))
	for _, id := range s.order {
		if sub, ok := s.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// ============================================================================
// InboxStore
// ============================================================================

// InboxStore is the single source of truth for the unread message counter.
// Every badge or view reads the same value; exactly one REST pull happens per
// Refresh invocation no matter how many subscribers are registered.
//
// While no bearer token is present the count is pinned to 0 and no REST call
// is attempted.
type InboxStore struct {
	client       *Client
	log          *zap.Logger
	pollInterval time.Duration

	subs *subscriberSet[func(int)]

	mu         sync.Mutex
	count      int
	refreshing bool
	stopPoll   func()

	cancelEviction func()
}

// InboxStoreOption configures an InboxStore.
type InboxStoreOption func(*InboxStore)

// WithPollInterval overrides the fallback polling cadence.
func WithPollInterval(d time.Duration) InboxStoreOption {
	return func(s *InboxStore) { s.pollInterval = d }
}

// NewInboxStore creates the shared unread-count store. The store resets to 0
// whenever the client's token is evicted.
func NewInboxStore(client *Client, opts ...InboxStoreOption) *InboxStore {
	s := &InboxStore{
		client:       client,
		log:          client.Logger().Named("inbox"),
		pollInterval: DefaultPollInterval,
		subs:         newSubscriberSet[func(int)](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancelEviction = client.OnTokenEvicted(func() {
		s.setCount(0)
	})
	return s
}

// Count returns the current unread total. Always >= 0.
func (s *InboxStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Subscribe registers a change listener, invoked with the new count after
// every change. The returned cancel func unregisters it; calling cancel more
// than once is harmless.
func (s *InboxStore) Subscribe(fn func(count int)) (cancel func()) {
	return s.subs.add(fn)
}

// Refresh pulls the inbox summary and replaces the counter with the
// server-reported total. Exactly one REST call is made per invocation; a
// Refresh that arrives while another is already in flight is coalesced into
// it and returns immediately.
//
// With no token present, Refresh pins the count to 0 without any REST call.
func (s *InboxStore) Refresh(ctx context.Context) error {
	if !s.client.Authenticated() {
		s.setCount(0)
		return nil
	}

	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	summary, err := s.client.Conversations().Summary(ctx)
	if err != nil {
		s.log.Warn("inbox refresh failed", zap.Error(err))
		return err
	}
	s.setCount(summary.TotalUnreadCount)
	return nil
}

// StartPolling begins the fallback pull cadence. It is a no-op if polling is
// already running. The first pull happens after one full interval; initial
// hydration is the caller's explicit Refresh.
func (s *InboxStore) StartPolling(ctx context.Context) {
	s.mu.Lock()
	if s.stopPoll != nil {
		s.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.stopPoll = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				_ = s.Refresh(pollCtx)
			}
		}
	}()
}

// StopPolling cancels the fallback pull cadence. Idempotent.
func (s *InboxStore) StopPolling() {
	s.mu.Lock()
	cancel := s.stopPoll
	s.stopPoll = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops polling and detaches the store from the client.
func (s *InboxStore) Close() {
	s.StopPolling()
	if s.cancelEviction != nil {
		s.cancelEviction()
		s.cancelEviction = nil
	}
}

// setCount replaces the counter, clamping at zero, and notifies subscribers
// when the value changed.
func (s *InboxStore) setCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	changed := s.count != n
	s.count = n
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range s.subs.snapshot() {
		fn(n)
	}
}

// ============================================================================
// ThreadStore
// ============================================================================

// ThreadStore holds the message log of the one conversation currently being
// viewed. Messages are keyed by id and inserted idempotently, so a REST
// refresh racing a live push cannot duplicate a message. Navigating to a
// different conversation replaces the store contents wholesale.
type ThreadStore struct {
	mu             sync.Mutex
	conversationID int
	status         ConversationStatus
	closeReason    CloseReason
	demoVideoURL   *string
	byID           map[int]int
	messages       []Message
}

// NewThreadStore creates an empty thread store.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{byID: make(map[int]int)}
}

// Load replaces the store with a freshly fetched thread. Any state belonging
// to a previously viewed conversation is discarded.
func (t *ThreadStore) Load(conv *Conversation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationID = conv.ID
	t.status = conv.Status
	t.closeReason = ""
	t.demoVideoURL = conv.StudentDemoVideoURL
	t.byID = make(map[int]int, len(conv.Messages))
	t.messages = make([]Message, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		if _, dup := t.byID[msg.ID]; dup {
			continue
		}
		t.byID[msg.ID] = len(t.messages)
		t.messages = append(t.messages, msg)
	}
}

// Append inserts a message in arrival order. A message whose id is already
// present updates the stored copy in place instead of duplicating it.
// Messages for a different conversation are rejected. Reports whether the
// log changed.
func (t *ThreadStore) Append(conversationID int, msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.conversationID {
		return false
	}
	if idx, ok := t.byID[msg.ID]; ok {
		t.messages[idx] = msg
		return false
	}
	t.byID[msg.ID] = len(t.messages)
	t.messages = append(t.messages, msg)
	return true
}

// Close marks the thread closed with a classified reason. Closing an already
// closed thread keeps the first reason.
func (t *ThreadStore) Close(reason CloseReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == ConversationClosed {
		return
	}
	t.status = ConversationClosed
	t.closeReason = reason
}

// ConversationID returns the id of the loaded thread, 0 when empty.
func (t *ThreadStore) ConversationID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Status returns the thread's lifecycle state.
func (t *ThreadStore) Status() ConversationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// CloseReason returns the classified close reason, "" while open.
func (t *ThreadStore) CloseReason() CloseReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeReason
}

// Messages returns a copy of the message log in arrival order.
func (t *ThreadStore) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// UnreadIDs returns ids of messages not sent by selfID and not yet read,
// sorted ascending. Used to build read receipts.
func (t *ThreadStore) UnreadIDs(selfID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	for _, msg := range t.messages {
		if msg.SenderID != selfID && !msg.IsRead {
			ids = append(ids, msg.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// MarkRead flags the given message ids as read locally.
func (t *ThreadStore) MarkRead(ids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if idx, ok := t.byID[id]; ok {
			t.messages[idx].IsRead = true
		}
	}
}
