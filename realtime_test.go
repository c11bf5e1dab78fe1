package linguapledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test harness: one server speaking both REST and WebSocket
// ============================================================================

var convSocketPath = regexp.MustCompile(`^/conversations/(\d+)/ws$`)

// serverConn is one accepted socket on the fake backend.
type serverConn struct {
	conn    *websocket.Conn
	token   string
	inbound chan []byte
	closed  chan struct{}
}

func (sc *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, sc.conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (sc *serverConn) close() {
	sc.conn.Close(websocket.StatusNormalClosure, "server closing")
}

type fakeBackend struct {
	srv          *httptest.Server
	unread       atomic.Int32
	summaryCalls atomic.Int32
	globalConns  chan *serverConn
	convConns    chan *serverConn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		globalConns: make(chan *serverConn, 8),
		convConns:   make(chan *serverConn, 8),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations/summary":
			b.summaryCalls.Add(1)
			json.NewEncoder(w).Encode(InboxSummary{TotalUnreadCount: int(b.unread.Load())})

		case r.URL.Path == "/conversations/ws":
			b.acceptSocket(w, r, b.globalConns)

		case convSocketPath.MatchString(r.URL.Path):
			b.acceptSocket(w, r, b.convConns)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) acceptSocket(w http.ResponseWriter, r *http.Request, out chan *serverConn) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{
		conn:    conn,
		token:   r.URL.Query().Get("token"),
		inbound: make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
	out <- sc
	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			close(sc.closed)
			return
		}
		sc.inbound <- data
	}
}

func (b *fakeBackend) waitConn(t *testing.T, conns chan *serverConn) *serverConn {
	t.Helper()
	select {
	case sc := <-conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket connection")
		return nil
	}
}

func waitClosed(t *testing.T, sc *serverConn) {
	t.Helper()
	select {
	case <-sc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for socket teardown")
	}
}

type rig struct {
	backend *fakeBackend
	client  *Client
	store   *InboxStore
	thread  *ThreadStore
	manager *RealtimeManager
}

func newRig(t *testing.T, config RealtimeConfig, handlers Handlers) *rig {
	t.Helper()
	backend := newFakeBackend(t)
	client := NewClient(WithBaseURL(backend.srv.URL), WithTokenStore(NewMemoryTokenStoreWith("tok-realtime")))
	store := NewInboxStore(client)
	thread := NewThreadStore()
	manager := NewRealtimeManager(client, store, thread, config, handlers)
	t.Cleanup(func() {
		manager.Close()
		store.Close()
	})
	return &rig{backend: backend, client: client, store: store, thread: thread, manager: manager}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestConnectGlobalWithoutToken(t *testing.T) {
	backend := newFakeBackend(t)
	client := NewClient(WithBaseURL(backend.srv.URL)) // no token
	store := NewInboxStore(client)
	defer store.Close()
	manager := NewRealtimeManager(client, store, NewThreadStore(), RealtimeConfig{}, Handlers{})
	defer manager.Close()

	err := manager.ConnectGlobal(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)

	select {
	case <-backend.globalConns:
		t.Fatal("no connection attempt may be made without a token")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, manager.State(ScopeGlobal))
	assert.Equal(t, 0, store.Count())
}

func TestAtMostOneGlobalSocket(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	ctx := context.Background()

	require.NoError(t, r.manager.ConnectGlobal(ctx))
	first := r.backend.waitConn(t, r.backend.globalConns)
	assert.Equal(t, "tok-realtime", first.token, "token rides in the query string")

	require.NoError(t, r.manager.ConnectGlobal(ctx))
	second := r.backend.waitConn(t, r.backend.globalConns)

	waitClosed(t, first)
	assert.Equal(t, StateConnected, r.manager.State(ScopeGlobal))

	require.NoError(t, r.manager.ConnectGlobal(ctx))
	r.backend.waitConn(t, r.backend.globalConns)
	waitClosed(t, second)
}

func TestSwitchingConversationTearsDownOldSocket(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	ctx := context.Background()

	require.NoError(t, r.manager.ConnectConversation(ctx, 1))
	first := r.backend.waitConn(t, r.backend.convConns)

	require.NoError(t, r.manager.ConnectConversation(ctx, 2))
	r.backend.waitConn(t, r.backend.convConns)
	waitClosed(t, first)
}

func TestDisconnectIdempotent(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	sc := r.backend.waitConn(t, r.backend.globalConns)

	r.manager.Disconnect(ScopeGlobal)
	waitClosed(t, sc)
	r.manager.Disconnect(ScopeGlobal)       // second time is a no-op
	r.manager.Disconnect(ScopeConversation) // never opened, still a no-op
	assert.Equal(t, StateDisconnected, r.manager.State(ScopeGlobal))
}

func TestTokenEvictionTearsDownAllSockets(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	ctx := context.Background()

	require.NoError(t, r.manager.ConnectGlobal(ctx))
	require.NoError(t, r.manager.ConnectConversation(ctx, 4))
	global := r.backend.waitConn(t, r.backend.globalConns)
	conv := r.backend.waitConn(t, r.backend.convConns)

	r.client.Logout()
	waitClosed(t, global)
	waitClosed(t, conv)
	assert.Equal(t, StateDisconnected, r.manager.State(ScopeGlobal))
	assert.Equal(t, StateDisconnected, r.manager.State(ScopeConversation))
}

// ============================================================================
// Frame dispatch
// ============================================================================

func TestUnreadCountUpdateReplacesCount(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	sc := r.backend.waitConn(t, r.backend.globalConns)

	sc.send(t, `{"type":"UNREAD_COUNT_UPDATE","unread_count":7}`)
	require.Eventually(t, func() bool { return r.store.Count() == 7 },
		time.Second, 5*time.Millisecond)

	sc.send(t, `{"type":"UNREAD_COUNT_UPDATE","unread_count":2}`)
	require.Eventually(t, func() bool { return r.store.Count() == 2 },
		time.Second, 5*time.Millisecond, "replace, not increment")
}

func TestChatMessageAppendsToViewedThread(t *testing.T) {
	var onMessage atomic.Int32
	r := newRig(t, RealtimeConfig{SelfUserID: 5}, Handlers{
		OnMessage: func(ChatMessageEvent) { onMessage.Add(1) },
	})
	r.thread.Load(&Conversation{ID: 1, Status: ConversationOpen})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 1))
	sc := r.backend.waitConn(t, r.backend.convConns)

	sc.send(t, `{"conversation_id":1,"id":30,"sender_id":6,"content":"hello","created_at":"2026-02-01T10:00:00"}`)
	require.Eventually(t, func() bool { return len(r.thread.Messages()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), onMessage.Load())

	// The same message pushed again (REST refresh racing the push) must not
	// duplicate the entry or re-fire the handler.
	sc.send(t, `{"conversation_id":1,"id":30,"sender_id":6,"content":"hello","created_at":"2026-02-01T10:00:00"}`)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.thread.Messages(), 1)
	assert.Equal(t, int32(1), onMessage.Load())
	assert.Equal(t, int32(0), r.backend.summaryCalls.Load(), "viewed-thread messages do not trigger a re-pull")
}

func TestChatMessageForOtherThreadLeavesLogAndPulls(t *testing.T) {
	r := newRig(t, RealtimeConfig{SelfUserID: 5}, Handlers{})
	r.thread.Load(&Conversation{ID: 1, Status: ConversationOpen, Messages: []Message{
		{ID: 1, SenderID: 6, Content: "existing", CreatedAt: "2026-02-01T09:00:00"},
	}})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	sc := r.backend.waitConn(t, r.backend.globalConns)

	sc.send(t, `{"conversation_id":2,"id":77,"sender_id":6,"content":"elsewhere","created_at":"2026-02-01T10:00:00"}`)
	require.Eventually(t, func() bool { return r.backend.summaryCalls.Load() == 1 },
		time.Second, 5*time.Millisecond, "push carries no count, so the total is re-pulled")
	assert.Len(t, r.thread.Messages(), 1, "thread A's log must be unchanged")
}

func TestOwnMessageElsewhereDoesNotPull(t *testing.T) {
	r := newRig(t, RealtimeConfig{SelfUserID: 5}, Handlers{})
	r.thread.Load(&Conversation{ID: 1, Status: ConversationOpen})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	sc := r.backend.waitConn(t, r.backend.globalConns)

	sc.send(t, `{"conversation_id":2,"id":78,"sender_id":5,"content":"mine","created_at":"2026-02-01T10:00:00"}`)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), r.backend.summaryCalls.Load())
}

func TestOfferAcceptedInvokesHandler(t *testing.T) {
	got := make(chan OfferAcceptedEvent, 1)
	r := newRig(t, RealtimeConfig{}, Handlers{
		OnOfferAccepted: func(ev OfferAcceptedEvent) { got <- ev },
	})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	sc := r.backend.waitConn(t, r.backend.globalConns)
	sc.send(t, `{"type":"OFFER_ACCEPTED","conversation_id":3,"project_id":42}`)

	select {
	case ev := <-got:
		assert.Equal(t, 42, ev.ProjectID)
		assert.Equal(t, 3, ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("OnOfferAccepted was not invoked")
	}
}

func TestConversationClosedMarksThreadAndRefreshes(t *testing.T) {
	got := make(chan CloseReason, 1)
	r := newRig(t, RealtimeConfig{}, Handlers{
		OnConversationClosed: func(_ int, reason CloseReason) { got <- reason },
	})
	r.thread.Load(&Conversation{ID: 6, Status: ConversationOpen})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 6))
	sc := r.backend.waitConn(t, r.backend.convConns)
	sc.send(t, `{"type":"CONVERSATION_CLOSED","conversation_id":6,"reason":"request_cancelled"}`)

	select {
	case reason := <-got:
		assert.Equal(t, CloseRequestCancelled, reason)
	case <-time.After(time.Second):
		t.Fatal("OnConversationClosed was not invoked")
	}
	assert.Equal(t, ConversationClosed, r.thread.Status())
	require.Eventually(t, func() bool { return r.backend.summaryCalls.Load() >= 1 },
		time.Second, 5*time.Millisecond, "closure refreshes the summary list")
}

func TestBundledCloseAppendsThenCloses(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	r.thread.Load(&Conversation{ID: 3, Status: ConversationOpen})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 3))
	sc := r.backend.waitConn(t, r.backend.convConns)
	sc.send(t, `{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"reason":"teacher_left",`+
		`"message":{"id":11,"sender_id":9,"content":"goodbye","created_at":"2026-02-01T10:00:00"}}`)

	require.Eventually(t, func() bool { return r.thread.Status() == ConversationClosed },
		time.Second, 5*time.Millisecond)
	msgs := r.thread.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "goodbye", msgs[0].Content)
	assert.Equal(t, CloseTeacherLeft, r.thread.CloseReason())
}

func TestBundledCloseMalformedMessageStillCloses(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	r.thread.Load(&Conversation{ID: 3, Status: ConversationOpen})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 3))
	sc := r.backend.waitConn(t, r.backend.convConns)
	sc.send(t, `{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"message":null}`)

	require.Eventually(t, func() bool { return r.thread.Status() == ConversationClosed },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, r.thread.Messages(), "no null entry may be appended")
}

// ============================================================================
// Read receipts
// ============================================================================

func TestSendReadReceipt(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})
	r.thread.Load(&Conversation{ID: 2, Status: ConversationOpen, Messages: []Message{
		{ID: 1, SenderID: 6, Content: "a"}, {ID: 2, SenderID: 6, Content: "b"}, {ID: 3, SenderID: 6, Content: "c"},
	}})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 2))
	sc := r.backend.waitConn(t, r.backend.convConns)

	require.NoError(t, r.manager.SendReadReceipt(context.Background(), []int{3, 1, 2, 2}))

	select {
	case data := <-sc.inbound:
		assert.JSONEq(t, `{"type":"READ_RECEIPT","message_ids":[1,2,3]}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("read receipt never arrived")
	}
	assert.Empty(t, r.thread.UnreadIDs(5), "acknowledged messages are marked read locally")
}

func TestSendReadReceiptOnClosedSocketIsSilent(t *testing.T) {
	r := newRig(t, RealtimeConfig{}, Handlers{})

	// No conversation socket was ever opened: best-effort drop, no error.
	require.NoError(t, r.manager.SendReadReceipt(context.Background(), []int{1, 2, 3}))

	select {
	case <-r.backend.convConns:
		t.Fatal("no frame may be observed on the wire")
	case <-time.After(100 * time.Millisecond):
	}
}

// ============================================================================
// Failure recovery
// ============================================================================

func TestUnexpectedClosureTriggersExactlyOneFallbackRefresh(t *testing.T) {
	r := newRig(t, RealtimeConfig{
		AutoReconnect:        false,
		FallbackRefreshDelay: 60 * time.Millisecond,
	}, Handlers{})

	require.NoError(t, r.manager.ConnectConversation(context.Background(), 9))
	sc := r.backend.waitConn(t, r.backend.convConns)

	sc.close()
	require.Eventually(t, func() bool { return r.backend.summaryCalls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// No continuous retry loop: the count stays at exactly one.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), r.backend.summaryCalls.Load())
	select {
	case <-r.backend.convConns:
		t.Fatal("fallback mode must not redial the socket")
	default:
	}
}

func TestAutoReconnectRedialsAndResyncs(t *testing.T) {
	r := newRig(t, RealtimeConfig{
		AutoReconnect:        true,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, Handlers{})
	r.backend.unread.Store(4)

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	first := r.backend.waitConn(t, r.backend.globalConns)

	first.close()
	second := r.backend.waitConn(t, r.backend.globalConns)
	require.NotNil(t, second)

	require.Eventually(t, func() bool { return r.backend.summaryCalls.Load() >= 1 },
		time.Second, 5*time.Millisecond, "reconnect runs an idempotent resync")
	require.Eventually(t, func() bool { return r.store.Count() == 4 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, r.manager.State(ScopeGlobal))
}

func TestStateTransitions(t *testing.T) {
	var states []RealtimeState
	done := make(chan struct{})
	r := newRig(t, RealtimeConfig{}, Handlers{
		OnStateChange: func(scope Scope, state RealtimeState) {
			if scope != ScopeGlobal {
				return
			}
			states = append(states, state)
			if state == StateConnected {
				close(done)
			}
		},
	})

	require.NoError(t, r.manager.ConnectGlobal(context.Background()))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never reached connected state")
	}
	assert.Equal(t, []RealtimeState{StateConnecting, StateConnected}, states)
}
