package linguapledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameUnreadCount(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"UNREAD_COUNT_UPDATE","unread_count":7}`))
	require.NoError(t, err)
	require.IsType(t, UnreadCountEvent{}, ev)
	assert.Equal(t, 7, ev.(UnreadCountEvent).Count)
}

func TestParseFrameUnreadCountNegativeClamped(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"UNREAD_COUNT_UPDATE","unread_count":-3}`))
	require.NoError(t, err)
	assert.Equal(t, 0, ev.(UnreadCountEvent).Count)
}

func TestParseFrameUnreadCountMissingField(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"UNREAD_COUNT_UPDATE"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, ev.(UnreadCountEvent).Count)
}

func TestParseFrameOfferAccepted(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"type":"OFFER_ACCEPTED","conversation_id":4,"project_id":99}`))
	require.NoError(t, err)
	offer := ev.(OfferAcceptedEvent)
	assert.Equal(t, 4, offer.ConversationID)
	assert.Equal(t, 99, offer.ProjectID)
}

func TestParseFrameConversationClosed(t *testing.T) {
	t.Run("known reason", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"CONVERSATION_CLOSED","conversation_id":2,"reason":"teacher_left"}`))
		require.NoError(t, err)
		closed := ev.(ConversationClosedEvent)
		assert.Equal(t, 2, closed.ConversationID)
		assert.Equal(t, CloseTeacherLeft, closed.Reason)
	})

	t.Run("unknown reason falls back to default", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"CONVERSATION_CLOSED","conversation_id":2,"reason":"meteor_strike"}`))
		require.NoError(t, err)
		assert.Equal(t, CloseDefault, ev.(ConversationClosedEvent).Reason)
	})

	t.Run("absent reason falls back to default", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"CONVERSATION_CLOSED","conversation_id":2}`))
		require.NoError(t, err)
		assert.Equal(t, CloseDefault, ev.(ConversationClosedEvent).Reason)
	})
}

func TestParseFrameBundledClose(t *testing.T) {
	t.Run("well-formed message", func(t *testing.T) {
		raw := `{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"reason":"student_left",` +
			`"message":{"id":10,"sender_id":5,"content":"bye","created_at":"2026-01-02T03:04:05"}}`
		ev, err := ParseFrame([]byte(raw))
		require.NoError(t, err)
		bundled := ev.(ClosedWithMessageEvent)
		require.NotNil(t, bundled.Message)
		assert.Equal(t, 10, bundled.Message.ID)
		assert.Equal(t, "bye", bundled.Message.Content)
		assert.Equal(t, CloseStudentLeft, bundled.Reason)
	})

	t.Run("null message yields close without append", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"message":null}`))
		require.NoError(t, err)
		bundled := ev.(ClosedWithMessageEvent)
		assert.Nil(t, bundled.Message)
		assert.Equal(t, CloseDefault, bundled.Reason)
	})

	t.Run("non-object message yields close without append", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"message":"oops"}`))
		require.NoError(t, err)
		assert.Nil(t, ev.(ClosedWithMessageEvent).Message)
	})

	t.Run("absent message yields close without append", func(t *testing.T) {
		ev, err := ParseFrame([]byte(`{"type":"MESSAGE_AND_CONVERSATION_CLOSED","conversation_id":3,"reason":"request_cancelled"}`))
		require.NoError(t, err)
		bundled := ev.(ClosedWithMessageEvent)
		assert.Nil(t, bundled.Message)
		assert.Equal(t, CloseRequestCancelled, bundled.Reason)
	})
}

func TestParseFramePlainChatMessage(t *testing.T) {
	raw := `{"conversation_id":8,"id":41,"sender_id":2,"content":"hola","created_at":"2026-01-02T03:04:05"}`
	ev, err := ParseFrame([]byte(raw))
	require.NoError(t, err)
	chat := ev.(ChatMessageEvent)
	assert.Equal(t, 8, chat.ConversationID)
	assert.Equal(t, 41, chat.Message.ID)
	assert.Equal(t, "hola", chat.Message.Content)
}

func TestParseFrameUnknownType(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":"TYPING_INDICATOR"}`))
	assert.Error(t, err)
}

func TestParseFrameInvalidJSON(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`))
	assert.Error(t, err)
}

func TestCloseReasonDescription(t *testing.T) {
	assert.Equal(t, "The student has left the conversation.", CloseStudentLeft.Description())
	assert.Equal(t, "The teacher has left the conversation.", CloseTeacherLeft.Description())
	assert.Equal(t, "The content request was cancelled.", CloseRequestCancelled.Description())
	assert.Equal(t, "This conversation has been closed.", CloseDefault.Description())
	assert.Equal(t, "This conversation has been closed.", CloseReason("whatever").Description())
}
