package linguapledge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Frame Types
// ============================================================================

// FrameType discriminates inbound real-time frames. A frame without a "type"
// field is an ordinary chat message.
type FrameType string

const (
	FrameUnreadCountUpdate  FrameType = "UNREAD_COUNT_UPDATE"
	FrameOfferAccepted      FrameType = "OFFER_ACCEPTED"
	FrameConversationClosed FrameType = "CONVERSATION_CLOSED"
	FrameMessageAndClosed   FrameType = "MESSAGE_AND_CONVERSATION_CLOSED"
	frameTypeReadReceipt    FrameType = "READ_RECEIPT" // outbound only
)

// CloseReason is the user-facing classification of why a conversation closed.
type CloseReason string

const (
	CloseStudentLeft      CloseReason = "student_left"
	CloseTeacherLeft      CloseReason = "teacher_left"
	CloseRequestCancelled CloseReason = "request_cancelled"
	CloseDefault          CloseReason = "closed"
)

// classifyCloseReason maps the raw reason string from the wire onto a known
// CloseReason, falling back to CloseDefault for anything unrecognized.
func classifyCloseReason(raw string) CloseReason {
	switch CloseReason(raw) {
	case CloseStudentLeft, CloseTeacherLeft, CloseRequestCancelled:
		return CloseReason(raw)
	default:
		return CloseDefault
	}
}

// Description returns the user-facing text for a close reason.
func (r CloseReason) Description() string {
	switch r {
	case CloseStudentLeft:
		return "The student has left the conversation."
	case CloseTeacherLeft:
		return "The teacher has left the conversation."
	case CloseRequestCancelled:
		return "The content request was cancelled."
	default:
		return "This conversation has been closed."
	}
}

// ============================================================================
// Events (tagged union over inbound frames)
// ============================================================================

// Event is one classified inbound real-time frame. Concrete types:
// UnreadCountEvent, OfferAcceptedEvent, ConversationClosedEvent,
// ClosedWithMessageEvent, ChatMessageEvent.
type Event interface {
	frameType() FrameType
}

// UnreadCountEvent replaces the shared unread counter with a server-computed
// total.
type UnreadCountEvent struct {
	Count int
}

// OfferAcceptedEvent signals that a negotiated offer became a funded project.
// The view layer is expected to navigate to the new project.
type OfferAcceptedEvent struct {
	ConversationID int
	ProjectID      int
}

// ConversationClosedEvent signals a thread closed with no trailing message.
type ConversationClosedEvent struct {
	ConversationID int
	Reason         CloseReason
}

// ClosedWithMessageEvent bundles a final chat message with a closure.
// Message is nil when the bundled message payload was malformed; the closure
// still applies.
type ClosedWithMessageEvent struct {
	ConversationID int
	Message        *Message
	Reason         CloseReason
}

// ChatMessageEvent is an ordinary message pushed into an open conversation.
type ChatMessageEvent struct {
	ConversationID int
	Message        Message
}

func (UnreadCountEvent) frameType() FrameType        { return FrameUnreadCountUpdate }
func (OfferAcceptedEvent) frameType() FrameType      { return FrameOfferAccepted }
func (ConversationClosedEvent) frameType() FrameType { return FrameConversationClosed }
func (ClosedWithMessageEvent) frameType() FrameType  { return FrameMessageAndClosed }
func (ChatMessageEvent) frameType() FrameType        { return "" }

// ============================================================================
// Wire envelopes
// ============================================================================

type frameEnvelope struct {
	Type           FrameType       `json:"type"`
	UnreadCount    *int            `json:"unread_count,omitempty"`
	ConversationID int             `json:"conversation_id,omitempty"`
	ProjectID      int             `json:"project_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
}

// chatFrame is the shape of a plain (untyped) chat message frame.
type chatFrame struct {
	ConversationID int `json:"conversation_id"`
	Message
}

// readReceiptFrame is the outbound acknowledgement that message ids were seen.
type readReceiptFrame struct {
	Type       FrameType `json:"type"`
	MessageIDs []int     `json:"message_ids"`
}

// ParseFrame classifies one inbound frame. It never panics on malformed
// input: a bundled-close frame whose message field is not a JSON object
// yields a ClosedWithMessageEvent with a nil Message, so the closure can
// still be applied without appending garbage to the thread.
func ParseFrame(data []byte) (Event, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case FrameUnreadCountUpdate:
		count := 0
		if env.UnreadCount != nil {
			count = *env.UnreadCount
		}
		if count < 0 {
			count = 0
		}
		return UnreadCountEvent{Count: count}, nil

	case FrameOfferAccepted:
		return OfferAcceptedEvent{
			ConversationID: env.ConversationID,
			ProjectID:      env.ProjectID,
		}, nil

	case FrameConversationClosed:
		return ConversationClosedEvent{
			ConversationID: env.ConversationID,
			Reason:         classifyCloseReason(env.Reason),
		}, nil

	case FrameMessageAndClosed:
		ev := ClosedWithMessageEvent{
			ConversationID: env.ConversationID,
			Reason:         classifyCloseReason(env.Reason),
		}
		if msg, ok := decodeBundledMessage(env.Message); ok {
			ev.Message = msg
		}
		return ev, nil

	case "":
		// No type field: an ordinary chat message.
		var frame chatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode chat frame: %w", err)
		}
		return ChatMessageEvent{
			ConversationID: frame.ConversationID,
			Message:        frame.Message,
		}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// decodeBundledMessage extracts the message payload of a bundled-close frame.
// Returns ok=false when the field is absent, null, or not a JSON object.
func decodeBundledMessage(raw json.RawMessage) (*Message, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || trimmed[0] != '{' {
		return nil, false
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false
	}
	return &msg, true
}
