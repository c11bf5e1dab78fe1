package linguapledge

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the LinguaPledge backend.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return "request failed"
}

// IsAuthError reports whether the error carries an HTTP 401 or 403 status.
func (e *APIError) IsAuthError() bool {
	return e.Status == 401 || e.Status == 403
}

// UserRole is the role of a platform user.
type UserRole string

const (
	RoleStudent   UserRole = "student"
	RoleTeacher   UserRole = "teacher"
	RoleModerator UserRole = "moderator"
	RoleAdmin     UserRole = "admin"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// ============================================================================
// Auth Types
// ============================================================================

// TokenResponse is the result of a password login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// RegisterOptions creates a new user account.
type RegisterOptions struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	FullName string   `json:"full_name"`
	Role     UserRole `json:"role"`
}

// ============================================================================
// User Types
// ============================================================================

// UserPublic is the public profile of a participant.
type UserPublic struct {
	ID        int      `json:"id"`
	FullName  string   `json:"full_name"`
	AvatarURL *string  `json:"avatar_url,omitempty"`
	Role      UserRole `json:"role"`
}

// User is the authenticated user's own account record.
type User struct {
	ID        int      `json:"id"`
	Email     string   `json:"email"`
	FullName  string   `json:"full_name"`
	AvatarURL *string  `json:"avatar_url,omitempty"`
	Role      UserRole `json:"role"`
	CreatedAt string   `json:"created_at,omitempty"`
}

// ============================================================================
// Conversation Types
// ============================================================================

// Message is a single chat message within a conversation.
type Message struct {
	ID                 int    `json:"id"`
	SenderID           int    `json:"sender_id"`
	Content            string `json:"content"`
	CreatedAt          string `json:"created_at"`
	IsRead             bool   `json:"is_read,omitempty"`
	RepliedToMessageID *int   `json:"replied_to_message_id,omitempty"`
}

// ConversationSummary is one row of the inbox list. It is a lazily-fetched,
// eventually-consistent view; rows may be stale until the next list refresh.
type ConversationSummary struct {
	ID                   int                `json:"id"`
	RequestID            int                `json:"request_id"`
	TeacherID            int                `json:"teacher_id"`
	StudentID            int                `json:"student_id"`
	Status               ConversationStatus `json:"status"`
	UpdatedAt            string             `json:"updated_at"`
	RequestTitle         string             `json:"request_title"`
	OtherParticipant     UserPublic         `json:"other_participant"`
	LastMessageContent   *string            `json:"last_message_content,omitempty"`
	LastMessageCreatedAt *string            `json:"last_message_created_at,omitempty"`
	UnreadMessagesCount  int                `json:"unread_messages_count"`
}

// Conversation is the full thread view, messages included.
type Conversation struct {
	ID                  int                `json:"id"`
	RequestID           int                `json:"request_id"`
	TeacherID           int                `json:"teacher_id"`
	StudentID           int                `json:"student_id"`
	Status              ConversationStatus `json:"status"`
	StudentDemoVideoURL *string            `json:"student_demo_video_url,omitempty"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at"`
	RequestTitle        string             `json:"request_title"`
	Teacher             UserPublic         `json:"teacher"`
	Student             UserPublic         `json:"student"`
	Messages            []Message          `json:"messages"`
}

// InboxSummary is the response of GET /conversations/summary.
type InboxSummary struct {
	Conversations    []ConversationSummary `json:"conversations"`
	TotalUnreadCount int                   `json:"total_unread_count"`
}

// CreateConversationOptions opens a conversation against a content request.
type CreateConversationOptions struct {
	RequestID int `json:"request_id"`
}

// SendMessageOptions is the body of POST /conversations/{id}/messages.
type SendMessageOptions struct {
	Content string `json:"content"`
}

// DemoVideoUpdate sets the student demo video on a conversation.
type DemoVideoUpdate struct {
	URL string `json:"url"`
}

// ============================================================================
// Notification Types
// ============================================================================

// Notification is a single inbox notification.
type Notification struct {
	ID        int     `json:"id"`
	UserID    int     `json:"user_id"`
	Content   string  `json:"content"`
	Link      *string `json:"link,omitempty"`
	IsRead    bool    `json:"is_read"`
	CreatedAt string  `json:"created_at"`
}
