package model

// MessageType enumerates supported message content kinds.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
	TypeVoice MessageType = "voice"
)

// Role enumerates membership roles within a chat.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is a chat participant's profile.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Avatar   string `json:"avatar_url"`
	IsOnline bool   `json:"is_online"`
	LastSeen int64  `json:"last_seen"`
}

// Chat is a conversation. Group display fields are meaningful only when
// IsGroup is set.
type Chat struct {
	ID         string `json:"id"`
	IsGroup    bool   `json:"is_group"`
	GroupName  string `json:"group_name"`
	GroupDesc  string `json:"group_description"`
	GroupIcon  string `json:"group_avatar_url"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  int64  `json:"created_at"`
}

// Membership is one user's relationship to one chat. There is at most one
// row per (user, chat) pair; unread counts and visibility are computed
// across it.
type Membership struct {
	UserID     string `json:"user_id"`
	ChatID     string `json:"chat_id"`
	Role       Role   `json:"role"`
	JoinedAt   int64  `json:"joined_at"`
	LastReadAt int64  `json:"last_read_at"` // 0 = never read
	IsMuted    bool   `json:"is_muted"`
	IsArchived bool   `json:"is_archived"`

	User User `json:"user"`
}

// Message is a single chat message. Timestamps are unix milliseconds.
// A deleted message keeps its row; IsDeleted marks it so position and
// reply references survive.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	ReplyToID string      `json:"reply_to_id"` // weak reference, resolved by lookup
	IsDeleted bool        `json:"is_deleted"`
	IsEdited  bool        `json:"is_edited"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
	EditedAt  int64       `json:"edited_at"`
}

// Key returns the message identity for reconciliation.
func (m Message) Key() string { return m.ID }

// Before orders messages by createdAt ascending, ties broken by id so the
// ordering is deterministic regardless of arrival order.
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// TypingIndicator is a transient broadcast that a user is composing in a
// chat. Never persisted; it only ever travels the event channel.
type TypingIndicator struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceipt records that a user has read a message. At most one per
// (message, user) pair.
type ReadReceipt struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	ReadAt    int64  `json:"read_at"`
}

// ChatSummary is the chat-list projection: a chat, its memberships, its most
// recent message, and the current user's unread count. It is recomputed from
// its sources, never mutated independently.
type ChatSummary struct {
	Chat        Chat         `json:"chat"`
	Memberships []Membership `json:"memberships"`
	LastMessage *Message     `json:"last_message"`
	UnreadCount int          `json:"unread_count"`
}

// Key returns the chat identity for reconciliation.
func (s ChatSummary) Key() string { return s.Chat.ID }

// Before orders summaries by most-recent-message time descending. Chats with
// no messages sort last (epoch 0). Ties broken by chat id.
func (s ChatSummary) Before(o ChatSummary) bool {
	a, b := s.LastMessageAt(), o.LastMessageAt()
	if a != b {
		return a > b
	}
	return s.Chat.ID < o.Chat.ID
}

// LastMessageAt returns the last message timestamp, or 0 when the chat has
// no messages.
func (s ChatSummary) LastMessageAt() int64 {
	if s.LastMessage == nil {
		return 0
	}
	return s.LastMessage.CreatedAt
}
