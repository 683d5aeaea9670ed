// Package gateway defines the boundary contract with the remote store. The
// engine is built against this interface; the process-scoped implementation
// is constructed once at startup and injected into both synchronizers.
package gateway

import (
	"context"

	"github.com/socialfusion/chatsync/internal/model"
)

// Cursor marks a position in a chat's message history for paginated fetches.
// The zero value means "from the newest".
type Cursor struct {
	CreatedAt int64
	ID        string
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool { return c.CreatedAt == 0 && c.ID == "" }

// MembershipFlags carries optional per-membership toggles. Nil fields are
// left unchanged.
type MembershipFlags struct {
	Archived *bool
	Muted    *bool
}

// Gateway executes point queries, paginated list queries, and mutations
// against the remote store on behalf of one authenticated user. All
// operations honor ctx cancellation.
type Gateway interface {
	// UserID identifies the acting user all scoped operations run as.
	UserID() string

	// FetchMessages returns up to limit messages of chatID strictly older
	// than the cursor (or the newest when the cursor is zero), oldest-first.
	FetchMessages(ctx context.Context, chatID string, limit int, before Cursor) ([]model.Message, error)

	// SendMessage persists a new message and returns the authoritative
	// server record. The sender's own read receipt is upserted as part of
	// the write.
	SendMessage(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error)

	// EditMessage rewrites content of a message the acting user sent.
	// Editing another sender's message fails with ErrUnauthorized.
	EditMessage(ctx context.Context, messageID, newContent string) error

	// SoftDeleteMessage marks a message the acting user sent as deleted.
	// The row is never removed.
	SoftDeleteMessage(ctx context.Context, messageID string) error

	// UpsertReadReceipt records that the acting user read messageID and
	// advances the membership's lastReadAt. Idempotent per (message, user).
	UpsertReadReceipt(ctx context.Context, chatID, messageID string) error

	// FetchUserChats returns the acting user's chat summaries.
	FetchUserChats(ctx context.Context) ([]model.ChatSummary, error)

	// FetchChatSummary re-derives a single chat summary.
	FetchChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error)

	// CreateDirectChat creates a chat with the given other participants, or
	// returns the existing direct chat when exactly one participant is named
	// and a non-group chat between the pair already exists. More than one
	// participant creates a group; the creator joins as admin.
	CreateDirectChat(ctx context.Context, participantIDs []string) (*model.Chat, error)

	// SetMembershipFlags updates the acting user's archive/mute toggles.
	SetMembershipFlags(ctx context.Context, chatID string, flags MembershipFlags) error

	// DeleteMembership removes the acting user from chatID (leave).
	DeleteMembership(ctx context.Context, chatID string) error

	// SetPresence broadcasts the acting user's online flag. Best-effort.
	SetPresence(ctx context.Context, online bool) error

	// SetTyping broadcasts that the acting user started or stopped
	// composing in chatID. Best-effort, never persisted.
	SetTyping(ctx context.Context, chatID string, typing bool) error
}
