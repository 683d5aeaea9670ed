// Package store is the SQLite reference implementation of the remote store
// boundary. It satisfies gateway.Gateway for one acting user and publishes a
// channel event for every mutation, standing in for the server's push feed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
	"go.uber.org/zap"
)

// Remote executes gateway operations against the local SQLite store on
// behalf of one user. Several Remotes may share one DB and Hub, which is how
// tests model multiple clients against one server.
type Remote struct {
	db     *DB
	hub    *channel.Hub
	userID string
	logger *zap.Logger
}

// NewRemote creates a gateway bound to the acting user.
func NewRemote(db *DB, hub *channel.Hub, userID string, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{db: db, hub: hub, userID: userID, logger: logger}
}

// UserID returns the acting user's id.
func (r *Remote) UserID() string { return r.userID }

// SetPresence updates the acting user's online flag and last-seen marker.
func (r *Remote) SetPresence(ctx context.Context, online bool) error {
	now := time.Now().UnixMilli()
	lastSeen := int64(0)
	if !online {
		lastSeen = now
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		r.userID, online, lastSeen, now)
	if err != nil {
		return gateway.Transientf("set presence: %v", err)
	}
	return nil
}

// SetTyping broadcasts a typing indicator on the chat's typing topic. The
// indicator is transient: nothing is written to the store.
func (r *Remote) SetTyping(ctx context.Context, chatID string, typing bool) error {
	ok, err := r.isMember(ctx, r.userID, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return gateway.Unauthorizedf("user %q is not a member of chat %q", r.userID, chatID)
	}

	r.hub.Publish(channel.Event{
		Topic:     channel.TypingTopic(chatID),
		Op:        channel.OpUpdate,
		Record:    &model.TypingIndicator{ChatID: chatID, UserID: r.userID, IsTyping: typing},
		Timestamp: time.Now(),
	})
	return nil
}

// UpsertUser seeds or updates a user profile row. Not part of the gateway
// contract; used by setup code and tests to populate participants.
func (r *Remote) UpsertUser(ctx context.Context, u model.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name, avatar_url, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		u.ID, u.Username, u.FullName, u.Avatar, u.IsOnline, u.LastSeen, time.Now().UnixMilli())
	if err != nil {
		return gateway.Transientf("upsert user: %v", err)
	}
	return nil
}

func (r *Remote) getChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var c model.Chat
	err := r.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, group_description, group_avatar_url, created_by, created_at
		FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.IsGroup, &c.GroupName, &c.GroupDesc, &c.GroupIcon, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.NotFoundf("chat %q", chatID)
	}
	if err != nil {
		return nil, gateway.Transientf("get chat: %v", err)
	}
	return &c, nil
}

func (r *Remote) getMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, content, message_type, reply_to_id,
		       is_deleted, is_edited, created_at, updated_at, edited_at
		FROM messages WHERE id = ?`, messageID).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type, &m.ReplyToID,
			&m.IsDeleted, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt, &m.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.NotFoundf("message %q", messageID)
	}
	if err != nil {
		return nil, gateway.Transientf("get message: %v", err)
	}
	return &m, nil
}

func (r *Remote) isMember(ctx context.Context, userID, chatID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM memberships WHERE user_id = ? AND chat_id = ?`, userID, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, gateway.Transientf("membership lookup: %v", err)
	}
	return true, nil
}

func (r *Remote) memberIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM memberships WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, gateway.Transientf("list members: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gateway.Transientf("scan member: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// publishMessage pushes a message change on the chat's message topic.
func (r *Remote) publishMessage(op channel.Op, m *model.Message) {
	r.hub.Publish(channel.Event{
		Topic:     channel.MessagesTopic(m.ChatID),
		Op:        op,
		Record:    m,
		Timestamp: time.Now(),
	})
}

// publishChatToMembers pushes a chat change on every member's chat-list
// topic so each member's summary gets re-derived.
func (r *Remote) publishChatToMembers(ctx context.Context, chatID string, op channel.Op) {
	chat, err := r.getChat(ctx, chatID)
	if err != nil {
		r.logger.Warn("skipping chat notification", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	members, err := r.memberIDs(ctx, chatID)
	if err != nil {
		r.logger.Warn("skipping chat notification", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	for _, uid := range members {
		r.hub.Publish(channel.Event{
			Topic:     channel.ChatsTopic(uid),
			Op:        op,
			Record:    chat,
			Timestamp: time.Now(),
		})
	}
}
