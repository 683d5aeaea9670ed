package store

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
	"go.uber.org/zap"
)

// FetchMessages returns up to limit messages strictly older than the cursor,
// oldest-first. Deleted messages are included; they keep their position so
// surrounding context and reply references stay intact.
func (r *Remote) FetchMessages(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, chat_id, sender_id, content, message_type, reply_to_id,
		       is_deleted, is_edited, created_at, updated_at, edited_at
		FROM messages
		WHERE chat_id = ?`
	args := []any{chatID}
	if !before.IsZero() {
		q += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, before.CreatedAt, before.CreatedAt, before.ID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, gateway.Transientf("fetch messages: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type, &m.ReplyToID,
			&m.IsDeleted, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt, &m.EditedAt); err != nil {
			return nil, gateway.Transientf("scan message: %v", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, gateway.Transientf("fetch messages: %v", err)
	}

	// Query is newest-first for the limit; callers want oldest-first.
	slices.Reverse(msgs)
	return msgs, nil
}

// SendMessage persists a new message, upserts the sender's own read receipt,
// and notifies the chat's message topic plus every member's chat-list topic.
func (r *Remote) SendMessage(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, gateway.Validationf("message content is empty")
	}
	if typ == "" {
		typ = model.TypeText
	}

	if _, err := r.getChat(ctx, chatID); err != nil {
		return nil, err
	}
	ok, err := r.isMember(ctx, r.userID, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gateway.Unauthorizedf("user %q is not a member of chat %q", r.userID, chatID)
	}
	if replyToID != "" {
		target, err := r.getMessage(ctx, replyToID)
		if err != nil {
			return nil, err
		}
		if target.ChatID != chatID {
			return nil, gateway.NotFoundf("reply target %q not in chat %q", replyToID, chatID)
		}
	}

	now := time.Now().UnixMilli()
	m := &model.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  r.userID,
		Content:   content,
		Type:      typ,
		ReplyToID: replyToID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, message_type, reply_to_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Type, m.ReplyToID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, gateway.Transientf("insert message: %v", err)
	}

	// The sender has read their own message.
	if err := r.UpsertReadReceipt(ctx, chatID, m.ID); err != nil {
		r.logger.Warn("sender read receipt failed", zap.Error(err))
	}

	r.publishMessage(channel.OpInsert, m)
	r.publishChatToMembers(ctx, chatID, channel.OpUpdate)
	return m, nil
}

// EditMessage rewrites a message's content. Only the sender may edit; the
// mutation is scoped by sender_id, so another user's attempt affects nothing.
func (r *Remote) EditMessage(ctx context.Context, messageID, newContent string) error {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return gateway.Validationf("message content is empty")
	}

	m, err := r.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != r.userID {
		return gateway.Unauthorizedf("message %q was sent by another user", messageID)
	}

	now := time.Now().UnixMilli()
	_, err = r.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, is_edited = 1, edited_at = ?, updated_at = ?
		WHERE id = ? AND sender_id = ?`,
		newContent, now, now, messageID, r.userID)
	if err != nil {
		return gateway.Transientf("edit message: %v", err)
	}

	m.Content = newContent
	m.IsEdited = true
	m.EditedAt = now
	m.UpdatedAt = now
	r.publishMessage(channel.OpUpdate, m)
	r.publishChatToMembers(ctx, m.ChatID, channel.OpUpdate)
	return nil
}

// SoftDeleteMessage marks a message the acting user sent as deleted. The row
// survives; a delete reaches clients as an update with IsDeleted set.
func (r *Remote) SoftDeleteMessage(ctx context.Context, messageID string) error {
	m, err := r.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != r.userID {
		return gateway.Unauthorizedf("message %q was sent by another user", messageID)
	}

	now := time.Now().UnixMilli()
	_, err = r.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, updated_at = ?
		WHERE id = ? AND sender_id = ?`,
		now, messageID, r.userID)
	if err != nil {
		return gateway.Transientf("delete message: %v", err)
	}

	m.IsDeleted = true
	m.UpdatedAt = now
	r.publishMessage(channel.OpUpdate, m)
	r.publishChatToMembers(ctx, m.ChatID, channel.OpUpdate)
	return nil
}

// UpsertReadReceipt records that the acting user read messageID and advances
// the membership's lastReadAt marker. Idempotent per (message, user).
func (r *Remote) UpsertReadReceipt(ctx context.Context, chatID, messageID string) error {
	if _, err := r.getMessage(ctx, messageID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET read_at = excluded.read_at`,
		messageID, r.userID, now)
	if err != nil {
		return gateway.Transientf("upsert read receipt: %v", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE memberships SET last_read_at = ?
		WHERE user_id = ? AND chat_id = ?`,
		now, r.userID, chatID)
	if err != nil {
		return gateway.Transientf("advance read marker: %v", err)
	}
	return nil
}
