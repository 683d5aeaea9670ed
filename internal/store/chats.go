package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
)

// FetchUserChats returns the acting user's chat summaries sorted by
// most-recent-message time descending.
func (r *Remote) FetchUserChats(ctx context.Context) ([]model.ChatSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id FROM memberships WHERE user_id = ?`, r.userID)
	if err != nil {
		return nil, gateway.Transientf("list user chats: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var chatIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, gateway.Transientf("scan chat id: %v", err)
		}
		chatIDs = append(chatIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, gateway.Transientf("list user chats: %v", err)
	}

	var summaries []model.ChatSummary
	for _, id := range chatIDs {
		s, err := r.FetchChatSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *s)
	}
	slices.SortFunc(summaries, func(a, b model.ChatSummary) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	return summaries, nil
}

// FetchChatSummary re-derives one chat summary for the acting user: the chat
// record, its memberships with profiles, the most recent message, and the
// unread count against the user's lastReadAt marker.
func (r *Remote) FetchChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error) {
	ok, err := r.isMember(ctx, r.userID, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A chat the user does not belong to is invisible to them.
		return nil, gateway.NotFoundf("chat %q", chatID)
	}

	chat, err := r.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	members, err := r.chatMemberships(ctx, chatID)
	if err != nil {
		return nil, err
	}

	s := &model.ChatSummary{Chat: *chat, Memberships: members}

	var last model.Message
	err = r.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, content, message_type, reply_to_id,
		       is_deleted, is_edited, created_at, updated_at, edited_at
		FROM messages WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, chatID).
		Scan(&last.ID, &last.ChatID, &last.SenderID, &last.Content, &last.Type, &last.ReplyToID,
			&last.IsDeleted, &last.IsEdited, &last.CreatedAt, &last.UpdatedAt, &last.EditedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No messages yet; summary sorts last.
	case err != nil:
		return nil, gateway.Transientf("last message: %v", err)
	default:
		s.LastMessage = &last
	}

	var lastReadAt int64
	for _, m := range members {
		if m.UserID == r.userID {
			lastReadAt = m.LastReadAt
		}
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND sender_id != ? AND is_deleted = 0 AND created_at > ?`,
		chatID, r.userID, lastReadAt).Scan(&s.UnreadCount)
	if err != nil {
		return nil, gateway.Transientf("unread count: %v", err)
	}

	return s, nil
}

func (r *Remote) chatMemberships(ctx context.Context, chatID string) ([]model.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.user_id, m.chat_id, m.role, m.joined_at, m.last_read_at, m.is_muted, m.is_archived,
		       COALESCE(u.username, ''), COALESCE(u.full_name, ''), COALESCE(u.avatar_url, ''),
		       COALESCE(u.is_online, 0), COALESCE(u.last_seen, 0)
		FROM memberships m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ?
		ORDER BY m.joined_at ASC, m.user_id ASC`, chatID)
	if err != nil {
		return nil, gateway.Transientf("chat memberships: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var members []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.UserID, &m.ChatID, &m.Role, &m.JoinedAt, &m.LastReadAt, &m.IsMuted, &m.IsArchived,
			&m.User.Username, &m.User.FullName, &m.User.Avatar, &m.User.IsOnline, &m.User.LastSeen); err != nil {
			return nil, gateway.Transientf("scan membership: %v", err)
		}
		m.User.ID = m.UserID
		members = append(members, m)
	}
	return members, rows.Err()
}

// CreateDirectChat creates a chat with the given participants. With exactly
// one participant the existing non-group chat between the pair is returned
// instead of creating a duplicate; chat identity for direct chats is the
// unordered pair. More than one participant creates a group chat with the
// creator as admin.
func (r *Remote) CreateDirectChat(ctx context.Context, participantIDs []string) (*model.Chat, error) {
	if len(participantIDs) == 0 {
		return nil, gateway.Validationf("no participants")
	}
	seen := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			return nil, gateway.Validationf("empty participant id")
		}
		if id == r.userID {
			return nil, gateway.Validationf("participant list includes the acting user")
		}
		if _, dup := seen[id]; dup {
			return nil, gateway.Validationf("duplicate participant %q", id)
		}
		seen[id] = struct{}{}
	}

	if len(participantIDs) == 1 {
		existing, err := r.findDirectChat(ctx, r.userID, participantIDs[0])
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now().UnixMilli()
	chat := &model.Chat{
		ID:        uuid.New().String(),
		IsGroup:   len(participantIDs) > 1,
		CreatedBy: r.userID,
		CreatedAt: now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, gateway.Transientf("begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, is_group, created_by, created_at)
		VALUES (?, ?, ?, ?)`,
		chat.ID, chat.IsGroup, chat.CreatedBy, chat.CreatedAt); err != nil {
		return nil, gateway.Transientf("insert chat: %v", err)
	}

	memberRows := append([]string{r.userID}, participantIDs...)
	for i, uid := range memberRows {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleAdmin
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (user_id, chat_id, role, joined_at)
			VALUES (?, ?, ?, ?)`,
			uid, chat.ID, role, now); err != nil {
			return nil, gateway.Transientf("insert membership: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, gateway.Transientf("commit chat: %v", err)
	}

	for _, uid := range memberRows {
		r.hub.Publish(channel.Event{
			Topic:     channel.ChatsTopic(uid),
			Op:        channel.OpInsert,
			Record:    chat,
			Timestamp: time.Now(),
		})
	}
	return chat, nil
}

func (r *Remote) findDirectChat(ctx context.Context, userA, userB string) (*model.Chat, error) {
	var c model.Chat
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id, c.is_group, c.group_name, c.group_description, c.group_avatar_url, c.created_by, c.created_at
		FROM chats c
		JOIN memberships a ON a.chat_id = c.id AND a.user_id = ?
		JOIN memberships b ON b.chat_id = c.id AND b.user_id = ?
		WHERE c.is_group = 0
		LIMIT 1`, userA, userB).
		Scan(&c.ID, &c.IsGroup, &c.GroupName, &c.GroupDesc, &c.GroupIcon, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, gateway.Transientf("find direct chat: %v", err)
	}
	return &c, nil
}

// SetMembershipFlags updates the acting user's archive/mute toggles on one
// membership row. Nil flags are left unchanged.
func (r *Remote) SetMembershipFlags(ctx context.Context, chatID string, flags gateway.MembershipFlags) error {
	if flags.Archived == nil && flags.Muted == nil {
		return gateway.Validationf("no membership flags given")
	}

	q := `UPDATE memberships SET `
	var args []any
	if flags.Archived != nil {
		q += `is_archived = ?`
		args = append(args, *flags.Archived)
	}
	if flags.Muted != nil {
		if flags.Archived != nil {
			q += `, `
		}
		q += `is_muted = ?`
		args = append(args, *flags.Muted)
	}
	q += ` WHERE user_id = ? AND chat_id = ?`
	args = append(args, r.userID, chatID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return gateway.Transientf("set membership flags: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.NotFoundf("membership for chat %q", chatID)
	}

	r.hub.Publish(channel.Event{
		Topic:     channel.ChatsTopic(r.userID),
		Op:        channel.OpUpdate,
		Record:    &model.Chat{ID: chatID},
		Timestamp: time.Now(),
	})
	return nil
}

// DeleteMembership removes the acting user from a chat. Remaining members
// are notified; the leaver's own synchronizer drops the chat locally.
func (r *Remote) DeleteMembership(ctx context.Context, chatID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = ? AND chat_id = ?`, r.userID, chatID)
	if err != nil {
		return gateway.Transientf("delete membership: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gateway.NotFoundf("membership for chat %q", chatID)
	}

	r.publishChatToMembers(ctx, chatID, channel.OpUpdate)
	return nil
}
