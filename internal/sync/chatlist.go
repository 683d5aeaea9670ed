package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"

	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
	"github.com/socialfusion/chatsync/internal/reconcile"
	"go.uber.org/zap"
)

// ChatList synchronizes the user's ordered chat-summary collection. A chat
// event triggers a targeted re-derivation of that one summary rather than a
// full-list refresh; Refresh remains the wholesale fallback.
type ChatList struct {
	gw     gateway.Gateway
	hub    *channel.Hub
	logger *zap.Logger

	mu    gosync.Mutex
	chats []model.ChatSummary
	epoch int
	unsub func()
	done  chan struct{}
}

// NewChatList creates a chat-list synchronizer.
func NewChatList(gw gateway.Gateway, hub *channel.Hub, logger *zap.Logger) *ChatList {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatList{gw: gw, hub: hub, logger: logger}
}

// Activate subscribes to the user's chat topic, broadcasts online presence,
// and performs the initial refresh. Presence is best-effort and not part of
// any ordering guarantee.
func (l *ChatList) Activate(ctx context.Context) error {
	l.mu.Lock()
	if l.unsub != nil {
		l.mu.Unlock()
		return gateway.Validationf("chat list already active")
	}
	l.epoch++
	epoch := l.epoch
	ch, unsub := l.hub.Subscribe(channel.ChatsTopic(l.gw.UserID()), 256)
	l.unsub = unsub
	l.done = make(chan struct{})
	go l.pump(ctx, epoch, ch, l.done)
	l.mu.Unlock()

	if err := l.gw.SetPresence(ctx, true); err != nil {
		l.logger.Warn("presence update failed", zap.Error(err))
	}
	return l.Refresh(ctx)
}

// Close releases the subscription and broadcasts offline presence.
func (l *ChatList) Close(ctx context.Context) {
	l.mu.Lock()
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	l.epoch++
	l.chats = nil
	l.mu.Unlock()

	if err := l.gw.SetPresence(ctx, false); err != nil {
		l.logger.Warn("presence update failed", zap.Error(err))
	}
}

// Refresh fetches the full chat-summary list and replaces the collection
// wholesale, sorted by most-recent-message time descending.
func (l *ChatList) Refresh(ctx context.Context) error {
	l.mu.Lock()
	epoch := l.epoch
	l.mu.Unlock()

	summaries, err := l.gw.FetchUserChats(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch != epoch {
		return nil
	}
	// MergeAll re-sorts under the collection's own ordering regardless of
	// what the gateway returned.
	l.chats = reconcile.MergeAll(nil, summaries)
	return nil
}

// CreateDirectChat starts (or finds) the direct chat with one other user.
// Direct-chat identity is the unordered participant pair, so calling this
// twice yields the same chat id.
func (l *ChatList) CreateDirectChat(ctx context.Context, otherUserID string) (*model.Chat, error) {
	return l.createChat(ctx, []string{otherUserID})
}

// CreateGroupChat starts a group chat with the given participants; the
// current user joins as admin.
func (l *ChatList) CreateGroupChat(ctx context.Context, participantIDs []string) (*model.Chat, error) {
	if len(participantIDs) < 2 {
		return nil, gateway.Validationf("a group needs at least two other participants")
	}
	return l.createChat(ctx, participantIDs)
}

func (l *ChatList) createChat(ctx context.Context, participantIDs []string) (*model.Chat, error) {
	chat, err := l.gw.CreateDirectChat(ctx, participantIDs)
	if err != nil {
		return nil, err
	}
	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("refresh after create failed", zap.Error(err))
	}
	return chat, nil
}

// ToggleArchive flips the current user's archive flag for a chat and
// refreshes the list.
func (l *ChatList) ToggleArchive(ctx context.Context, chatID string, archived bool) error {
	if err := l.gw.SetMembershipFlags(ctx, chatID, gateway.MembershipFlags{Archived: &archived}); err != nil {
		return err
	}
	return l.Refresh(ctx)
}

// ToggleMute flips the current user's mute flag for a chat. The local copy
// updates in place; no refetch needed for a single membership bit.
func (l *ChatList) ToggleMute(ctx context.Context, chatID string, muted bool) error {
	if err := l.gw.SetMembershipFlags(ctx, chatID, gateway.MembershipFlags{Muted: &muted}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := reconcile.Find(l.chats, chatID); ok {
		for i := range s.Memberships {
			if s.Memberships[i].UserID == l.gw.UserID() {
				s.Memberships[i].IsMuted = muted
			}
		}
		l.chats = reconcile.Merge(l.chats, s)
	}
	return nil
}

// Leave deletes the current user's membership and drops the chat from the
// local collection. This is the one path where a chat disappears from view.
func (l *ChatList) Leave(ctx context.Context, chatID string) error {
	if err := l.gw.DeleteMembership(ctx, chatID); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.chats = reconcile.Remove(l.chats, chatID)
	return nil
}

// MarkChatRead zeroes the chat's unread count locally and advances the
// remote read marker to the chat's newest message. The remote half is
// best-effort.
func (l *ChatList) MarkChatRead(ctx context.Context, chatID string) {
	l.mu.Lock()
	s, ok := reconcile.Find(l.chats, chatID)
	if ok {
		s.UnreadCount = 0
		l.chats = reconcile.Merge(l.chats, s)
	}
	l.mu.Unlock()

	if !ok || s.LastMessage == nil {
		return
	}
	if err := l.gw.UpsertReadReceipt(ctx, chatID, s.LastMessage.ID); err != nil {
		l.logger.Warn("read marker update failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// Search filters the collection by case-insensitive substring over the group
// name for group chats, or any participant's display name for direct chats.
// An empty query returns the unfiltered collection. Pure; never mutates the
// synchronizer's state.
func (l *ChatList) Search(query string) []model.ChatSummary {
	chats := l.Chats()
	term := strings.ToLower(strings.TrimSpace(query))
	if term == "" {
		return chats
	}

	var out []model.ChatSummary
	for _, s := range chats {
		if matchesQuery(s, term) {
			out = append(out, s)
		}
	}
	return out
}

func matchesQuery(s model.ChatSummary, term string) bool {
	if s.Chat.IsGroup {
		return strings.Contains(strings.ToLower(s.Chat.GroupName), term)
	}
	for _, m := range s.Memberships {
		if strings.Contains(strings.ToLower(m.User.FullName), term) ||
			strings.Contains(strings.ToLower(m.User.Username), term) {
			return true
		}
	}
	return false
}

// TotalUnread sums unread counts across the collection.
func (l *ChatList) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, s := range l.chats {
		total += s.UnreadCount
	}
	return total
}

// Chats returns a snapshot of the ordered chat-summary collection.
func (l *ChatList) Chats() []model.ChatSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ChatSummary, len(l.chats))
	copy(out, l.chats)
	return out
}

// pump re-derives one summary per chat event for one subscription epoch.
func (l *ChatList) pump(ctx context.Context, epoch int, ch <-chan channel.Event, done <-chan struct{}) {
	for {
		select {
		case evt := <-ch:
			l.apply(ctx, epoch, evt)
		case <-done:
			return
		}
	}
}

func (l *ChatList) apply(ctx context.Context, epoch int, evt channel.Event) {
	chat, ok := evt.Record.(*model.Chat)
	if !ok {
		l.logger.Warn("unexpected record on chat topic", zap.String("topic", evt.Topic))
		return
	}

	summary, err := l.gw.FetchChatSummary(ctx, chat.ID)
	if errors.Is(err, gateway.ErrNotFound) {
		// No longer visible: we left or were removed.
		l.mu.Lock()
		if l.epoch == epoch {
			l.chats = reconcile.Remove(l.chats, chat.ID)
		}
		l.mu.Unlock()
		return
	}
	if err != nil {
		l.logger.Warn("summary re-derivation failed", zap.String("chat_id", chat.ID), zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch != epoch {
		return
	}
	l.chats = reconcile.Merge(l.chats, *summary)
}
