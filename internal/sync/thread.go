// Package sync contains the two synchronizers that own the engine's ordered
// collections: Thread for the messages of the open chat, ChatList for the
// user's chat summaries. Both feed gateway responses and channel events
// through the reconcile package, so applying a record is idempotent and
// final order never depends on arrival order.
package sync

import (
	"context"
	"strings"
	gosync "sync"
	"time"

	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
	"github.com/socialfusion/chatsync/internal/reconcile"
	"go.uber.org/zap"
)

const (
	initialPageSize = 50
	olderPageSize   = 30
)

// Thread synchronizes the message collection of one open chat. It merges the
// initial page, older pages, the user's own sends/edits/deletes, and channel
// events into one ordered, duplicate-free list.
//
// All mutation of the collection happens under one mutex, so a merge can
// never interleave with another merge. The epoch counter guards against
// fetches and events that complete after Close: a stale epoch means the
// result is discarded.
type Thread struct {
	gw     gateway.Gateway
	hub    *channel.Hub
	logger *zap.Logger

	mu       gosync.Mutex
	machine  *Machine
	chatID   string
	epoch    int
	messages []model.Message
	cursor   gateway.Cursor
	hasMore  bool
	sending  bool
	unsub    func()
	done     chan struct{}
}

// NewThread creates a thread synchronizer. The gateway is the process-scoped
// client constructed at startup.
func NewThread(gw gateway.Gateway, hub *channel.Hub, logger *zap.Logger) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{
		gw:      gw,
		hub:     hub,
		logger:  logger,
		machine: NewMachine(),
	}
}

// Open subscribes to the chat's message topic, loads the newest page as the
// authoritative baseline, records the pagination cursor, and marks the
// newest message read. The baseline is merged over any events the pump
// applied while the fetch was in flight. Allowed from Idle and, as the
// retry path, from Failed.
func (t *Thread) Open(ctx context.Context, chatID string) error {
	t.mu.Lock()
	if err := t.machine.Transition(Loading); err != nil {
		t.mu.Unlock()
		return gateway.Validationf("open %q: %v", chatID, err)
	}
	if t.unsub != nil {
		t.teardownLocked()
	}
	t.epoch++
	epoch := t.epoch
	t.chatID = chatID
	t.messages = nil
	t.cursor = gateway.Cursor{}
	t.hasMore = false

	// Subscribe before the fetch so no event falls in the gap; merge makes
	// any overlap between the page and early events harmless.
	ch, unsub := t.hub.Subscribe(channel.MessagesTopic(chatID), 256)
	t.unsub = unsub
	t.done = make(chan struct{})
	go t.pump(epoch, ch, t.done)
	t.mu.Unlock()

	page, err := t.gw.FetchMessages(ctx, chatID, initialPageSize, gateway.Cursor{})

	t.mu.Lock()
	if t.epoch != epoch {
		// Closed while the fetch was in flight; the result is immaterial.
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		t.teardownLocked()
		_ = t.machine.Transition(Failed)
		t.mu.Unlock()
		return err
	}

	// The pump may have merged live events while the fetch was in flight;
	// the collection was emptied above, so whatever it holds now arrived in
	// that gap. Merge the baseline over it instead of assigning, so a
	// message delivered mid-open is never erased.
	t.messages = reconcile.MergeAll(t.messages, page)
	if len(page) > 0 {
		t.cursor = gateway.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}
	}
	t.hasMore = len(page) == initialPageSize
	_ = t.machine.Transition(Ready)
	newestID := ""
	if len(t.messages) > 0 {
		newestID = t.messages[len(t.messages)-1].ID
	}
	t.mu.Unlock()

	if newestID != "" {
		t.markRead(ctx, chatID, newestID)
	}
	return nil
}

// Close tears down the subscription synchronously and returns the thread to
// Idle. After Close returns, no further event for the chat is applied.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	t.epoch++
	t.chatID = ""
	t.messages = nil
	t.cursor = gateway.Cursor{}
	t.hasMore = false
	if t.machine.Current() != Idle {
		_ = t.machine.Transition(Idle)
	}
}

func (t *Thread) teardownLocked() {
	if t.unsub != nil {
		t.unsub()
		t.unsub = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
}

// LoadOlder fetches the page strictly older than the cursor and prepends it.
// A no-op while another load is in flight or once a short page signalled
// exhaustion; Open resets the exhaustion flag.
func (t *Thread) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	if t.machine.Current() != Ready || !t.hasMore {
		t.mu.Unlock()
		return nil
	}
	_ = t.machine.Transition(LoadingMore)
	epoch := t.epoch
	chatID := t.chatID
	cursor := t.cursor
	t.mu.Unlock()

	page, err := t.gw.FetchMessages(ctx, chatID, olderPageSize, cursor)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return nil
	}
	if err != nil {
		_ = t.machine.Transition(Failed)
		return err
	}

	t.messages = reconcile.MergeAll(t.messages, page)
	if len(page) > 0 {
		t.cursor = gateway.Cursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}
	}
	t.hasMore = len(page) == olderPageSize
	_ = t.machine.Transition(Ready)
	return nil
}

// Send validates and sends a message. The gateway's returned record is the
// append trigger: the message appears locally only once the write round-trip
// succeeds, so a failed send leaves the collection untouched. Overlapping
// sends are rejected while one is in flight.
func (t *Thread) Send(ctx context.Context, content string, typ model.MessageType, replyToID string) error {
	if strings.TrimSpace(content) == "" {
		return gateway.Validationf("message content is empty")
	}

	t.mu.Lock()
	if t.chatID == "" {
		t.mu.Unlock()
		return gateway.Validationf("no open chat")
	}
	if t.sending {
		t.mu.Unlock()
		return gateway.Validationf("a send is already in flight")
	}
	t.sending = true
	epoch := t.epoch
	chatID := t.chatID
	t.mu.Unlock()

	msg, err := t.gw.SendMessage(ctx, chatID, content, typ, replyToID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sending = false
	if err != nil {
		return err
	}
	if t.epoch == epoch {
		// The channel will echo this record; merge keeps it single.
		t.messages = reconcile.Merge(t.messages, *msg)
	}
	return nil
}

// Edit rewrites one of the current user's messages. The local record updates
// only after the remote mutation succeeds; an authorization rejection leaves
// local state unchanged.
func (t *Thread) Edit(ctx context.Context, messageID, newContent string) error {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return gateway.Validationf("message content is empty")
	}

	if err := t.gw.EditMessage(ctx, messageID, newContent); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := reconcile.Find(t.messages, messageID); ok {
		m.Content = newContent
		m.IsEdited = true
		m.EditedAt = time.Now().UnixMilli()
		t.messages = reconcile.Merge(t.messages, m)
	}
	return nil
}

// SoftDelete marks one of the current user's messages deleted. The record
// stays in the collection so position and reply references survive.
func (t *Thread) SoftDelete(ctx context.Context, messageID string) error {
	if err := t.gw.SoftDeleteMessage(ctx, messageID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := reconcile.Find(t.messages, messageID); ok {
		m.IsDeleted = true
		t.messages = reconcile.Merge(t.messages, m)
	}
	return nil
}

// MarkRead upserts a read receipt for the given message. Best-effort:
// failures are logged, never surfaced, so read receipts cannot block message
// display.
func (t *Thread) MarkRead(ctx context.Context, messageID string) {
	t.mu.Lock()
	chatID := t.chatID
	t.mu.Unlock()
	if chatID == "" {
		return
	}
	t.markRead(ctx, chatID, messageID)
}

// MarkAllRead marks the newest loaded message read, which advances the
// coarse lastReadAt marker past everything older.
func (t *Thread) MarkAllRead(ctx context.Context) {
	t.mu.Lock()
	chatID := t.chatID
	newestID := ""
	if len(t.messages) > 0 {
		newestID = t.messages[len(t.messages)-1].ID
	}
	t.mu.Unlock()
	if chatID == "" || newestID == "" {
		return
	}
	t.markRead(ctx, chatID, newestID)
}

// SetTyping broadcasts the user's composing state for the open chat.
// Fire-and-forget like read receipts: failures are logged, never surfaced.
func (t *Thread) SetTyping(ctx context.Context, typing bool) {
	t.mu.Lock()
	chatID := t.chatID
	t.mu.Unlock()
	if chatID == "" {
		return
	}
	if err := t.gw.SetTyping(ctx, chatID, typing); err != nil {
		t.logger.Warn("typing broadcast failed",
			zap.String("chat_id", chatID),
			zap.Error(err))
	}
}

func (t *Thread) markRead(ctx context.Context, chatID, messageID string) {
	if err := t.gw.UpsertReadReceipt(ctx, chatID, messageID); err != nil {
		t.logger.Warn("read receipt failed",
			zap.String("chat_id", chatID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// pump applies channel events for one subscription epoch.
func (t *Thread) pump(epoch int, ch <-chan channel.Event, done <-chan struct{}) {
	for {
		select {
		case evt := <-ch:
			t.apply(epoch, evt)
		case <-done:
			return
		}
	}
}

func (t *Thread) apply(epoch int, evt channel.Event) {
	msg, ok := evt.Record.(*model.Message)
	if !ok {
		t.logger.Warn("unexpected record on message topic", zap.String("topic", evt.Topic))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch || msg.ChatID != t.chatID {
		return
	}
	t.messages = reconcile.Merge(t.messages, *msg)
}

// State returns the thread's current loading state.
func (t *Thread) State() State { return t.machine.Current() }

// ChatID returns the open chat id, or "" when idle.
func (t *Thread) ChatID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID
}

// HasMore reports whether older history remains to page in.
func (t *Thread) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Messages returns a snapshot of the ordered message collection.
func (t *Thread) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out
}
