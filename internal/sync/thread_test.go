package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/socialfusion/chatsync/internal/channel"
	"github.com/socialfusion/chatsync/internal/gateway"
	"github.com/socialfusion/chatsync/internal/model"
	"github.com/socialfusion/chatsync/internal/store"
)

// testEnv is one shared database and hub with a gateway per user,
// modelling several clients against the same server.
type testEnv struct {
	db      *store.DB
	hub     *channel.Hub
	remotes map[string]*store.Remote
}

func newTestEnv(t *testing.T, userIDs ...string) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{db: db, hub: channel.NewHub(), remotes: map[string]*store.Remote{}}
	for _, uid := range userIDs {
		r := store.NewRemote(db, env.hub, uid, nil)
		if err := r.UpsertUser(context.Background(), model.User{ID: uid, Username: uid, FullName: "User " + uid}); err != nil {
			t.Fatal(err)
		}
		env.remotes[uid] = r
	}
	return env
}

func (e *testEnv) seedMessage(t *testing.T, id, chatID, senderID string, createdAt int64) {
	t.Helper()
	_, err := e.db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, content, message_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'text', ?, ?)`,
		id, chatID, senderID, "msg "+id, createdAt, createdAt)
	if err != nil {
		t.Fatal(err)
	}
}

// waitFor polls until cond holds or the deadline passes. Event application
// happens on the pump goroutine, so assertions about it need to wait.
func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestThreadOpenBaseline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, err := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		env.seedMessage(t, fmt.Sprintf("m%d", i), chat.ID, "alice", int64(1000+i))
	}

	th := NewThread(env.remotes["bob"], env.hub, nil)
	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	if th.State() != Ready {
		t.Errorf("state = %s, want READY", th.State())
	}
	msgs := th.Messages()
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	if msgs[0].ID != "m0" || msgs[4].ID != "m4" {
		t.Errorf("order = [%s .. %s], want oldest first", msgs[0].ID, msgs[4].ID)
	}
	if th.HasMore() {
		t.Error("short first page should mean no more history")
	}

	// Opening marks the newest message read for the opener.
	s, err := env.remotes["bob"].FetchChatSummary(ctx, chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.UnreadCount != 0 {
		t.Errorf("unread after open = %d, want 0", s.UnreadCount)
	}
}

func TestThreadPaginationExhaustion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, err := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	total := initialPageSize + olderPageSize + 5
	for i := 0; i < total; i++ {
		env.seedMessage(t, fmt.Sprintf("m%03d", i), chat.ID, "alice", int64(1000+i))
	}

	th := NewThread(env.remotes["bob"], env.hub, nil)
	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	if got := len(th.Messages()); got != initialPageSize {
		t.Fatalf("initial page = %d, want %d", got, initialPageSize)
	}
	if !th.HasMore() {
		t.Fatal("full first page should signal more history")
	}

	if err := th.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(th.Messages()); got != initialPageSize+olderPageSize {
		t.Fatalf("after first LoadOlder = %d, want %d", got, initialPageSize+olderPageSize)
	}
	if !th.HasMore() {
		t.Fatal("full older page should signal more history")
	}

	if err := th.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}
	msgs := th.Messages()
	if len(msgs) != total {
		t.Fatalf("after second LoadOlder = %d, want %d", len(msgs), total)
	}
	if th.HasMore() {
		t.Error("short page should clear the more-history flag")
	}

	// Exhausted: further calls are no-ops.
	if err := th.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}
	if len(th.Messages()) != total {
		t.Error("LoadOlder after exhaustion changed the collection")
	}

	// Order invariant and no duplicates across all pages.
	seen := map[string]bool{}
	for i, m := range msgs {
		if seen[m.ID] {
			t.Errorf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
		if want := fmt.Sprintf("m%03d", i); m.ID != want {
			t.Fatalf("position %d = %s, want %s", i, m.ID, want)
		}
	}
}

func TestThreadSend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})

	th := NewThread(env.remotes["alice"], env.hub, nil)

	// No open chat yet.
	if err := th.Send(ctx, "early", model.TypeText, ""); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("send before open: err = %v, want ErrValidation", err)
	}

	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	if err := th.Send(ctx, "   ", model.TypeText, ""); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("blank send: err = %v, want ErrValidation", err)
	}
	if len(th.Messages()) != 0 {
		t.Fatal("rejected send must not touch the collection")
	}

	if err := th.Send(ctx, "hello", model.TypeText, ""); err != nil {
		t.Fatal(err)
	}
	msgs := th.Messages()
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("messages after send = %v", msgs)
	}

	// The channel echoes the send; the merge must keep it single.
	time.Sleep(100 * time.Millisecond)
	if got := len(th.Messages()); got != 1 {
		t.Errorf("after echo: %d messages, want 1", got)
	}
}

func TestThreadReceivesRemoteEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})

	th := NewThread(env.remotes["alice"], env.hub, nil)
	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	sent, err := env.remotes["bob"].SendMessage(ctx, chat.ID, "hi alice", model.TypeText, "")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		msgs := th.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, "bob's message to arrive")
}

func TestThreadEditAndDeletePropagate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})

	alice := NewThread(env.remotes["alice"], env.hub, nil)
	if err := alice.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	bob := NewThread(env.remotes["bob"], env.hub, nil)
	if err := bob.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	if err := alice.Send(ctx, "draft", model.TypeText, ""); err != nil {
		t.Fatal(err)
	}
	msgID := alice.Messages()[0].ID
	waitFor(t, func() bool { return len(bob.Messages()) == 1 }, "bob to see the message")

	if err := alice.Edit(ctx, msgID, "final"); err != nil {
		t.Fatal(err)
	}
	if got := alice.Messages()[0]; got.Content != "final" || !got.IsEdited {
		t.Errorf("local record after edit: %+v", got)
	}
	waitFor(t, func() bool {
		m := bob.Messages()[0]
		return m.Content == "final" && m.IsEdited
	}, "edit to reach bob")

	if err := alice.SoftDelete(ctx, msgID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return bob.Messages()[0].IsDeleted }, "delete to reach bob")
	if got := len(bob.Messages()); got != 1 {
		t.Errorf("deleted message removed from collection: %d messages", got)
	}
}

func TestThreadAuthorizationLeavesLocalUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})
	if _, err := env.remotes["alice"].SendMessage(ctx, chat.ID, "alice's own", model.TypeText, ""); err != nil {
		t.Fatal(err)
	}

	bob := NewThread(env.remotes["bob"], env.hub, nil)
	if err := bob.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	msgID := bob.Messages()[0].ID
	if err := bob.Edit(ctx, msgID, "hijack"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("foreign edit: err = %v, want ErrUnauthorized", err)
	}
	if err := bob.SoftDelete(ctx, msgID); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("foreign delete: err = %v, want ErrUnauthorized", err)
	}
	got := bob.Messages()[0]
	if got.Content != "alice's own" || got.IsEdited || got.IsDeleted {
		t.Errorf("local record mutated by rejected operation: %+v", got)
	}
}

func TestThreadCloseStopsEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})

	th := NewThread(env.remotes["alice"], env.hub, nil)
	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	th.Close()

	if th.State() != Idle {
		t.Errorf("state after close = %s, want IDLE", th.State())
	}
	if _, err := env.remotes["bob"].SendMessage(ctx, chat.ID, "too late", model.TypeText, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(th.Messages()); got != 0 {
		t.Errorf("closed thread applied an event: %d messages", got)
	}
}

// fakeGateway scripts gateway behavior for the failure paths the SQLite
// remote cannot produce on demand.
type fakeGateway struct {
	userID  string
	fetchFn func(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error)
	sendFn  func(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error)
}

func (f *fakeGateway) UserID() string { return f.userID }

func (f *fakeGateway) FetchMessages(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, chatID, limit, before)
	}
	return nil, nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, chatID, content, typ, replyToID)
	}
	return &model.Message{ID: "fake", ChatID: chatID, Content: content}, nil
}

func (f *fakeGateway) EditMessage(ctx context.Context, messageID, newContent string) error {
	return nil
}
func (f *fakeGateway) SoftDeleteMessage(ctx context.Context, messageID string) error { return nil }
func (f *fakeGateway) UpsertReadReceipt(ctx context.Context, chatID, messageID string) error {
	return nil
}
func (f *fakeGateway) FetchUserChats(ctx context.Context) ([]model.ChatSummary, error) {
	return nil, nil
}
func (f *fakeGateway) FetchChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error) {
	return nil, gateway.NotFoundf("chat %q", chatID)
}
func (f *fakeGateway) CreateDirectChat(ctx context.Context, participantIDs []string) (*model.Chat, error) {
	return nil, nil
}
func (f *fakeGateway) SetMembershipFlags(ctx context.Context, chatID string, flags gateway.MembershipFlags) error {
	return nil
}
func (f *fakeGateway) DeleteMembership(ctx context.Context, chatID string) error { return nil }
func (f *fakeGateway) SetPresence(ctx context.Context, online bool) error        { return nil }
func (f *fakeGateway) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return nil
}

func TestThreadOpenFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	calls := 0
	gw := &fakeGateway{
		userID: "alice",
		fetchFn: func(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error) {
			calls++
			if calls == 1 {
				return nil, gateway.Transientf("network down")
			}
			return []model.Message{{ID: "m1", ChatID: chatID, SenderID: "bob", Content: "hi", CreatedAt: 1000}}, nil
		},
	}

	th := NewThread(gw, channel.NewHub(), nil)
	if err := th.Open(ctx, "c1"); !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("first open: err = %v, want ErrTransient", err)
	}
	if th.State() != Failed {
		t.Errorf("state = %s, want ERROR", th.State())
	}

	// Retry straight from the failed state.
	if err := th.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer th.Close()
	if th.State() != Ready {
		t.Errorf("state after retry = %s, want READY", th.State())
	}
	if got := len(th.Messages()); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestThreadStaleFetchDiscarded(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		userID: "alice",
		fetchFn: func(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error) {
			close(entered)
			<-release
			return []model.Message{{ID: "stale", ChatID: chatID, CreatedAt: 1000}}, nil
		},
	}

	th := NewThread(gw, channel.NewHub(), nil)
	openDone := make(chan error, 1)
	go func() { openDone <- th.Open(ctx, "c1") }()

	<-entered
	th.Close()
	close(release)

	if err := <-openDone; err != nil {
		t.Fatalf("open after close: %v", err)
	}
	if th.State() != Idle {
		t.Errorf("state = %s, want IDLE", th.State())
	}
	if got := len(th.Messages()); got != 0 {
		t.Errorf("stale fetch applied: %d messages", got)
	}
}

func TestThreadSetTyping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "alice", "bob")
	chat, _ := env.remotes["alice"].CreateDirectChat(ctx, []string{"bob"})

	th := NewThread(env.remotes["alice"], env.hub, nil)

	// No open chat: nothing to broadcast.
	th.SetTyping(ctx, true)

	if err := th.Open(ctx, chat.ID); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	ch, unsub := env.hub.Subscribe(channel.TypingTopic(chat.ID), 10)
	defer unsub()

	th.SetTyping(ctx, true)
	select {
	case evt := <-ch:
		ti, ok := evt.Record.(*model.TypingIndicator)
		if !ok || ti.UserID != "alice" || !ti.IsTyping {
			t.Errorf("record = %v, want alice typing", evt.Record)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing indicator")
	}
}

func TestThreadKeepsEventDeliveredDuringOpen(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		userID: "alice",
		fetchFn: func(ctx context.Context, chatID string, limit int, before gateway.Cursor) ([]model.Message, error) {
			close(entered)
			<-release
			return []model.Message{{ID: "base", ChatID: chatID, SenderID: "bob", Content: "baseline", CreatedAt: 1000}}, nil
		},
	}

	hub := channel.NewHub()
	th := NewThread(gw, hub, nil)
	openDone := make(chan error, 1)
	go func() { openDone <- th.Open(ctx, "c1") }()

	// A message lands on the channel while the baseline fetch is parked.
	<-entered
	hub.Publish(channel.Event{
		Topic:  channel.MessagesTopic("c1"),
		Op:     channel.OpInsert,
		Record: &model.Message{ID: "live", ChatID: "c1", SenderID: "bob", Content: "mid-open", CreatedAt: 2000},
	})
	waitFor(t, func() bool { return len(th.Messages()) == 1 }, "pump to apply the live event")

	close(release)
	if err := <-openDone; err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	msgs := th.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want baseline plus the live event", msgs)
	}
	if msgs[0].ID != "base" || msgs[1].ID != "live" {
		t.Errorf("order = [%s %s], want [base live]", msgs[0].ID, msgs[1].ID)
	}
}

func TestThreadRejectsOverlappingSends(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		userID: "alice",
		sendFn: func(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error) {
			close(entered)
			<-release
			return &model.Message{ID: "m1", ChatID: chatID, Content: content, CreatedAt: 1000}, nil
		},
	}

	th := NewThread(gw, channel.NewHub(), nil)
	if err := th.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	firstDone := make(chan error, 1)
	go func() { firstDone <- th.Send(ctx, "first", model.TypeText, "") }()
	<-entered

	if err := th.Send(ctx, "second", model.TypeText, ""); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("overlapping send: err = %v, want ErrValidation", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatal(err)
	}
	if got := len(th.Messages()); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestThreadFailedSendLeavesCollection(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{
		userID: "alice",
		sendFn: func(ctx context.Context, chatID, content string, typ model.MessageType, replyToID string) (*model.Message, error) {
			return nil, gateway.Transientf("write failed")
		},
	}

	th := NewThread(gw, channel.NewHub(), nil)
	if err := th.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer th.Close()

	if err := th.Send(ctx, "doomed", model.TypeText, ""); !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if got := len(th.Messages()); got != 0 {
		t.Errorf("failed send touched the collection: %d messages", got)
	}

	// The in-flight flag is released; the next send may proceed.
	gw.sendFn = nil
	if err := th.Send(ctx, "retry", model.TypeText, ""); err != nil {
		t.Fatal(err)
	}
}
