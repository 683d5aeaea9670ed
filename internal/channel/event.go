package channel

import "time"

// Op is the kind of change a channel event carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Event is a change notification delivered on a subscription topic. Record
// holds the already-validated typed payload (*model.Message, *model.Chat,
// or *model.TypingIndicator).
// No delivery-order or at-most-once guarantee is made; consumers must
// tolerate duplicates and reorderings.
type Event struct {
	Topic     string
	Op        Op
	Record    any
	Timestamp time.Time
}

// MessagesTopic is the topic carrying message changes for one chat.
func MessagesTopic(chatID string) string {
	return "messages." + chatID
}

// ChatsTopic is the topic carrying chat changes visible to one user.
func ChatsTopic(userID string) string {
	return "chats." + userID
}

// TypingTopic is the topic carrying typing indicators for one chat.
func TypingTopic(chatID string) string {
	return "typing." + chatID
}
