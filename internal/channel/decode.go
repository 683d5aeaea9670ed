package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/socialfusion/chatsync/internal/model"
)

// Envelope is the wire format for push notifications. Record stays raw until
// Kind is known; it is coerced into a strict shape here, at the boundary,
// so nothing untyped ever reaches the synchronizers.
type Envelope struct {
	Topic  string          `json:"topic"`
	Op     string          `json:"op"`
	Kind   string          `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// Decode validates a raw push payload and converts it into a typed Event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	var op Op
	switch env.Op {
	case string(OpInsert):
		op = OpInsert
	case string(OpUpdate):
		op = OpUpdate
	default:
		return Event{}, fmt.Errorf("unknown op %q", env.Op)
	}
	if env.Topic == "" {
		return Event{}, fmt.Errorf("envelope missing topic")
	}

	var record any
	switch env.Kind {
	case "message":
		var m model.Message
		if err := json.Unmarshal(env.Record, &m); err != nil {
			return Event{}, fmt.Errorf("decode message record: %w", err)
		}
		if m.ID == "" || m.ChatID == "" {
			return Event{}, fmt.Errorf("message record missing id or chat_id")
		}
		record = &m
	case "chat":
		var c model.Chat
		if err := json.Unmarshal(env.Record, &c); err != nil {
			return Event{}, fmt.Errorf("decode chat record: %w", err)
		}
		if c.ID == "" {
			return Event{}, fmt.Errorf("chat record missing id")
		}
		record = &c
	case "typing":
		var ti model.TypingIndicator
		if err := json.Unmarshal(env.Record, &ti); err != nil {
			return Event{}, fmt.Errorf("decode typing record: %w", err)
		}
		if ti.ChatID == "" || ti.UserID == "" {
			return Event{}, fmt.Errorf("typing record missing chat_id or user_id")
		}
		record = &ti
	default:
		return Event{}, fmt.Errorf("unknown record kind %q", env.Kind)
	}

	return Event{
		Topic:     env.Topic,
		Op:        op,
		Record:    record,
		Timestamp: time.Now(),
	}, nil
}
