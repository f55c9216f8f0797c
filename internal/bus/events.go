package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	MessageID string
	Content   string
	Timestamp time.Time
	Media     []string
	// Category is the grouping the chat belongs to (a Discord channel category).
	Category  string
	FromBot   bool
	Mentioned bool
	TTS       bool
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// DeletionEvent reports that a previously observed message was removed.
type DeletionEvent struct {
	Channel   string
	ChatID    string
	MessageID string
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
	Media   []string
	TTS     bool
	// Reaction, when set, is added to ReplyTo instead of sending Content.
	Reaction string
}
