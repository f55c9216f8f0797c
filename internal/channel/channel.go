package channel

import (
	"context"
	"strings"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/corpus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// HistoryFetcher is implemented by channels that can page through the past
// messages of a chat.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, chatID string) ([]corpus.Record, error)
}

// ModeratorChecker reports whether a sender may run privileged commands.
type ModeratorChecker interface {
	IsModerator(senderID, chatID string) bool
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether senderID passes the allow list. An empty list allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// splitContent breaks s into chunks of at most maxLen bytes, preferring to
// cut at the last newline.
func splitContent(s string, maxLen int) []string {
	var chunks []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > maxLen {
			if idx := strings.LastIndex(chunk[:maxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		s = s[len(chunk):]
		chunks = append(chunks, chunk)
	}
	return chunks
}

