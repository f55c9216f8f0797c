package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects transports to the gateway. Transports publish to
// Inbound and Deletions; the gateway publishes to Outbound, which
// DispatchOutbound fans out to per-channel subscribers.
type MessageBus struct {
	Inbound   chan InboundMessage
	Deletions chan DeletionEvent
	Outbound  chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:   make(chan InboundMessage, bufSize),
		Deletions: make(chan DeletionEvent, bufSize),
		Outbound:  make(chan OutboundMessage, bufSize),
		subs:      make(map[string][]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handlers := b.subs[msg.Channel]
			b.mu.RUnlock()
			if len(handlers) == 0 {
				log.Printf("[bus] no subscriber for channel %s", msg.Channel)
				continue
			}
			for _, fn := range handlers {
				fn(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
