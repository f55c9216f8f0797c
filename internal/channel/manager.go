package channel

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg *config.Config, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Channels.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Channels.Discord, cfg.Bot, cfg.Markov.PageSize, b)
		if err != nil {
			return nil, fmt.Errorf("init discord channel: %w", err)
		}
		m.Register(ch)
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Channels.Telegram, cfg.Bot, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and routes outbound messages addressed to it.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

func (m *ChannelManager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// History returns the history fetcher for name, if that channel has one.
func (m *ChannelManager) History(name string) (HistoryFetcher, bool) {
	h, ok := m.channels[name].(HistoryFetcher)
	return h, ok
}

// IsModerator asks the named channel whether senderID is a moderator.
// Channels without a notion of moderators never grant it.
func (m *ChannelManager) IsModerator(name, senderID, chatID string) bool {
	mc, ok := m.channels[name].(ModeratorChecker)
	return ok && mc.IsModerator(senderID, chatID)
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		log.Printf("[channel-mgr] starting %s", name)
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
