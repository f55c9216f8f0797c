package channel

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/config"
	"github.com/stellarlinkco/markbot/internal/corpus"
)

const (
	discordChannelName = "discord"
	discordMaxLen      = 2000

	moderatorPermissions = discordgo.PermissionAdministrator |
		discordgo.PermissionManageChannels |
		discordgo.PermissionKickMembers |
		discordgo.PermissionVoiceMoveMembers
)

// DiscordSession is the subset of the Discord API the channel uses (allows mocking).
type DiscordSession interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	SelfID() string
	ChannelMessages(channelID string, limit int, beforeID string) ([]*discordgo.Message, error)
	Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	React(channelID, messageID, emoji string) error
	Channel(channelID string) (*discordgo.Channel, error)
	Permissions(userID, channelID string) (int64, error)
	SetStatus(name string) error
}

// dgSession wraps discordgo.Session to implement DiscordSession
type dgSession struct {
	s *discordgo.Session
}

func (w *dgSession) Open() error                   { return w.s.Open() }
func (w *dgSession) Close() error                  { return w.s.Close() }
func (w *dgSession) AddHandler(handler any) func() { return w.s.AddHandler(handler) }

func (w *dgSession) SelfID() string {
	if w.s.State == nil || w.s.State.User == nil {
		return ""
	}
	return w.s.State.User.ID
}

func (w *dgSession) ChannelMessages(channelID string, limit int, beforeID string) ([]*discordgo.Message, error) {
	return w.s.ChannelMessages(channelID, limit, beforeID, "", "")
}

func (w *dgSession) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return w.s.ChannelMessageSendComplex(channelID, data)
}

func (w *dgSession) React(channelID, messageID, emoji string) error {
	return w.s.MessageReactionAdd(channelID, messageID, emoji)
}

func (w *dgSession) Channel(channelID string) (*discordgo.Channel, error) {
	if w.s.State != nil {
		if ch, err := w.s.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return w.s.Channel(channelID)
}

func (w *dgSession) Permissions(userID, channelID string) (int64, error) {
	return w.s.UserChannelPermissions(userID, channelID)
}

func (w *dgSession) SetStatus(name string) error {
	return w.s.UpdateGameStatus(0, name)
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &dgSession{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token      string
	status     string
	moderators []string
	pageSize   int
	limiter    *rate.Limiter
	session    DiscordSession
	factory    SessionFactory
	removers   []func()

	mu         sync.Mutex
	categories map[string]string // chat ID -> parent category name
}

func NewDiscordChannel(cfg config.DiscordConfig, bot config.BotConfig, pageSize int, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, bot, pageSize, b, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, bot config.BotConfig, pageSize int, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if pageSize <= 0 {
		pageSize = config.DefaultPageSize
	}
	historyRate := cfg.HistoryRate
	if historyRate <= 0 {
		historyRate = config.DefaultHistoryRate
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		status:      bot.Status,
		moderators:  bot.Moderators,
		pageSize:    pageSize,
		limiter:     rate.NewLimiter(rate.Limit(historyRate), 1),
		factory:     factory,
		categories:  make(map[string]string),
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	d.session = session

	d.removers = append(d.removers,
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			d.handleCreate(m)
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			d.handleDelete(m)
		}),
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
			d.setStatus()
		}),
	)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	log.Printf("[discord] connected")
	return nil
}

func (d *DiscordChannel) setStatus() {
	if d.status == "" {
		return
	}
	if err := d.session.SetStatus(d.status); err != nil {
		log.Printf("[discord] set status failed: %v", err)
	}
}

func (d *DiscordChannel) handleCreate(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	if !d.IsAllowed(m.Author.ID) {
		log.Printf("[discord] rejected message from %s (%s)", m.Author.ID, m.Author.Username)
		return
	}

	selfID := d.session.SelfID()
	if m.Author.ID == selfID {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && selfID != "" && u.ID == selfID {
			mentioned = true
			break
		}
	}

	var media []string
	for _, a := range m.Attachments {
		if a != nil && a.URL != "" {
			media = append(media, a.URL)
		}
	}

	d.bus.Inbound <- bus.InboundMessage{
		Channel:   discordChannelName,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Media:     media,
		Category:  d.category(m.ChannelID),
		FromBot:   m.Author.Bot,
		Mentioned: mentioned,
		TTS:       m.TTS,
		Metadata: map[string]any{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	}
}

func (d *DiscordChannel) handleDelete(m *discordgo.MessageDelete) {
	if m.Message == nil || m.ID == "" {
		return
	}
	d.bus.Deletions <- bus.DeletionEvent{
		Channel:   discordChannelName,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
	}
}

// category returns the name of the category chatID belongs to, or "" when
// it has none or the lookup fails.
func (d *DiscordChannel) category(chatID string) string {
	d.mu.Lock()
	name, ok := d.categories[chatID]
	d.mu.Unlock()
	if ok {
		return name
	}

	ch, err := d.session.Channel(chatID)
	if err != nil {
		log.Printf("[discord] lookup channel %s failed: %v", chatID, err)
		return ""
	}
	if ch.ParentID != "" {
		parent, err := d.session.Channel(ch.ParentID)
		if err != nil {
			log.Printf("[discord] lookup category %s failed: %v", ch.ParentID, err)
			return ""
		}
		name = parent.Name
	}

	d.mu.Lock()
	d.categories[chatID] = name
	d.mu.Unlock()
	return name
}

func (d *DiscordChannel) IsModerator(senderID, chatID string) bool {
	if slices.Contains(d.moderators, senderID) {
		return true
	}
	if d.session == nil {
		return false
	}
	perms, err := d.session.Permissions(senderID, chatID)
	if err != nil {
		log.Printf("[discord] permissions for %s failed: %v", senderID, err)
		return false
	}
	return perms&moderatorPermissions != 0
}

// FetchHistory pages backwards through chatID and returns every message not
// written by a bot. Pages are paced by the channel's history limiter.
func (d *DiscordChannel) FetchHistory(ctx context.Context, chatID string) ([]corpus.Record, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}

	var records []corpus.Record
	before := ""
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		page, err := d.session.ChannelMessages(chatID, d.pageSize, before)
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		for _, m := range page {
			if m.Author != nil && m.Author.Bot {
				continue
			}
			rec := corpus.Record{ID: m.ID, Text: m.Content}
			if len(m.Attachments) > 0 && m.Attachments[0] != nil {
				rec.Attachment = m.Attachments[0].URL
			}
			records = append(records, rec)
		}
		if len(page) < d.pageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	log.Printf("[discord] fetched %d history messages from %s", len(records), chatID)
	return records, nil
}

func (d *DiscordChannel) Stop() error {
	for _, remove := range d.removers {
		remove()
	}
	d.removers = nil
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	log.Printf("[discord] stopped")
	return nil
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	if d.session == nil {
		return fmt.Errorf("discord session not initialized")
	}

	if msg.Reaction != "" {
		if err := d.session.React(msg.ChatID, msg.ReplyTo, msg.Reaction); err != nil {
			return fmt.Errorf("add discord reaction: %w", err)
		}
		return nil
	}

	chunks := splitContent(msg.Content, discordMaxLen)
	if len(chunks) == 0 && len(msg.Media) > 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk, TTS: msg.TTS}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}
		if i == len(chunks)-1 && len(msg.Media) > 0 {
			data.Embeds = []*discordgo.MessageEmbed{{
				Image: &discordgo.MessageEmbedImage{URL: msg.Media[0]},
			}}
		}
		if _, err := d.session.Send(msg.ChatID, data); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
