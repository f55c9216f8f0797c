package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stellarlinkco/markbot/internal/bus"
	"github.com/stellarlinkco/markbot/internal/config"
)

// fakeSession implements DiscordSession for testing
type fakeSession struct {
	opened    bool
	closed    bool
	openErr   error
	handlers  []any
	selfID    string
	channels  map[string]*discordgo.Channel
	history   []*discordgo.Message // newest first
	pages     []string              // beforeID of every page request
	sent      []*discordgo.MessageSend
	reactions []string
	perms     map[string]int64
	status    string
	sendErr   error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		selfID: "bot",
		channels: map[string]*discordgo.Channel{
			"general": {ID: "general", ParentID: "cat"},
			"cat":     {ID: "cat", Name: "Events", Type: discordgo.ChannelTypeGuildCategory},
			"loose":   {ID: "loose"},
		},
		perms: make(map[string]int64),
	}
}

func (f *fakeSession) Open() error {
	f.opened = true
	return f.openErr
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) AddHandler(handler any) func() {
	f.handlers = append(f.handlers, handler)
	return func() {}
}

func (f *fakeSession) SelfID() string { return f.selfID }

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID string) ([]*discordgo.Message, error) {
	f.pages = append(f.pages, beforeID)
	start := 0
	if beforeID != "" {
		for i, m := range f.history {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(f.history))
	return f.history[start:end], nil
}

func (f *fakeSession) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "sent"}, nil
}

func (f *fakeSession) React(channelID, messageID, emoji string) error {
	f.reactions = append(f.reactions, channelID+"/"+messageID+"/"+emoji)
	return nil
}

func (f *fakeSession) Channel(channelID string) (*discordgo.Channel, error) {
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", channelID)
	}
	return ch, nil
}

func (f *fakeSession) Permissions(userID, channelID string) (int64, error) {
	return f.perms[userID], nil
}

func (f *fakeSession) SetStatus(name string) error {
	f.status = name
	return nil
}

func newDiscord(t *testing.T, b *bus.MessageBus, pageSize int) (*DiscordChannel, *fakeSession) {
	t.Helper()
	session := newFakeSession()
	factory := func(token string) (DiscordSession, error) { return session, nil }
	cfg := config.DiscordConfig{Token: "fake-token", HistoryRate: 1000}
	bot := config.BotConfig{Status: "!crim help", Moderators: []string{"owner"}}
	ch, err := NewDiscordChannelWithFactory(cfg, bot, pageSize, b, factory)
	if err != nil {
		t.Fatalf("NewDiscordChannelWithFactory error: %v", err)
	}
	return ch, session
}

func guildMessage(id, channelID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "guild",
		Content:   content,
		Author:    &discordgo.User{ID: "user", Username: "someone"},
		Timestamp: time.Unix(1700000000, 0),
	}}
}

func TestNewDiscordChannel_NoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewDiscordChannel(config.DiscordConfig{}, config.BotConfig{}, 100, b); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestDiscordChannel_StartStop(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !session.opened {
		t.Error("session should be opened")
	}
	if len(session.handlers) != 3 {
		t.Errorf("handlers = %d, want create, delete and ready", len(session.handlers))
	}

	ready, ok := session.handlers[2].(func(*discordgo.Session, *discordgo.Ready))
	if !ok {
		t.Fatalf("third handler has type %T", session.handlers[2])
	}
	ready(nil, &discordgo.Ready{})
	if session.status != "!crim help" {
		t.Errorf("status = %q", session.status)
	}

	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if !session.closed {
		t.Error("session should be closed")
	}
}

func TestDiscordChannel_Start_OpenError(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)
	session.openErr = fmt.Errorf("gateway unavailable")
	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
}

func TestDiscordChannel_HandleCreate(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)
	ch.SetSession(session)

	m := guildMessage("m1", "general", "hello <@bot>")
	m.Mentions = []*discordgo.User{{ID: "bot"}}
	m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png"}}
	m.TTS = true
	ch.handleCreate(m)

	select {
	case inbound := <-b.Inbound:
		if inbound.Channel != "discord" || inbound.ChatID != "general" || inbound.MessageID != "m1" {
			t.Errorf("inbound = %+v", inbound)
		}
		if inbound.Category != "Events" {
			t.Errorf("category = %q, want Events", inbound.Category)
		}
		if !inbound.Mentioned || !inbound.TTS {
			t.Errorf("mentioned=%v tts=%v", inbound.Mentioned, inbound.TTS)
		}
		if len(inbound.Media) != 1 || inbound.Media[0] != "https://cdn.example/a.png" {
			t.Errorf("media = %v", inbound.Media)
		}
	default:
		t.Fatal("expected inbound message")
	}

	// Category lookups are cached per channel.
	delete(session.channels, "cat")
	if got := ch.category("general"); got != "Events" {
		t.Errorf("cached category = %q", got)
	}
	if got := ch.category("loose"); got != "" {
		t.Errorf("uncategorised channel = %q", got)
	}
}

func TestDiscordChannel_HandleCreate_Ignored(t *testing.T) {
	tests := []struct {
		name string
		msg  func() *discordgo.MessageCreate
	}{
		{"direct message", func() *discordgo.MessageCreate {
			m := guildMessage("1", "general", "hi")
			m.GuildID = ""
			return m
		}},
		{"own message", func() *discordgo.MessageCreate {
			m := guildMessage("1", "general", "hi")
			m.Author.ID = "bot"
			return m
		}},
		{"no author", func() *discordgo.MessageCreate {
			m := guildMessage("1", "general", "hi")
			m.Author = nil
			return m
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMessageBus(10)
			ch, session := newDiscord(t, b, 100)
			ch.SetSession(session)
			ch.handleCreate(tt.msg())
			select {
			case inbound := <-b.Inbound:
				t.Errorf("unexpected inbound %+v", inbound)
			default:
			}
		})
	}
}

func TestDiscordChannel_HandleCreate_OtherBots(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)
	ch.SetSession(session)

	m := guildMessage("1", "general", "beep")
	m.Author.Bot = true
	ch.handleCreate(m)

	inbound := <-b.Inbound
	if !inbound.FromBot {
		t.Error("other bots are published with FromBot set")
	}
}

func TestDiscordChannel_HandleDelete(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := newDiscord(t, b, 100)

	ch.handleDelete(&discordgo.MessageDelete{Message: &discordgo.Message{ID: "m1", ChannelID: "general"}})
	ch.handleDelete(&discordgo.MessageDelete{Message: &discordgo.Message{}})

	select {
	case ev := <-b.Deletions:
		if ev.MessageID != "m1" || ev.Channel != "discord" {
			t.Errorf("deletion = %+v", ev)
		}
	default:
		t.Fatal("expected deletion event")
	}
	select {
	case ev := <-b.Deletions:
		t.Errorf("empty id should be dropped, got %+v", ev)
	default:
	}
}

func TestDiscordChannel_IsModerator(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)
	ch.SetSession(session)
	session.perms["admin"] = discordgo.PermissionAdministrator
	session.perms["mover"] = discordgo.PermissionVoiceMoveMembers
	session.perms["pleb"] = discordgo.PermissionSendMessages

	tests := []struct {
		user string
		want bool
	}{
		{"owner", true},
		{"admin", true},
		{"mover", true},
		{"pleb", false},
		{"nobody", false},
	}
	for _, tt := range tests {
		if got := ch.IsModerator(tt.user, "general"); got != tt.want {
			t.Errorf("IsModerator(%q) = %v, want %v", tt.user, got, tt.want)
		}
	}
}

func TestDiscordChannel_FetchHistory(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 3)
	ch.SetSession(session)

	for i := 7; i >= 1; i-- {
		m := &discordgo.Message{
			ID:      strconv.Itoa(i),
			Content: "message " + strconv.Itoa(i),
			Author:  &discordgo.User{ID: "u"},
		}
		if i == 4 {
			m.Author.Bot = true
		}
		if i == 2 {
			m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example/2.png"}}
		}
		session.history = append(session.history, m)
	}

	records, err := ch.FetchHistory(context.Background(), "general")
	if err != nil {
		t.Fatalf("FetchHistory error: %v", err)
	}
	if len(records) != 6 {
		t.Fatalf("records = %d, want 6 human messages", len(records))
	}
	for _, r := range records {
		if r.ID == "4" {
			t.Error("bot message should be skipped")
		}
		if r.ID == "2" && r.Attachment != "https://cdn.example/2.png" {
			t.Errorf("attachment = %q", r.Attachment)
		}
	}
	if strings.Join(session.pages, ",") != ",5,2" {
		t.Errorf("page cursors = %q, want \",5,2\"", session.pages)
	}
}

func TestDiscordChannel_FetchHistory_Cancelled(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 3)
	ch.SetSession(session)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ch.FetchHistory(ctx, "general"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestDiscordChannel_Send(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)

	if err := ch.Send(bus.OutboundMessage{ChatID: "general", Content: "x"}); err == nil {
		t.Error("expected error before the session is set")
	}
	ch.SetSession(session)

	err := ch.Send(bus.OutboundMessage{
		ChatID:  "general",
		Content: "hello",
		ReplyTo: "m1",
		TTS:     true,
		Media:   []string{"https://cdn.example/a.png"},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(session.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(session.sent))
	}
	sent := session.sent[0]
	if sent.Content != "hello" || !sent.TTS {
		t.Errorf("sent = %+v", sent)
	}
	if sent.Reference == nil || sent.Reference.MessageID != "m1" {
		t.Errorf("reference = %+v", sent.Reference)
	}
	if len(sent.Embeds) != 1 || sent.Embeds[0].Image.URL != "https://cdn.example/a.png" {
		t.Errorf("embeds = %+v", sent.Embeds)
	}
}

func TestDiscordChannel_Send_ChunksAndReaction(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, session := newDiscord(t, b, 100)
	ch.SetSession(session)

	if err := ch.Send(bus.OutboundMessage{ChatID: "general", Content: strings.Repeat("a", 4500)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(session.sent) != 3 {
		t.Errorf("chunks = %d, want 3", len(session.sent))
	}

	if err := ch.Send(bus.OutboundMessage{ChatID: "general", ReplyTo: "m1", Reaction: "🤷"}); err != nil {
		t.Fatalf("Send reaction error: %v", err)
	}
	if len(session.reactions) != 1 || session.reactions[0] != "general/m1/🤷" {
		t.Errorf("reactions = %v", session.reactions)
	}

	session.sendErr = fmt.Errorf("rate limited")
	if err := ch.Send(bus.OutboundMessage{ChatID: "general", Content: "x"}); err == nil {
		t.Error("expected send error")
	}
}
