package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/config"
)

type sentDiscordMessage struct {
	channelID string
	content   string
	ref       *discordgo.MessageReference
}

// mockDiscordSession implements DiscordSession for testing
type mockDiscordSession struct {
	mu       sync.Mutex
	selfID   string
	handler  func(m *discordgo.Message)
	opened   bool
	closed   bool
	openErr  error
	sendErr  error
	typing   []string
	sent     []sentDiscordMessage
	messages map[string]*discordgo.Message
}

func newMockSession() *mockDiscordSession {
	return &mockDiscordSession{selfID: "bot", messages: make(map[string]*discordgo.Message)}
}

func (m *mockDiscordSession) Open() error {
	m.opened = true
	return m.openErr
}

func (m *mockDiscordSession) Close() error {
	m.closed = true
	return nil
}

func (m *mockDiscordSession) SelfID() string { return m.selfID }

func (m *mockDiscordSession) OnMessageCreate(fn func(m *discordgo.Message)) {
	m.handler = fn
}

func (m *mockDiscordSession) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, errors.New("unknown message")
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelTyping(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(channelID, content string) error {
	return m.ChannelMessageSendReply(channelID, content, nil)
}

func (m *mockDiscordSession) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentDiscordMessage{channelID: channelID, content: content, ref: ref})
	return nil
}

func newTestDiscord(t *testing.T, allow []string) (*DiscordChannel, *mockDiscordSession, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	session := newMockSession()
	ch, err := NewDiscordChannelWithFactory(config.DiscordConfig{Token: "fake", AllowFrom: allow}, "!", b,
		func(token string) (DiscordSession, error) { return session, nil })
	if err != nil {
		t.Fatalf("NewDiscordChannel error: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return ch, session, b
}

func user(id, name string) *discordgo.User {
	return &discordgo.User{ID: id, Username: name}
}

func TestNewDiscordChannel_NoToken(t *testing.T) {
	_, err := NewDiscordChannel(config.DiscordConfig{}, "!", bus.NewMessageBus(1))
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestDiscordChannel_Start_OpenError(t *testing.T) {
	session := newMockSession()
	session.openErr = errors.New("bad token")
	ch, _ := NewDiscordChannelWithFactory(config.DiscordConfig{Token: "fake"}, "!", bus.NewMessageBus(1),
		func(token string) (DiscordSession, error) { return session, nil })

	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error when the session fails to open")
	}
}

func TestDiscordChannel_Start_RegistersHandler(t *testing.T) {
	ch, session, _ := newTestDiscord(t, nil)
	if !session.opened || session.handler == nil {
		t.Error("Start should register a handler and open the session")
	}
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if !session.closed {
		t.Error("Stop should close the session")
	}
}

func TestDiscordChannel_Mention(t *testing.T) {
	_, session, b := newTestDiscord(t, nil)

	session.handler(&discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Author:    user("u1", "ana"),
		Content:   "<@bot> hi <@u2>, say hello",
		Mentions:  []*discordgo.User{user("bot", "Yuno"), user("u2", "ben")},
	})

	msg, ok := readInbound(t, b)
	if !ok {
		t.Fatal("expected inbound message")
	}
	if msg.Content != "hi @ben, say hello" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.SenderID != "u1" || msg.ChatID != "c1" || msg.MessageID != "m1" || msg.SenderName != "ana" {
		t.Errorf("unexpected ids: %+v", msg)
	}
	if len(session.typing) != 1 || session.typing[0] != "c1" {
		t.Errorf("typing = %v, want [c1]", session.typing)
	}
}

func TestDiscordChannel_NicknameMentionOnly(t *testing.T) {
	_, session, b := newTestDiscord(t, nil)

	session.handler(&discordgo.Message{
		ChannelID: "c1",
		Author:    user("u1", "ana"),
		Content:   "<@!bot>",
	})

	msg, ok := readInbound(t, b)
	if !ok || msg.Content != "Hello!" {
		t.Errorf("got %q, %v; want Hello!", msg.Content, ok)
	}
}

func TestDiscordChannel_IgnoresUnaddressed(t *testing.T) {
	_, session, b := newTestDiscord(t, nil)

	session.handler(&discordgo.Message{ChannelID: "c1", Author: user("u1", "ana"), Content: "just chatting"})
	session.handler(&discordgo.Message{ChannelID: "c1", Author: user("bot", "Yuno"), Content: "<@bot> myself"})
	session.handler(&discordgo.Message{ChannelID: "c1", Content: "no author"})

	if msg, ok := readInbound(t, b); ok {
		t.Errorf("unexpected inbound: %+v", msg)
	}
}

func TestDiscordChannel_AllowList(t *testing.T) {
	_, session, b := newTestDiscord(t, []string{"u9"})

	session.handler(&discordgo.Message{ChannelID: "c1", Author: user("u1", "ana"), Content: "<@bot> hi"})

	if _, ok := readInbound(t, b); ok {
		t.Error("sender outside allow-list should be ignored")
	}
}

func TestDiscordChannel_ReplyToBot(t *testing.T) {
	_, session, b := newTestDiscord(t, nil)

	session.handler(&discordgo.Message{
		ChannelID:         "c1",
		Author:            user("u1", "ana"),
		Content:           "and then?",
		ReferencedMessage: &discordgo.Message{Author: user("bot", "Yuno")},
	})
	msg, ok := readInbound(t, b)
	if !ok || msg.Content != "and then?" {
		t.Errorf("embedded reference: got %q, %v", msg.Content, ok)
	}

	session.messages["prev"] = &discordgo.Message{Author: user("bot", "Yuno")}
	session.handler(&discordgo.Message{
		ChannelID:        "c1",
		Author:           user("u1", "ana"),
		Content:          "fetched",
		MessageReference: &discordgo.MessageReference{MessageID: "prev"},
	})
	msg, ok = readInbound(t, b)
	if !ok || msg.Content != "fetched" {
		t.Errorf("fetched reference: got %q, %v", msg.Content, ok)
	}

	session.handler(&discordgo.Message{
		ChannelID:         "c1",
		Author:            user("u1", "ana"),
		Content:           "reply to someone else",
		ReferencedMessage: &discordgo.Message{Author: user("u2", "ben")},
	})
	session.handler(&discordgo.Message{
		ChannelID:        "c1",
		Author:           user("u1", "ana"),
		Content:          "reference lost",
		MessageReference: &discordgo.MessageReference{MessageID: "gone"},
	})
	if msg, ok := readInbound(t, b); ok {
		t.Errorf("unexpected inbound: %+v", msg)
	}
}

func TestDiscordChannel_Command(t *testing.T) {
	_, session, b := newTestDiscord(t, nil)

	session.handler(&discordgo.Message{
		ChannelID: "c1",
		Author:    user("u1", "ana"),
		Content:   "!add_family <@123> cousin",
	})

	msg, ok := readInbound(t, b)
	if !ok {
		t.Fatal("commands should not need a mention")
	}
	if msg.Command != "add_family" || msg.Args != "<@123> cousin" {
		t.Errorf("command = %q, args = %q", msg.Command, msg.Args)
	}
	if len(session.typing) != 0 {
		t.Error("commands should not trigger typing")
	}
}

func TestDiscordChannel_Send_Reply(t *testing.T) {
	ch, session, _ := newTestDiscord(t, nil)

	if err := ch.Send(bus.OutboundMessage{ChatID: "c1", Content: "hi", ReplyTo: "m1"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(session.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(session.sent))
	}
	got := session.sent[0]
	if got.ref == nil || got.ref.MessageID != "m1" || got.ref.ChannelID != "c1" {
		t.Errorf("reference = %+v", got.ref)
	}
}

func TestDiscordChannel_Send_Plain(t *testing.T) {
	ch, session, _ := newTestDiscord(t, nil)

	if err := ch.Send(bus.OutboundMessage{ChatID: "c1", Content: "status"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(session.sent) != 1 || session.sent[0].ref != nil {
		t.Errorf("sent = %+v, want one plain message", session.sent)
	}
}

func TestDiscordChannel_Send_Long(t *testing.T) {
	ch, session, _ := newTestDiscord(t, nil)
	long := strings.Repeat("This sentence is here to fill space. ", 120)

	if err := ch.Send(bus.OutboundMessage{ChatID: "c1", Content: long, ReplyTo: "m1"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(session.sent) < 2 {
		t.Fatalf("sent = %d, want several chunks", len(session.sent))
	}
	for i, s := range session.sent {
		if len(s.content) > discordMaxLen {
			t.Errorf("chunk %d length %d", i, len(s.content))
		}
		if s.ref == nil {
			t.Errorf("chunk %d should reply to the original message", i)
		}
	}
}

func TestDiscordChannel_Send_Errors(t *testing.T) {
	b := bus.NewMessageBus(1)
	ch, _ := NewDiscordChannel(config.DiscordConfig{Token: "fake"}, "!", b)
	if err := ch.Send(bus.OutboundMessage{ChatID: "c1", Content: "x"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}

	ch, session, _ := newTestDiscord(t, nil)
	if err := ch.Send(bus.OutboundMessage{Content: "x"}); !errors.Is(err, ErrInvalidChatID) {
		t.Errorf("err = %v, want ErrInvalidChatID", err)
	}
	session.sendErr = errors.New("403")
	if err := ch.Send(bus.OutboundMessage{ChatID: "c1", Content: "x"}); !errors.Is(err, ErrSend) {
		t.Errorf("err = %v, want ErrSend", err)
	}
}
