package channel

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/config"
)

const (
	discordChannelName = "discord"
	discordMaxLen      = 2000
	emptyMentionText   = "Hello!"
)

// DiscordSession is the part of the gateway session the channel uses.
type DiscordSession interface {
	Open() error
	Close() error
	SelfID() string
	OnMessageCreate(fn func(m *discordgo.Message))
	ChannelMessage(channelID, messageID string) (*discordgo.Message, error)
	ChannelTyping(channelID string) error
	ChannelMessageSend(channelID, content string) error
	ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference) error
}

type dgSessionWrapper struct {
	s *discordgo.Session
}

func (w *dgSessionWrapper) Open() error  { return w.s.Open() }
func (w *dgSessionWrapper) Close() error { return w.s.Close() }

func (w *dgSessionWrapper) SelfID() string {
	if w.s.State == nil || w.s.State.User == nil {
		return ""
	}
	return w.s.State.User.ID
}

func (w *dgSessionWrapper) OnMessageCreate(fn func(m *discordgo.Message)) {
	w.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageCreate) {
		fn(ev.Message)
	})
}

func (w *dgSessionWrapper) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	return w.s.ChannelMessage(channelID, messageID)
}

func (w *dgSessionWrapper) ChannelTyping(channelID string) error {
	return w.s.ChannelTyping(channelID)
}

func (w *dgSessionWrapper) ChannelMessageSend(channelID, content string) error {
	_, err := w.s.ChannelMessageSend(channelID, content)
	return err
}

func (w *dgSessionWrapper) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference) error {
	_, err := w.s.ChannelMessageSendReply(channelID, content, ref)
	return err
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &dgSessionWrapper{s: s}, nil
}

// DiscordChannel answers messages that mention the bot or reply to it,
// and forwards prefixed commands from anyone.
type DiscordChannel struct {
	BaseChannel
	token   string
	prefix  string
	session DiscordSession
	factory SessionFactory
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, prefix string, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, prefix, b, defaultSessionFactory)
}

func NewDiscordChannelWithFactory(cfg config.DiscordConfig, prefix string, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, goerr.Wrap(ErrMissingToken, "create discord channel")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		prefix:      prefix,
		factory:     factory,
		ctx:         context.Background(),
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return goerr.Wrap(err, "create discord session")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.session = session
	session.OnMessageCreate(d.handleMessage)

	if err := session.Open(); err != nil {
		d.cancel()
		return goerr.Wrap(err, "open discord session")
	}
	d.logger.Info("connected", "self_id", session.SelfID())
	return nil
}

func (d *DiscordChannel) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return goerr.Wrap(err, "close discord session")
	}
	d.logger.Info("stopped")
	return nil
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

func (d *DiscordChannel) handleMessage(m *discordgo.Message) {
	if m == nil || m.Author == nil || d.session == nil {
		return
	}
	selfID := d.session.SelfID()
	if m.Author.ID == selfID {
		return
	}
	if !d.IsAllowed(m.Author.ID) {
		d.logger.Debug("rejected message", "sender", m.Author.ID)
		return
	}

	in := bus.InboundMessage{
		Channel:    discordChannelName,
		SenderID:   m.Author.ID,
		SenderName: displayName(m.Author),
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Timestamp:  m.Timestamp,
		Metadata:   map[string]any{"guild_id": m.GuildID},
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	if name, args, ok := ParseCommand(m.Content, d.prefix); ok {
		in.Command, in.Args, in.Content = name, args, m.Content
		d.publish(in)
		return
	}

	if !mentionsUser(m, selfID) && !d.repliesTo(m, selfID) {
		return
	}

	in.Content = cleanContent(m, selfID)
	if in.Content == "" {
		in.Content = emptyMentionText
	}

	if err := d.session.ChannelTyping(m.ChannelID); err != nil {
		d.logger.Debug("typing indicator failed", "channel_id", m.ChannelID, "error", err)
	}
	d.publish(in)
}

func (d *DiscordChannel) publish(in bus.InboundMessage) {
	if err := d.bus.PublishInbound(d.ctx, in); err != nil {
		d.logger.Warn("drop inbound message", "message_id", in.MessageID, "error", err)
	}
}

// repliesTo reports whether m is a reply to a message authored by selfID.
// The referenced message is fetched when the gateway did not embed it.
func (d *DiscordChannel) repliesTo(m *discordgo.Message, selfID string) bool {
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		return ref.Author.ID == selfID
	}
	if m.MessageReference == nil || m.MessageReference.MessageID == "" {
		return false
	}
	channelID := m.MessageReference.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	ref, err := d.session.ChannelMessage(channelID, m.MessageReference.MessageID)
	if err != nil {
		d.logger.Debug("fetch referenced message failed", "message_id", m.MessageReference.MessageID, "error", err)
		return false
	}
	return ref != nil && ref.Author != nil && ref.Author.ID == selfID
}

// Send delivers msg.Content in chunks cut at sentence boundaries. Every
// chunk replies to msg.ReplyTo when it is set.
func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	if d.session == nil {
		return goerr.Wrap(ErrNotStarted, "send discord message")
	}
	if msg.ChatID == "" {
		return goerr.Wrap(ErrInvalidChatID, "send discord message")
	}

	for _, chunk := range SplitMessage(msg.Content, discordMaxLen, ". ") {
		var err error
		if msg.ReplyTo != "" {
			err = d.session.ChannelMessageSendReply(msg.ChatID, chunk, &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChatID,
			})
		} else {
			err = d.session.ChannelMessageSend(msg.ChatID, chunk)
		}
		if err != nil {
			return goerr.Wrap(ErrSend, "send discord message",
				goerr.V("channel_id", msg.ChatID), goerr.V("cause", err.Error()))
		}
	}
	return nil
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+userID+">") || strings.Contains(m.Content, "<@!"+userID+">")
}

// cleanContent strips the bot's own mention and renders other user
// mentions as @name.
func cleanContent(m *discordgo.Message, selfID string) string {
	stripped := *m
	if selfID != "" {
		stripped.Content = strings.NewReplacer("<@"+selfID+">", "", "<@!"+selfID+">", "").Replace(m.Content)
	}
	return strings.TrimSpace(stripped.ContentWithMentionsReplaced())
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
