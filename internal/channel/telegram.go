package channel

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/config"
)

const (
	telegramChannelName = "telegram"
	// Telegram caps messages at 4096 characters; leave room for HTML escapes.
	telegramMaxLen = 4000
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel answers private chats, and group messages that mention
// the bot or reply to it.
type TelegramChannel struct {
	BaseChannel
	token      string
	prefix     string
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	ctx        context.Context
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, prefix string, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, prefix, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, prefix string, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, goerr.Wrap(ErrMissingToken, "create telegram channel")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		prefix:      prefix,
		proxy:       cfg.Proxy,
		botFactory:  factory,
		ctx:         context.Background(),
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return goerr.Wrap(err, "parse proxy url", goerr.V("proxy", t.proxy))
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return goerr.Wrap(err, "create telegram bot")
	}
	t.bot = bot
	t.logger.Info("authorized", "username", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-t.ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.logger.Debug("rejected message", "sender", senderID, "username", msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	in := bus.InboundMessage{
		Channel:    telegramChannelName,
		SenderID:   senderID,
		SenderName: msg.From.FirstName,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:  strconv.Itoa(msg.MessageID),
		Timestamp:  time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		},
	}

	if msg.IsCommand() {
		in.Command = strings.ToLower(msg.Command())
		in.Args = strings.TrimSpace(msg.CommandArguments())
		in.Content = content
		t.publish(in)
		return
	}
	if name, args, ok := ParseCommand(content, t.prefix); ok {
		in.Command, in.Args, in.Content = name, args, content
		t.publish(in)
		return
	}

	if content == "" {
		return
	}

	self := t.bot.GetSelf()
	mention := "@" + self.UserName
	addressed := msg.Chat.IsPrivate() ||
		(self.UserName != "" && strings.Contains(content, mention)) ||
		(msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == self.ID)
	if !addressed {
		return
	}

	if self.UserName != "" {
		content = strings.ReplaceAll(content, mention, "")
	}
	in.Content = strings.TrimSpace(content)
	if in.Content == "" {
		in.Content = emptyMentionText
	}

	if _, err := t.bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("typing indicator failed", "chat_id", msg.Chat.ID, "error", err)
	}
	t.publish(in)
}

func (t *TelegramChannel) publish(in bus.InboundMessage) {
	if err := t.bus.PublishInbound(t.ctx, in); err != nil {
		t.logger.Warn("drop inbound message", "message_id", in.MessageID, "error", err)
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send delivers msg.Content split at line breaks, rendered as HTML. A
// chunk Telegram refuses to parse is resent as plain text.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return goerr.Wrap(ErrNotStarted, "send telegram message")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return goerr.Wrap(ErrInvalidChatID, "send telegram message", goerr.V("chat_id", msg.ChatID))
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range SplitMessage(msg.Content, telegramMaxLen, "\n") {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if i == 0 && replyTo > 0 {
			tgMsg.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(tgMsg); err == nil {
			continue
		}

		tgMsg.ParseMode = ""
		tgMsg.Text = chunk
		if _, err := t.bot.Send(tgMsg); err != nil {
			return goerr.Wrap(ErrSend, "send telegram message",
				goerr.V("chat_id", chatID), goerr.V("cause", err.Error()))
		}
	}
	return nil
}

// toTelegramHTML converts the markdown subset the bot writes (code
// fences, inline code, bold and italic) to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)

	s = replacePairs(s, "```", func(code string) string {
		if nl := strings.Index(code, "\n"); nl >= 0 {
			lang := strings.TrimSpace(code[:nl])
			if lang != "" && !strings.Contains(lang, " ") {
				code = code[nl+1:]
			}
		}
		return "<pre>" + code + "</pre>"
	})
	s = replacePairs(s, "`", wrapTag("code"))
	s = replacePairs(s, "**", wrapTag("b"))
	s = replacePairs(s, "*", wrapTag("i"))
	return s
}

func wrapTag(tag string) func(string) string {
	return func(inner string) string {
		return "<" + tag + ">" + inner + "</" + tag + ">"
	}
}

// replacePairs rewrites every delim...delim span with render(inner). An
// unmatched trailing delim is left as is.
func replacePairs(s, delim string, render func(string) string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(render(s[start+len(delim) : end]))
		s = s[end+len(delim):]
	}
	b.WriteString(s)
	return b.String()
}
