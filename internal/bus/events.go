package bus

import "time"

// InboundMessage is a user message received by a channel. Command is set
// (without prefix) when the text was a bot command; Args then holds the
// rest of the line.
type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	MessageID  string
	Content    string
	Command    string
	Args       string
	Timestamp  time.Time
	Metadata   map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// UserKey identifies the sender across chats of one channel.
func (m *InboundMessage) UserKey() string {
	return m.Channel + ":" + m.SenderID
}

func (m *InboundMessage) IsCommand() bool {
	return m.Command != ""
}

// OutboundMessage is a reply routed back to the channel it came from.
// ReplyTo holds the platform message id being answered, if any.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
