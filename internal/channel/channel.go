package channel

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/stellarlinkco/yuno/internal/bus"
)

// Channel is a chat platform connection.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every channel shares: its name, the bus and the
// sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    *slog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allowed,
		logger:    slog.Default().With("component", name),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// ParseCommand splits "<prefix>name args" into its parts. ok is false when
// text does not start with prefix followed by a name.
func ParseCommand(text, prefix string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := text[len(prefix):]
	name, args, _ = strings.Cut(rest, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

// SplitMessage breaks text into chunks of at most limit characters,
// cutting after sep where possible and mid-text only when a single
// segment is longer than limit.
func SplitMessage(text string, limit int, sep string) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, seg := range strings.SplitAfter(text, sep) {
		segLen := utf8.RuneCountInString(seg)
		if curLen+segLen > limit {
			flush()
		}
		for segLen > limit {
			head, tail := splitRunes(seg, limit)
			chunks = append(chunks, head)
			seg = tail
			segLen = utf8.RuneCountInString(seg)
		}
		cur.WriteString(seg)
		curLen += segLen
	}
	flush()
	return chunks
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
