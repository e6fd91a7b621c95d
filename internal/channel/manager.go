package channel

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/stellarlinkco/yuno/internal/bus"
	"github.com/stellarlinkco/yuno/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *slog.Logger
}

// NewChannelManager builds every enabled channel and subscribes it to
// outbound replies. prefix is the text command prefix.
func NewChannelManager(cfg config.ChannelsConfig, prefix string, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   slog.Default().With("component", "channel-mgr"),
	}

	if cfg.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Discord, prefix, b)
		if err != nil {
			return nil, goerr.Wrap(err, "init discord channel")
		}
		m.Register(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, prefix, b)
		if err != nil {
			return nil, goerr.Wrap(err, "init telegram channel")
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and routes its outbound replies.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Error("send failed", "channel", ch.Name(), "error", err)
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- goerr.Wrap(err, "start channel", goerr.V("channel", name))
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			m.logger.Error("stop failed", "channel", name, "error", err)
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
