// Package bus decouples chat channels from the gateway: channels push
// inbound messages, the gateway publishes replies that are fanned out to
// the subscribing channel.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
	logger      *slog.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]OutboundHandler),
		logger:      slog.Default(),
	}
}

func (b *MessageBus) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SubscribeOutbound registers handler for replies addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, handler OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

// PublishInbound queues msg for the gateway, giving up when ctx ends.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOutbound queues msg for delivery, giving up when ctx ends.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers queued replies to subscribers until ctx ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("no subscriber for outbound message", "component", "bus", "channel", msg.Channel)
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}
