// Package bus provides the event bus that carries detection tasks and decisions.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fds/internal/domain"
)

var (
	// ErrClosed is returned by every operation on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrNoSubscriber is returned by Publish when no subscriber took the message.
	ErrNoSubscriber = errors.New("no subscriber for topic")

	errNoShard = errors.New("shardID is required")
)

// ChannelBus implements EventBus using Go channels.
// Used as the community tier event bus. Every subscriber of a topic receives every
// message; a full subscriber buffer makes Publish wait instead of dropping.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
	handlers      sync.WaitGroup
}

type channelSubscription struct {
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers a message to every subscriber of shardID/topic. It blocks while a
// subscriber's buffer is full and gives up with ctx's error when ctx is done. A message
// that reached no subscriber returns ErrNoSubscriber.
func (b *ChannelBus) Publish(ctx context.Context, shardID string, topic string, payload []byte) error {
	if shardID == "" {
		return errNoShard
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subscriptions[makeKey(shardID, topic)]
	b.mu.RUnlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		ShardID:   shardID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
			delivered++
		case <-sub.ctx.Done():
			// unsubscribed while we waited
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delivered == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscriber, makeKey(shardID, topic))
	}
	return nil
}

// Subscribe registers a handler for shardID/topic. Messages are handled one at a time
// in arrival order.
func (b *ChannelBus) Subscribe(ctx context.Context, shardID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if shardID == "" {
		return nil, errNoShard
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		key:     makeKey(shardID, topic),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	b.handlers.Add(1)
	go b.handleMessages(sub)

	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)
	return sub, nil
}

func (b *ChannelBus) handleMessages(sub *channelSubscription) {
	defer b.handlers.Done()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.msgCh:
			if err := sub.handler(sub.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", sub.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription and waits for running handlers to return.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string][]*channelSubscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.cancel()
		}
	}
	b.handlers.Wait()
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subscriptions[sub.key]
	for i, s := range list {
		if s == sub {
			b.subscriptions[sub.key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[sub.key]) == 0 {
		delete(b.subscriptions, sub.key)
	}
}

func makeKey(shardID, topic string) string {
	return shardID + ":" + topic
}

// Unsubscribe stops receiving messages. Buffered messages are discarded; for detect
// tasks the dispatcher's reclaim sweep sends them again.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	if n := len(s.msgCh); n > 0 {
		slog.Warn("discarding buffered messages", "topic", s.topic, "count", n)
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
