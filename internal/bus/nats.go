package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/opensource-finance/fds/internal/domain"
)

// Header keys carrying the message envelope. The NATS payload is the raw task or event body.
const (
	headerMessageID = "Fds-Message-Id"
	headerShardID   = "Fds-Shard-Id"
	headerTopic     = "Fds-Topic"
	headerTimestamp = "Fds-Timestamp"
)

const (
	natsFlushTimeout = 5 * time.Second
	natsPingTimeout  = 2 * time.Second
	natsSetupTimeout = 10 * time.Second
)

// NATSBus implements EventBus using NATS. Subjects are "<topic>.<shard>".
//
// Detect tasks are stored in a JetStream work-queue stream. Each shard has one durable
// consumer that every worker process shares, and a task is acked only after its handler
// returns; a handler error or a worker that dies mid-task gets it delivered again.
// Decisions and alerts are plain NATS messages; subscribers that share a queue group
// split them between them.
type NATSBus struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	queueGroup string
	stream     string
	ackWait    time.Duration
	maxDeliver int

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	stop  func() error
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying the initial connect NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.NATSStream == "" {
		cfg.NATSStream = "FDS_TASKS"
	}
	if cfg.NATSAckWait <= 0 {
		cfg.NATSAckWait = 300
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(cfg.NATSUrl, connectOptions(cfg, wait)...)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(cfg.NATSMaxReconnects-1))
	notify := func(err error, next time.Duration) {
		slog.Warn("NATS connection attempt failed",
			"url", cfg.NATSUrl,
			"retry_in", next,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsSetupTimeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, taskStreamConfig(cfg.NATSStream)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.NATSStream, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
		"stream", cfg.NATSStream,
	)

	return &NATSBus{
		conn:       conn,
		js:         js,
		queueGroup: cfg.NATSQueueGroup,
		stream:     cfg.NATSStream,
		ackWait:    time.Duration(cfg.NATSAckWait) * time.Second,
		maxDeliver: cfg.NATSMaxDeliver,
		subs:       make(map[string]*natsSubscription),
	}, nil
}

// taskStreamConfig keeps every shard's detect tasks until a worker acks them.
func taskStreamConfig(name string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        name,
		Description: "fds detect tasks",
		Subjects:    []string{domain.TopicDetectCase + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	}
}

// taskConsumerConfig is the durable consumer shared by every worker of a shard.
func (b *NATSBus) taskConsumerConfig(shardID string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       "fds-detect-" + shardID,
		FilterSubject: makeSubject(shardID, domain.TopicDetectCase),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
	}
}

func connectOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("fds"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends payload. A detect task returns once the stream has stored it; any
// other message returns once the server has received it.
func (b *NATSBus) Publish(ctx context.Context, shardID string, topic string, payload []byte) error {
	if shardID == "" {
		return errNoShard
	}

	m := nats.NewMsg(makeSubject(shardID, topic))
	m.Data = payload
	m.Header.Set(headerMessageID, uuid.New().String())
	m.Header.Set(headerShardID, shardID)
	m.Header.Set(headerTopic, topic)
	m.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}

	if topic == domain.TopicDetectCase {
		if _, err := b.js.PublishMsg(ctx, m); err != nil {
			return fmt.Errorf("failed to store task on %s: %w", m.Subject, err)
		}
		return nil
	}

	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.Subject, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Subscribe registers handler for shardID/topic, joining the queue group when one is configured.
func (b *NATSBus) Subscribe(ctx context.Context, shardID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if shardID == "" {
		return nil, errNoShard
	}

	if topic == domain.TopicDetectCase {
		return b.consumeTasks(ctx, shardID, handler)
	}

	subject := makeSubject(shardID, topic)
	cb := func(m *nats.Msg) {
		msg := messageFromNATS(m, shardID, topic)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		ns, err = b.conn.QueueSubscribe(subject, b.queueGroup, cb)
	} else {
		ns, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return b.track(topic, ns.Unsubscribe), nil
}

// consumeTasks attaches to the shard's durable consumer. A task is acked when handler
// returns nil and nacked otherwise.
func (b *NATSBus) consumeTasks(ctx context.Context, shardID string, handler domain.MessageHandler) (domain.Subscription, error) {
	setupCtx, cancel := context.WithTimeout(ctx, natsSetupTimeout)
	defer cancel()

	consumer, err := b.js.CreateOrUpdateConsumer(setupCtx, b.stream, b.taskConsumerConfig(shardID))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for shard %s: %w", shardID, err)
	}

	cc, err := consumer.Consume(func(jm jetstream.Msg) {
		msg := messageFromNATS(&nats.Msg{Subject: jm.Subject(), Header: jm.Headers(), Data: jm.Data()}, shardID, domain.TopicDetectCase)
		if err := handler(ctx, msg); err != nil {
			slog.Warn("detect task not finished, requesting redelivery",
				"subject", jm.Subject(),
				"message_id", msg.ID,
				"error", err,
			)
			if err := jm.Nak(); err != nil {
				slog.Error("failed to nak task", "message_id", msg.ID, "error", err)
			}
			return
		}
		if err := jm.Ack(); err != nil {
			slog.Error("failed to ack task", "message_id", msg.ID, "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		slog.Error("JetStream consume error", "shard_id", shardID, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume shard %s: %w", shardID, err)
	}

	return b.track(domain.TopicDetectCase, func() error {
		cc.Stop()
		return nil
	}), nil
}

func (b *NATSBus) track(topic string, stop func() error) *natsSubscription {
	sub := &natsSubscription{id: uuid.New().String(), topic: topic, stop: stop, bus: b}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// messageFromNATS rebuilds the envelope from headers. Headers missing on messages
// from foreign publishers fall back to the subscription's shard and topic.
func messageFromNATS(m *nats.Msg, shardID, topic string) *domain.Message {
	msg := &domain.Message{
		ID:       m.Header.Get(headerMessageID),
		ShardID:  shardID,
		Topic:    topic,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if v := m.Header.Get(headerShardID); v != "" {
		msg.ShardID = v
	}
	if v := m.Header.Get(headerTopic); v != "" {
		msg.Topic = v
	}
	if ts, err := strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64); err == nil {
		msg.Timestamp = ts
	}
	for k := range m.Header {
		switch k {
		case headerMessageID, headerShardID, headerTopic, headerTimestamp:
		default:
			msg.Metadata[k] = m.Header.Get(k)
		}
	}
	return msg
}

// Ping flushes a round trip to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsPingTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.stop(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.conn.Close()
	return errors.Join(errs...)
}

// makeSubject scopes a topic to a shard, e.g. fds.case.detect.eu-1.
func makeSubject(shardID, topic string) string {
	return topic + "." + shardID
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
