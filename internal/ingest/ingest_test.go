package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fds/internal/blocklist"
	"github.com/opensource-finance/fds/internal/bus"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/facts"
	"github.com/opensource-finance/fds/internal/outbox"
	"github.com/opensource-finance/fds/internal/repository"
	"github.com/opensource-finance/fds/internal/rules"
	"github.com/opensource-finance/fds/internal/velocity"
	"github.com/opensource-finance/fds/internal/worker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	repo     *repository.SQLRepository
	detector *rules.Detector
	applier  *countingApplier
	service  *Service
}

// countingApplier records every Apply call and the entries it created.
type countingApplier struct {
	inner   *blocklist.Applier
	mu      sync.Mutex
	calls   int
	created int
}

func (a *countingApplier) Apply(ctx context.Context, params domain.RegisterParams) (int, error) {
	n, err := a.inner.Apply(ctx, params)
	a.mu.Lock()
	a.calls++
	a.created += n
	a.mu.Unlock()
	return n, err
}

func newPipeline(t *testing.T, defs ...*domain.RuleDefinition) *pipeline {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "ingest-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	for _, def := range defs {
		require.NoError(t, repo.SaveRule(ctx, def))
	}
	compiler, err := rules.NewCompiler()
	require.NoError(t, err)
	cache := rules.NewCache(repo, compiler)
	_, err = cache.Reload(ctx)
	require.NoError(t, err)

	loader := facts.NewLoader(repo,
		blocklist.NewChecker(repo),
		velocity.NewService(repo, nil, domain.DetectionConfig{VelocityWindow: time.Hour}),
	)
	detector := rules.NewDetector(cache, loader, domain.DetectionConfig{MaxWorkers: 4})
	applier := &countingApplier{inner: blocklist.NewApplier(repo)}

	return &pipeline{
		repo:     repo,
		detector: detector,
		applier:  applier,
		service:  NewService(repo, detector, applier, nil),
	}
}

func bigOrderRule() *domain.RuleDefinition {
	return &domain.RuleDefinition{
		ID:                "big-order",
		Expression:        "order.price >= 1000.0",
		Reason:            "large order",
		Action:            "BLOCK",
		Target:            "order",
		RegisterBlocklist: true,
		Enabled:           true,
	}
}

func reviewForeignPurchase() *domain.RuleDefinition {
	return &domain.RuleDefinition{
		ID:         "foreign-payment",
		Expression: "purchase.country != order.country",
		Reason:     "payment country differs",
		Action:     "REVIEW",
		Target:     "purchase",
		Enabled:    true,
	}
}

func order(id string, price string) *domain.Order {
	return &domain.Order{
		OrderID:      id,
		AccountID:    "A100",
		DeviceID:     "D200",
		OrderCountry: "JP",
		TotalPrice:   decimal.RequireFromString(price),
		Currency:     "JPY",
		OrderStatus:  "CREATED",
		Items: []domain.OrderItem{
			{ProductID: "P100", UnitPrice: decimal.RequireFromString(price), Quantity: 1},
		},
	}
}

type recordingQueue struct {
	tasks []domain.DetectTask
}

func (q *recordingQueue) Enqueue(ctx context.Context, task domain.DetectTask) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func TestIngestTwiceThroughOutbox(t *testing.T) {
	p := newPipeline(t, bigOrderRule())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		event, err := p.service.IngestAndEmit(ctx, order("O1", "3000.00"), "")
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultShard, event.ShardID)
		assert.Equal(t, domain.EventOrderUpserted, event.EventType)
	}

	queue := &recordingQueue{}
	dispatcher := outbox.NewDispatcher(p.repo, queue, domain.DispatcherConfig{}, nil)
	sent, err := dispatcher.DispatchBatch(ctx, domain.DefaultShard, 10)
	require.NoError(t, err)
	require.Equal(t, 2, sent)

	task := worker.NewTask(p.repo, p.detector, p.applier)

	first, err := task.Process(ctx, queue.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, worker.StatusDone, first.Status)
	assert.Equal(t, domain.DecisionBlock, first.Result.Decision)
	assert.Equal(t, 1, p.applier.calls)
	assert.Equal(t, 2, p.applier.created, "user and device registered")

	second, err := task.Process(ctx, queue.tasks[1])
	require.NoError(t, err)
	assert.Equal(t, worker.StatusSkipped, second.Status)
	assert.Equal(t, 1, p.applier.calls, "blocklist untouched on the second pass")
	assert.Equal(t, 2, p.applier.created)

	exists, err := p.repo.ProcessedExists(ctx, domain.DefaultShard, domain.EventOrderUpserted, "O1")
	require.NoError(t, err)
	assert.True(t, exists)

	logs, err := p.repo.ListDetectionLogs(ctx, domain.CaseOrder, "O1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestIngestEndToEndOverBus(t *testing.T) {
	p := newPipeline(t, bigOrderRule())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	decisions := make(chan worker.DecisionEvent, 4)
	_, err := eventBus.Subscribe(ctx, domain.DefaultShard, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var event worker.DecisionEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return err
		}
		decisions <- event
		return nil
	})
	require.NoError(t, err)

	w := worker.New(worker.NewTask(p.repo, p.detector, p.applier), p.repo, eventBus, domain.WorkerConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, nil)
	go w.Start(ctx)

	dispatcher := outbox.NewDispatcher(p.repo, bus.NewTaskQueue(eventBus), domain.DispatcherConfig{
		Interval: 10 * time.Millisecond,
	}, nil)
	go dispatcher.Start(ctx)

	_, err = p.service.IngestAndEmit(ctx, order("O9", "5000.00"), "")
	require.NoError(t, err)

	select {
	case event := <-decisions:
		assert.Equal(t, "O9", event.AggregateID)
		assert.Equal(t, domain.DecisionBlock, event.Result.Decision)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for decision")
	}

	blocked, err := p.repo.IsBlocked(context.Background(), domain.BlocklistUser, "A100")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestIngestAndDetectInline(t *testing.T) {
	p := newPipeline(t, bigOrderRule(), reviewForeignPurchase())
	ctx := context.Background()

	res, err := p.service.IngestAndDetectInline(ctx, order("O1", "3000.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionBlock, res.Decision)
	assert.Equal(t, []string{"[big-order] large order"}, res.Reasons)
	assert.True(t, res.RegisterBlocklist)
	assert.Equal(t, domain.RegisterParams{User: "A100", Device: "D200"}, res.RegisterParams)

	stored, err := p.repo.GetOrder(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "A100", stored.AccountID)

	logs, err := p.repo.ListDetectionLogs(ctx, domain.CaseOrder, "O1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.SourceSync, logs[0].Source)

	res, err = p.service.IngestAndDetectInline(ctx, &domain.Purchase{
		PurchaseID:     "P1",
		OrderID:        "O1",
		MethodType:     "CARD",
		CardID:         "C300",
		PaymentCountry: "KR",
		PaymentStatus:  "APPROVED",
		Price:          decimal.RequireFromString("3000.00"),
		Currency:       "JPY",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionReview, res.Decision)
	assert.False(t, res.RegisterBlocklist)
}

func TestDetectCase(t *testing.T) {
	p := newPipeline(t, bigOrderRule())
	ctx := context.Background()

	t.Run("EmptyRuleSetAllows", func(t *testing.T) {
		res, err := p.service.DetectCase(ctx, domain.CasePurchase, "does-not-exist")
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionAllow, res.Decision)
		assert.Empty(t, res.Reasons)
		assert.False(t, res.RegisterBlocklist)
	})

	t.Run("MissingEntity", func(t *testing.T) {
		_, err := p.service.DetectCase(ctx, domain.CaseOrder, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		_, err := p.service.DetectCase(ctx, domain.CaseKind("refund"), "X1")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = p.service.DetectCase(ctx, domain.CaseOrder, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = p.service.IngestAndEmit(ctx, &domain.Order{}, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = p.service.IngestAndDetectInline(ctx, (*domain.Purchase)(nil))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("StoredOrder", func(t *testing.T) {
		require.NoError(t, p.repo.UpsertOrder(ctx, order("O2", "10.00")))
		res, err := p.service.DetectCase(ctx, domain.CaseOrder, "O2")
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionAllow, res.Decision)
	})
}

type failingDetector struct{}

func (failingDetector) Detect(ctx context.Context, c domain.Case) (*domain.Result, error) {
	return nil, errors.Join(domain.ErrEngineUnavailable, errors.New("database is closed"))
}

func TestDetectCaseEngineUnavailable(t *testing.T) {
	p := newPipeline(t)
	svc := NewService(p.repo, failingDetector{}, p.applier, nil)

	_, err := svc.DetectCase(context.Background(), domain.CaseOrder, "O1")
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
}

func TestDispatchWithoutWorkerKeepsEventReady(t *testing.T) {
	p := newPipeline(t, bigOrderRule())
	ctx := context.Background()

	event, err := p.service.IngestAndEmit(ctx, order("O1", "3000.00"), "s1")
	require.NoError(t, err)

	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	dispatcher := outbox.NewDispatcher(p.repo, bus.NewTaskQueue(eventBus), domain.DispatcherConfig{}, nil)

	n, err := dispatcher.DispatchBatch(ctx, "s1", 10)
	assert.ErrorIs(t, err, bus.ErrNoSubscriber)
	assert.Zero(t, n)

	stored, err := p.repo.GetOutboxEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxReady, stored.Status)

	w := worker.New(worker.NewTask(p.repo, p.detector, p.applier), p.repo, eventBus, domain.WorkerConfig{
		Shards:         []string{"s1"},
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, nil)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Start(wctx)

	assert.Eventually(t, func() bool {
		done, err := p.repo.ProcessedExists(ctx, "s1", domain.EventOrderUpserted, "O1")
		if err != nil || done {
			return done
		}
		dispatcher.DispatchBatch(ctx, "s1", 10)
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLostTaskIsReclaimed(t *testing.T) {
	p := newPipeline(t, bigOrderRule())
	ctx := context.Background()

	_, err := p.service.IngestAndEmit(ctx, order("O1", "3000.00"), "")
	require.NoError(t, err)

	// The queue accepts the task but nothing ever runs it.
	lost := &recordingQueue{}
	sent, err := outbox.NewDispatcher(p.repo, lost, domain.DispatcherConfig{}, nil).DispatchBatch(ctx, domain.DefaultShard, 10)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	queue := &recordingQueue{}
	dispatcher := outbox.NewDispatcher(p.repo, queue, domain.DispatcherConfig{ReclaimAfter: time.Nanosecond}, nil)

	time.Sleep(5 * time.Millisecond)
	n, err := dispatcher.DispatchAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, lost.tasks[0].OutboxID, queue.tasks[0].OutboxID)

	out, err := worker.NewTask(p.repo, p.detector, p.applier).Process(ctx, queue.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, worker.StatusDone, out.Status)
	assert.Equal(t, domain.DecisionBlock, out.Result.Decision)

	// Processed events stay SENT.
	time.Sleep(5 * time.Millisecond)
	n, err = dispatcher.DispatchAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
