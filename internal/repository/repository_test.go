package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "fds-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})

	t.Run("MigrationsAreRepeatable", func(t *testing.T) {
		assert.NoError(t, repo.migrate(context.Background()))
	})
}

func TestRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, def := range []*domain.RuleDefinition{
		{ID: "r2", Expression: "true", Action: "REVIEW", Target: "order", Enabled: true},
		{ID: "r1", Expression: "case_id == 'O1'", Action: "BLOCK", Target: "order", RegisterBlocklist: true, RegisterTargets: "user", Enabled: true},
	} {
		require.NoError(t, repo.SaveRule(ctx, def))
	}

	t.Run("ListOrderedByID", func(t *testing.T) {
		defs, err := repo.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "r1", defs[0].ID)
		assert.Equal(t, "r2", defs[1].ID)
		assert.True(t, defs[0].RegisterBlocklist)
		assert.Equal(t, "user", defs[0].RegisterTargets)
		assert.True(t, defs[0].Enabled)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		require.NoError(t, repo.SaveRule(ctx, &domain.RuleDefinition{ID: "r2", Expression: "false", Action: "BLOCK", Target: "purchase"}))

		def, err := repo.GetRule(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, "false", def.Expression)
		assert.Equal(t, "purchase", def.Target)
		assert.False(t, def.Enabled)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.DeleteRule(ctx, "r2"))
		_, err := repo.GetRule(ctx, "r2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteRule(ctx, "r2"), domain.ErrNotFound)
	})

	t.Run("RejectsMissingExpression", func(t *testing.T) {
		err := repo.SaveRule(ctx, &domain.RuleDefinition{ID: "r9"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestOrdersAndPurchases(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	order := &domain.Order{
		OrderID:      "O1",
		AccountID:    "acc-1",
		DeviceID:     "dev-1",
		OrderCountry: "KR",
		TotalPrice:   decimal.RequireFromString("120.50"),
		Currency:     "KRW",
		OrderStatus:  "CREATED",
		Items: []domain.OrderItem{
			{ProductID: "p1", UnitPrice: decimal.RequireFromString("100.00"), Quantity: 1},
			{ProductID: "p2", UnitPrice: decimal.RequireFromString("10.25"), Quantity: 2},
		},
		Metadata: map[string]any{"channel": "web"},
	}

	t.Run("UpsertAndGetOrder", func(t *testing.T) {
		require.NoError(t, repo.UpsertOrder(ctx, order))

		got, err := repo.GetOrder(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, "acc-1", got.AccountID)
		assert.True(t, got.TotalPrice.Equal(decimal.RequireFromString("120.5")))
		require.Len(t, got.Items, 2)
		assert.Equal(t, "p2", got.Items[1].ProductID)
		assert.Equal(t, "web", got.Metadata["channel"])
	})

	t.Run("UpsertReplacesItems", func(t *testing.T) {
		updated := *order
		updated.OrderStatus = "PAID"
		updated.Items = []domain.OrderItem{{ProductID: "p3", UnitPrice: decimal.RequireFromString("1"), Quantity: 3}}
		require.NoError(t, repo.UpsertOrder(ctx, &updated))

		got, err := repo.GetOrder(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, "PAID", got.OrderStatus)
		require.Len(t, got.Items, 1)
		assert.Equal(t, "p3", got.Items[0].ProductID)
	})

	t.Run("CountOrders", func(t *testing.T) {
		require.NoError(t, repo.UpsertOrder(ctx, &domain.Order{OrderID: "O2", AccountID: "acc-1", DeviceID: "dev-2", Currency: "KRW"}))

		n, err := repo.CountOrders(ctx, domain.OrderFieldAccount, "acc-1", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = repo.CountOrders(ctx, domain.OrderFieldDevice, "dev-2", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = repo.CountOrders(ctx, domain.OrderFieldAccount, "acc-1", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("UpsertAndGetPurchase", func(t *testing.T) {
		p := &domain.Purchase{
			PurchaseID:     "P1",
			OrderID:        "O1",
			MethodType:     "CARD",
			CardBrand:      "VISA",
			BIN:            "411111",
			CardID:         "card-1",
			PaymentCountry: "US",
			PaymentStatus:  "FAILED",
			FailureReason:  "insufficient_funds",
			Price:          decimal.RequireFromString("120.50"),
			Currency:       "KRW",
		}
		require.NoError(t, repo.UpsertPurchase(ctx, p))

		got, err := repo.GetPurchase(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, "card-1", got.CardID)
		assert.Equal(t, "insufficient_funds", got.FailureReason)
		assert.Equal(t, "120.5", got.Price.String())
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = repo.GetPurchase(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestWithTxRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context) error {
		if err := repo.UpsertOrder(ctx, &domain.Order{OrderID: "O1", AccountID: "a", Currency: "KRW"}); err != nil {
			return err
		}
		if err := repo.InsertOutbox(ctx, &domain.OutboxEvent{EventType: domain.EventOrderUpserted, AggregateID: "O1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetOrder(ctx, "O1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var events []*domain.OutboxEvent
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context) error {
		events, err = repo.ClaimReady(ctx, domain.DefaultShard, 10)
		return err
	}))
	assert.Empty(t, events)
}

func TestOutbox(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, agg := range []string{"O1", "O2", "O3"} {
		require.NoError(t, repo.InsertOutbox(ctx, &domain.OutboxEvent{
			ShardID:     "s1",
			EventType:   domain.EventOrderUpserted,
			AggregateID: agg,
			Payload:     json.RawMessage(`{"kind":"order","order_id":"` + agg + `"}`),
		}))
	}
	require.NoError(t, repo.InsertOutbox(ctx, &domain.OutboxEvent{ShardID: "s2", EventType: domain.EventOrderUpserted, AggregateID: "O9"}))

	t.Run("ClaimRequiresTransaction", func(t *testing.T) {
		_, err := repo.ClaimReady(ctx, "s1", 10)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ClaimOldestFirstWithinShard", func(t *testing.T) {
		var claimed []*domain.OutboxEvent
		err := repo.WithTx(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = repo.ClaimReady(ctx, "s1", 2)
			if err != nil {
				return err
			}
			for _, e := range claimed {
				if err := repo.MarkSent(ctx, e.ID); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "O1", claimed[0].AggregateID)
		assert.Equal(t, "O2", claimed[1].AggregateID)
		assert.Less(t, claimed[0].ID, claimed[1].ID)
		assert.JSONEq(t, `{"kind":"order","order_id":"O1"}`, string(claimed[0].Payload))
	})

	t.Run("SentRowsAreNotClaimedAgain", func(t *testing.T) {
		var claimed []*domain.OutboxEvent
		require.NoError(t, repo.WithTx(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = repo.ClaimReady(ctx, "s1", 10)
			return err
		}))
		require.Len(t, claimed, 1)
		assert.Equal(t, "O3", claimed[0].AggregateID)
	})

	t.Run("TransitionsOnlyForward", func(t *testing.T) {
		first, err := repo.GetOutboxEvent(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboxSent, first.Status)

		assert.ErrorIs(t, repo.MarkSent(ctx, first.ID), domain.ErrConflict)
		require.NoError(t, repo.MarkError(ctx, first.ID))
		assert.ErrorIs(t, repo.MarkError(ctx, first.ID), domain.ErrConflict)

		got, err := repo.GetOutboxEvent(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboxError, got.Status)
	})
}

func TestClaimStale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ids := map[string]int64{}
	for _, agg := range []string{"O1", "O2", "O3", "O4", "O5"} {
		event := &domain.OutboxEvent{ShardID: "s1", EventType: domain.EventOrderUpserted, AggregateID: agg}
		require.NoError(t, repo.InsertOutbox(ctx, event))
		ids[agg] = event.ID
		if agg != "O5" {
			require.NoError(t, repo.MarkSent(ctx, event.ID))
		}
	}
	other := &domain.OutboxEvent{ShardID: "s2", EventType: domain.EventOrderUpserted, AggregateID: "O9"}
	require.NoError(t, repo.InsertOutbox(ctx, other))
	require.NoError(t, repo.MarkSent(ctx, other.ID))

	require.NoError(t, repo.InsertProcessed(ctx, &domain.ProcessedRecord{ShardID: "s1", EventType: domain.EventOrderUpserted, AggregateID: "O2"}))
	require.NoError(t, repo.InsertDeadLetter(ctx, &domain.DeadLetter{
		OutboxID: ids["O3"], ShardID: "s1", EventType: domain.EventOrderUpserted, AggregateID: "O3", Attempts: 5, LastError: "engine down",
	}))

	claim := func(cutoff time.Time, limit int) []*domain.OutboxEvent {
		t.Helper()
		var events []*domain.OutboxEvent
		require.NoError(t, repo.WithTx(ctx, func(ctx context.Context) error {
			var err error
			events, err = repo.ClaimStale(ctx, "s1", cutoff, limit)
			return err
		}))
		return events
	}

	assert.Empty(t, claim(time.Now().Add(-time.Hour), 10), "recently sent rows are not stale")

	stale := claim(time.Now().Add(time.Second), 10)
	require.Len(t, stale, 2)
	assert.Equal(t, "O1", stale[0].AggregateID)
	assert.Equal(t, "O4", stale[1].AggregateID)
	assert.Equal(t, domain.OutboxSent, stale[0].Status)

	require.Len(t, claim(time.Now().Add(time.Second), 1), 1)

	_, err := repo.ClaimStale(ctx, "s1", time.Now(), 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// A restamped row is no longer stale for an older cutoff.
	cutoff := time.Now().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.TouchSent(ctx, ids["O1"]))
	stale = claim(cutoff, 10)
	require.Len(t, stale, 1)
	assert.Equal(t, "O4", stale[0].AggregateID)

	event, err := repo.GetOutboxEvent(ctx, ids["O1"])
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSent, event.Status, "status never moves back")

	assert.ErrorIs(t, repo.TouchSent(ctx, ids["O5"]), domain.ErrConflict, "READY rows are not touched")
}

func TestProcessedLedger(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &domain.ProcessedRecord{ShardID: "default", EventType: domain.EventOrderUpserted, AggregateID: "O1"}

	exists, err := repo.ProcessedExists(ctx, rec.ShardID, rec.EventType, rec.AggregateID)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.InsertProcessed(ctx, rec))

	err = repo.InsertProcessed(ctx, &domain.ProcessedRecord{ShardID: "default", EventType: domain.EventOrderUpserted, AggregateID: "O1"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	exists, err = repo.ProcessedExists(ctx, rec.ShardID, rec.EventType, rec.AggregateID)
	require.NoError(t, err)
	assert.True(t, exists)

	// Same aggregate under another event type is a different ledger entry.
	require.NoError(t, repo.InsertProcessed(ctx, &domain.ProcessedRecord{ShardID: "default", EventType: domain.EventPurchaseUpserted, AggregateID: "O1"}))
}

func TestDeadLetters(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertDeadLetter(ctx, &domain.DeadLetter{
		OutboxID:    7,
		ShardID:     "s1",
		EventType:   domain.EventOrderUpserted,
		AggregateID: "O1",
		Attempts:    5,
		LastError:   "database is locked",
	}))

	letters, err := repo.ListDeadLetters(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, int64(7), letters[0].OutboxID)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.NotEmpty(t, letters[0].ID)
}

func TestBlocklists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.InsertBlock(ctx, domain.BlocklistUser, "u1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.InsertBlock(ctx, domain.BlocklistUser, "u1")
	require.NoError(t, err)
	assert.False(t, created)

	blocked, err := repo.IsBlocked(ctx, domain.BlocklistUser, "u1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = repo.IsBlocked(ctx, domain.BlocklistDevice, "u1")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = repo.InsertBlock(ctx, domain.Blocklist("email"), "x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDetectionLogs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveDetectionLog(ctx, &domain.DetectionLog{
		CaseKind: domain.CaseOrder,
		CaseID:   "O1",
		Decision: domain.DecisionBlock,
		Reasons:  []string{"[r1] blocked"},
		Hits:     []domain.Hit{{RuleID: "r1", Decision: domain.DecisionBlock, Reason: "blocked"}},
		Source:   domain.SourceWorker,
	}))

	logs, err := repo.ListDetectionLogs(ctx, domain.CaseOrder, "O1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DecisionBlock, logs[0].Decision)
	assert.Equal(t, []string{"[r1] blocked"}, logs[0].Reasons)
	require.Len(t, logs[0].Hits, 1)
	assert.Equal(t, "r1", logs[0].Hits[0].RuleID)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		input    string
		expected string
	}{
		{
			name:     "SQLite unchanged",
			driver:   "sqlite",
			input:    "SELECT * FROM t WHERE a = ? AND b = ?",
			expected: "SELECT * FROM t WHERE a = ? AND b = ?",
		},
		{
			name:     "PostgreSQL numbered",
			driver:   "postgres",
			input:    "SELECT * FROM t WHERE a = ? AND b = ?",
			expected: "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:     "PostgreSQL many placeholders",
			driver:   "postgres",
			input:    "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			expected: "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &SQLRepository{driver: tt.driver}
			assert.Equal(t, tt.expected, repo.rebind(tt.input))
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{})
		assert.Equal(t, "host=localhost port=5432 dbname=fds sslmode=disable application_name=fds", dsn)
	})

	t.Run("quotes credentials", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{
			PostgresHost:     "db.internal",
			PostgresPort:     6432,
			PostgresUser:     "fds",
			PostgresPassword: `it's a secret`,
			PostgresSSLMode:  "require",
		})
		assert.Contains(t, dsn, "host=db.internal port=6432")
		assert.Contains(t, dsn, "sslmode=require")
		assert.Contains(t, dsn, "user=fds")
		assert.Contains(t, dsn, `password='it\'s a secret'`)
	})
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/fds.db")
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/fds.db?"))
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "busy_timeout%2810000%29")
}
