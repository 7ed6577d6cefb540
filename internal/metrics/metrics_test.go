package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertMetricLine(t *testing.T, output, name, labels, value string) {
	t.Helper()
	pattern := name + `\{[^}]*` + labels + `[^}]*\} ` + value
	assert.Regexp(t, pattern, output)
}

func scrape(t *testing.T, e *Exporter) string {
	t.Helper()
	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestPipeline(t *testing.T) {
	exporter, err := NewExporter("fds_test")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, exporter.Shutdown(context.Background()))
	}()

	p, err := exporter.Pipeline()
	require.NoError(t, err)

	ctx := context.Background()
	p.Step(ctx, StageWorker, "detect_task", "done")
	p.Step(ctx, StageWorker, "detect_task", "done")
	p.Step(ctx, StageWorker, "detect_task", "skipped")
	p.Latency(ctx, StageDetection, "detect_sync", time.Now().Add(-15*time.Millisecond), "block")
	p.Outbox(ctx, "s1", OutboxSent, 3)
	p.Outbox(ctx, "s1", OutboxReclaimed, 0)
	p.Decision(ctx, domain.CaseOrder, domain.DecisionBlock, domain.SourceWorker)

	output := scrape(t, exporter)

	assertMetricLine(t, output, `fds_test_pipeline_steps_total`, `outcome="done".*stage="worker".*step="detect_task"`, `2`)
	assertMetricLine(t, output, `fds_test_pipeline_steps_total`, `outcome="skipped".*stage="worker".*step="detect_task"`, `1`)
	assertMetricLine(t, output, `fds_test_pipeline_step_duration_seconds_bucket`, `outcome="block".*stage="detection".*le="0.025"`, `1`)
	assertMetricLine(t, output, `fds_test_outbox_rows_total`, `shard="s1".*transition="sent"`, `3`)
	assert.NotContains(t, output, `transition="reclaimed"`)
	assertMetricLine(t, output, `fds_test_decisions_total`, `decision="block".*kind="order".*source="worker"`, `1`)
}

func TestExporterDefaultsNamespace(t *testing.T) {
	exporter, err := NewExporter("")
	require.NoError(t, err)
	assert.Equal(t, "fds", exporter.Namespace())

	var nilExporter *Exporter
	assert.NoError(t, nilExporter.Shutdown(context.Background()))
}

func TestDiscard(t *testing.T) {
	p := Discard()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		p.Step(ctx, StageDispatch, "reclaim", OutcomeOK)
		p.Latency(ctx, StageDispatch, "dispatch_batch", time.Now(), OutcomeOK)
		p.Outbox(ctx, "s1", OutboxDeadLetter, 1)
		p.Decision(ctx, domain.CasePurchase, domain.DecisionAllow, domain.SourceSync)
	})
}

func TestExporterMiddleware(t *testing.T) {
	exporter, err := NewExporter("fds_test")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(exporter.Middleware())
	r.Get("/fds/cases/{kind}/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"O1", "O2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fds/cases/order/"+id+"/logs", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	output := scrape(t, exporter)
	assertMetricLine(t, output, `fds_test_http_requests_total`,
		`method="GET".*path="/fds/cases/\{kind\}/\{id\}/logs".*status_code="404"`, `2`)
}
