package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/rules"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DetectionService is the ingestion and synchronous detection surface.
type DetectionService interface {
	IngestAndEmit(ctx context.Context, entity domain.Entity, shardID string) (*domain.OutboxEvent, error)
	IngestAndDetectInline(ctx context.Context, entity domain.Entity) (*domain.Result, error)
	DetectCase(ctx context.Context, kind domain.CaseKind, caseID string) (*domain.Result, error)
}

// Store is the subset of the repository the handlers read and write directly.
type Store interface {
	SaveRule(ctx context.Context, rule *domain.RuleDefinition) error
	GetRule(ctx context.Context, ruleID string) (*domain.RuleDefinition, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ListDeadLetters(ctx context.Context, shardID string, limit int) ([]*domain.DeadLetter, error)
	ListRules(ctx context.Context) ([]*domain.RuleDefinition, error)
	ListDetectionLogs(ctx context.Context, kind domain.CaseKind, caseID string) ([]*domain.DetectionLog, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	store    Store
	service  DetectionService
	rules    *rules.Cache
	compiler *rules.Compiler
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler. cache and bus are only used for health checks
// and may be nil.
func NewHandler(store Store, service DetectionService, ruleCache *rules.Cache, compiler *rules.Compiler, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		store:    store,
		service:  service,
		rules:    ruleCache,
		compiler: compiler,
		cache:    cache,
		bus:      bus,
		version:  version,
	}
}

// DetectOrder handles POST /fds/detect/order: upsert then detect inline.
func (h *Handler) DetectOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.IngestAndDetectInline(r.Context(), req.ToOrder())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectResponse(res))
}

// DetectPurchase handles POST /fds/detect/purchase: upsert then detect inline.
func (h *Handler) DetectPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.IngestAndDetectInline(r.Context(), req.ToPurchase())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectResponse(res))
}

// IngestOrder handles POST /fds/ingest/order: upsert and emit an outbox event.
func (h *Handler) IngestOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	h.ingest(w, r, req.ToOrder())
}

// IngestPurchase handles POST /fds/ingest/purchase: upsert and emit an outbox event.
func (h *Handler) IngestPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	h.ingest(w, r, req.ToPurchase())
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, entity domain.Entity) {
	event, err := h.service.IngestAndEmit(r.Context(), entity, GetShardID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{
		OutboxID:  event.ID,
		ShardID:   event.ShardID,
		EventType: event.EventType,
	})
}

// DetectCase handles POST /fds/cases/{kind}/{id}/detect for an already stored entity.
func (h *Handler) DetectCase(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCaseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.service.DetectCase(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectResponse(res))
}

// ListDetectionLogs handles GET /fds/cases/{kind}/{id}/logs.
func (h *Handler) ListDetectionLogs(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCaseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	caseID := chi.URLParam(r, "id")

	logs, err := h.store.ListDetectionLogs(r.Context(), kind, caseID)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*domain.DetectionLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kind":   kind,
		"caseId": caseID,
		"logs":   logs,
		"count":  len(logs),
	})
}

// ListRules returns every stored rule and the number currently active.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if defs == nil {
		defs = []*domain.RuleDefinition{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":       defs,
		"count":       len(defs),
		"activeRules": h.rules.Count(),
		"loadedAt":    h.rules.Snapshot().LoadedAt(),
	})
}

// GetRule returns one stored rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ListDeadLetters returns the most recent dead letters of the request shard.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDeadLetterLimit {
			writeError(w, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidInput, maxDeadLetterLimit))
			return
		}
		limit = n
	}

	shardID := GetShardID(r.Context())
	letters, err := h.store.ListDeadLetters(r.Context(), shardID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if letters == nil {
		letters = []*domain.DeadLetter{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"shardId":     shardID,
		"deadLetters": letters,
		"count":       len(letters),
	})
}

// CreateRule stores a rule and reloads the cache. The expression must compile.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	def := req.ToDefinition()
	if _, err := h.compiler.Compile(def); err != nil {
		writeError(w, err)
		return
	}

	if err := h.store.SaveRule(r.Context(), def); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.rules.Reload(r.Context()); err != nil {
		slog.Error("failed to reload rules after create", "rule_id", def.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rule saved but reload failed",
		})
		return
	}

	slog.Info("rule created", "rule_id", def.ID, "enabled", def.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":        def,
		"activeRules": h.rules.Count(),
	})
}

// DeleteRule removes a rule and reloads the cache.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if err := h.store.DeleteRule(r.Context(), ruleID); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.rules.Reload(r.Context()); err != nil {
		slog.Error("failed to reload rules after delete", "rule_id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rule deleted but reload failed",
		})
		return
	}

	slog.Info("rule deleted", "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules rebuilds the rule cache from the store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rules.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to reload rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orderRules":    len(snap.Rules(domain.CaseOrder)),
		"purchaseRules": len(snap.Rules(domain.CasePurchase)),
		"loadedAt":      snap.LoadedAt(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]string{}
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.store != nil {
		check("repository", h.store.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports ready once the rule cache has loaded at least once.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.rules.Snapshot().LoadedAt().IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decode reads a JSON body, answering 400 when it is malformed.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
