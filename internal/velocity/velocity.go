// Package velocity provides order velocity counts for rule facts.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
)

const cacheNamespace = "velocity"

// OrderCounter counts orders per identifier. Implemented by the repository.
type OrderCounter interface {
	CountOrders(ctx context.Context, field domain.OrderField, value string, since time.Time) (int64, error)
}

// Service counts orders placed by an account or device within a sliding window.
// Counts are memoized in the cache for a short TTL; a nil cache disables memoization.
type Service struct {
	repo   OrderCounter
	cache  domain.Cache
	window time.Duration
	ttl    time.Duration
}

// NewService creates a new velocity service.
func NewService(repo OrderCounter, cache domain.Cache, cfg domain.DetectionConfig) *Service {
	window := cfg.VelocityWindow
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
		ttl:    cfg.VelocityTTL,
	}
}

// Window returns the configured counting window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Count returns the number of orders whose field equals value within the window.
func (s *Service) Count(ctx context.Context, field domain.OrderField, value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: velocity value is required", domain.ErrInvalidInput)
	}

	key := string(field) + ":" + value
	if s.cache != nil && s.ttl > 0 {
		if cached, err := s.cache.Get(ctx, cacheNamespace, key); err == nil && cached != nil {
			if n, err := strconv.ParseInt(string(cached), 10, 64); err == nil {
				return n, nil
			}
		}
	}

	since := time.Now().UTC().Add(-s.window)
	count, err := s.repo.CountOrders(ctx, field, value, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}

	if s.cache != nil && s.ttl > 0 {
		if err := s.cache.Set(ctx, cacheNamespace, key, []byte(strconv.FormatInt(count, 10)), s.ttl); err != nil {
			slog.Warn("failed to cache velocity count", "field", field, "error", err)
		}
	}

	return count, nil
}
