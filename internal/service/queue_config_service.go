package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
)

type queueConfigReader interface {
	Get(ctx context.Context, orgID string) (*models.QueueConfig, error)
}

// QueueConfigService resolves the allocation policy for an organization.
type QueueConfigService struct {
	repo       queueConfigReader
	cache      *CacheService
	cacheTTL   time.Duration
	defaultTTL time.Duration
	logger     *zap.Logger
}

// QueueConfigOption configures the service.
type QueueConfigOption func(*QueueConfigService)

// WithQueueConfigCache enables read-through caching.
func WithQueueConfigCache(cache *CacheService, ttl time.Duration) QueueConfigOption {
	return func(s *QueueConfigService) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// NewQueueConfigService constructs the store. defaultTTL is used for organizations without a policy.
func NewQueueConfigService(repo queueConfigReader, defaultTTL time.Duration, logger *zap.Logger, opts ...QueueConfigOption) *QueueConfigService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	svc := &QueueConfigService{repo: repo, defaultTTL: defaultTTL, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// DefaultLockTTL is the TTL applied when a policy does not set one.
func (s *QueueConfigService) DefaultLockTTL() time.Duration {
	return s.defaultTTL
}

// Get returns the policy for orgID, or the default policy when none is stored.
func (s *QueueConfigService) Get(ctx context.Context, orgID string) (*models.QueueConfig, error) {
	if orgID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "organization is required")
	}
	key := queueConfigCacheKey(orgID)
	var cached models.QueueConfig
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return &cached, nil
	}

	cfg, err := s.repo.Get(ctx, orgID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load queue config")
		}
		cfg = models.DefaultQueueConfig(orgID, s.defaultTTL)
	}
	if cfg.LockTTLSeconds <= 0 {
		cfg.LockTTLSeconds = int(s.defaultTTL / time.Second)
	}

	_ = s.cache.Set(ctx, key, cfg, s.cacheTTL)
	return cfg, nil
}

// Invalidate drops the cached policy for orgID.
func (s *QueueConfigService) Invalidate(ctx context.Context, orgID string) error {
	return s.cache.Invalidate(ctx, queueConfigCacheKey(orgID))
}

func queueConfigCacheKey(orgID string) string {
	return "queue_config:" + orgID
}
