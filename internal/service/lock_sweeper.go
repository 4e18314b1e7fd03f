package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/litreview-api/internal/models"
)

type lockedCaseStore interface {
	Find(ctx context.Context, filter models.CaseFilter) ([]models.Case, error)
	ConditionalUpdate(ctx context.Context, id, orgID string, cond models.CaseCondition, patch models.CasePatch) (bool, error)
	LockedOrganizationIDs(ctx context.Context) ([]string, error)
}

// LockSweeper releases locks that outlived their organization's TTL so that
// abandoned batches return to the queue without waiting for a reallocation.
type LockSweeper struct {
	cases       lockedCaseStore
	configs     queueConfigProvider
	metrics     *MetricsService
	logger      *zap.Logger
	interval    time.Duration
	concurrency int
	defaultTTL  time.Duration
	now         func() time.Time
}

// SweeperOption configures the sweeper.
type SweeperOption func(*LockSweeper)

// WithSweeperMetrics records released locks.
func WithSweeperMetrics(metrics *MetricsService) SweeperOption {
	return func(s *LockSweeper) {
		s.metrics = metrics
	}
}

// WithSweeperClock overrides time.Now.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *LockSweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLockSweeper constructs a sweeper running every interval with at most
// concurrency organizations in flight.
func NewLockSweeper(cases lockedCaseStore, configs queueConfigProvider, interval time.Duration, concurrency int, defaultTTL time.Duration, logger *zap.Logger, opts ...SweeperOption) *LockSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	s := &LockSweeper{
		cases:       cases,
		configs:     configs,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		defaultTTL:  defaultTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *LockSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("lock sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lock sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("lock sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep releases every expired lock once and reports how many were cleared.
func (s *LockSweeper) Sweep(ctx context.Context) (int, error) {
	orgIDs, err := s.cases.LockedOrganizationIDs(ctx)
	if err != nil {
		return 0, err
	}

	var released int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, orgID := range orgIDs {
		orgID := orgID
		g.Go(func() error {
			n, err := s.sweepOrganization(gctx, orgID)
			atomic.AddInt64(&released, int64(n))
			return err
		})
	}
	err = g.Wait()

	total := int(atomic.LoadInt64(&released))
	s.metrics.ObserveSweep(total)
	if total > 0 {
		s.logger.Info("expired locks released", zap.Int("released", total), zap.Int("organizations", len(orgIDs)))
	}
	return total, err
}

func (s *LockSweeper) sweepOrganization(ctx context.Context, orgID string) (int, error) {
	cfg, err := s.configs.Get(ctx, orgID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	cutoff := now.Add(-cfg.LockTTL(s.defaultTTL))
	expired, err := s.cases.Find(ctx, models.CaseFilter{OrganizationID: orgID, LockedBefore: &cutoff})
	if err != nil {
		return 0, err
	}

	released := 0
	patch := models.CasePatch{ClearLock: true, UpdatedAt: now}
	for _, c := range expired {
		if c.AssignedTo == nil {
			continue
		}
		// Guarding on holder and staleness leaves a lock untouched if it was
		// reallocated between the scan and this write.
		cond := models.CaseCondition{Lock: models.LockHeldBy, User: *c.AssignedTo, StaleBefore: cutoff}
		ok, err := s.cases.ConditionalUpdate(ctx, c.ID, orgID, cond, patch)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}
