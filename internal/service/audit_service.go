package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
	"github.com/noah-isme/litreview-api/pkg/jobs"
)

const auditJobType = "case_audit"

type auditStore interface {
	Append(ctx context.Context, record *models.AuditRecord) error
	ListByCase(ctx context.Context, orgID, caseID string) ([]models.AuditRecord, error)
}

// AuditService records case transitions. With a queue attached, writes happen
// on the worker pool and are retried; otherwise they run inline.
type AuditService struct {
	store   auditStore
	queue   *jobs.Queue
	metrics *MetricsService
	logger  *zap.Logger
	timeout time.Duration
}

// AuditOption configures the service.
type AuditOption func(*AuditService)

// WithAuditMetrics reports dropped records.
func WithAuditMetrics(metrics *MetricsService) AuditOption {
	return func(s *AuditService) {
		s.metrics = metrics
	}
}

// WithAuditQueue makes writes asynchronous on a worker pool sized by cfg.
func WithAuditQueue(cfg jobs.QueueConfig) AuditOption {
	return func(s *AuditService) {
		cfg.Logger = s.logger
		cfg.OnDrop = s.dropped
		s.queue = jobs.NewQueue(auditJobType, s.handle, cfg)
	}
}

// NewAuditService constructs the recorder.
func NewAuditService(store auditStore, logger *zap.Logger, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{store: store, logger: logger, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Start launches the worker pool when one is configured.
func (s *AuditService) Start(ctx context.Context) {
	if s.queue != nil {
		s.queue.Start(ctx)
	}
}

// Stop drains outstanding audit writes.
func (s *AuditService) Stop() {
	if s.queue != nil {
		s.queue.Stop()
	}
}

// Append records a transition. Failures are logged and never returned to the
// caller because the transition has already committed.
func (s *AuditService) Append(ctx context.Context, record models.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if s.queue != nil {
		err := s.queue.Enqueue(jobs.Job{ID: record.ID, Type: auditJobType, Payload: record})
		if err == nil {
			return nil
		}
		s.logger.Warn("audit queue unavailable, writing inline", zap.String("case_id", record.CaseID), zap.Error(err))
	}
	if err := s.write(context.WithoutCancel(ctx), record); err != nil {
		s.dropped(jobs.Job{ID: record.ID, Payload: record}, err)
	}
	return nil
}

// Trail returns the audit trail of a case, oldest first.
func (s *AuditService) Trail(ctx context.Context, orgID, caseID string) ([]models.AuditRecord, error) {
	records, err := s.store.ListByCase(ctx, orgID, caseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load audit trail")
	}
	return records, nil
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	record, ok := job.Payload.(models.AuditRecord)
	if !ok {
		s.logger.Error("unexpected audit payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.write(ctx, record)
}

func (s *AuditService) write(ctx context.Context, record models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Append(ctx, &record)
}

func (s *AuditService) dropped(job jobs.Job, err error) {
	fields := []zap.Field{zap.String("audit_id", job.ID), zap.Error(err)}
	if record, ok := job.Payload.(models.AuditRecord); ok {
		fields = append(fields,
			zap.String("case_id", record.CaseID),
			zap.String("action", record.Action),
			zap.String("user_id", record.UserID))
	}
	s.logger.Warn("failed to persist audit record", fields...)
	s.metrics.RecordAuditDropped()
}
