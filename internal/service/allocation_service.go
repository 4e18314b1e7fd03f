package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/litreview-api/internal/classification"
	"github.com/noah-isme/litreview-api/internal/dto"
	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
)

// Permission resources and the non-transition actions checked against them.
const (
	ResourceTriage       = "triage"
	ResourceNoCaseTriage = "no_case_triage"
	ResourceQC           = "qc"
	ResourceDataEntry    = "data_entry"
	ResourceMedical      = "medical_review"
	ResourceQueueConfig  = "queue_config"

	ActionAllocate = "allocate"
	ActionRelease  = "release"
	ActionRead     = "read"
)

type caseStore interface {
	Get(ctx context.Context, id, orgID string) (*models.Case, error)
	Find(ctx context.Context, filter models.CaseFilter) ([]models.Case, error)
	ConditionalUpdate(ctx context.Context, id, orgID string, cond models.CaseCondition, patch models.CasePatch) (bool, error)
}

type queueConfigProvider interface {
	Get(ctx context.Context, orgID string) (*models.QueueConfig, error)
}

type authorizer interface {
	Authorize(role, resource, action string) bool
}

type queueSpec struct {
	name     string
	resource string
	stage    models.Stage
}

var (
	triageQueue = queueSpec{name: "triage", resource: ResourceTriage, stage: models.StagePendingTriage}
	noCaseQueue = queueSpec{name: "no_case", resource: ResourceNoCaseTriage, stage: models.StageNoCaseTriage}
)

// AllocationService hands out batches of locked cases to reviewers.
type AllocationService struct {
	cases      caseStore
	configs    queueConfigProvider
	gate       authorizer
	validator  *validator.Validate
	metrics    *MetricsService
	logger     *zap.Logger
	now        func() time.Time
	maxBatch   int
	window     int
	defaultTTL time.Duration
}

// AllocationOption configures the service.
type AllocationOption func(*AllocationService)

// WithAllocationLimits bounds the batch size and the candidate window scanned per call.
func WithAllocationLimits(maxBatch, window int) AllocationOption {
	return func(s *AllocationService) {
		if maxBatch > 0 {
			s.maxBatch = maxBatch
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithAllocationMetrics records allocation counters.
func WithAllocationMetrics(metrics *MetricsService) AllocationOption {
	return func(s *AllocationService) {
		s.metrics = metrics
	}
}

// WithAllocationClock overrides time.Now.
func WithAllocationClock(now func() time.Time) AllocationOption {
	return func(s *AllocationService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAllocationDefaultTTL sets the lock TTL used when a policy has none.
func WithAllocationDefaultTTL(ttl time.Duration) AllocationOption {
	return func(s *AllocationService) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// NewAllocationService constructs the allocation engine.
func NewAllocationService(cases caseStore, configs queueConfigProvider, gate authorizer, validate *validator.Validate, logger *zap.Logger, opts ...AllocationOption) *AllocationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AllocationService{
		cases:      cases,
		configs:    configs,
		gate:       gate,
		validator:  validate,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		maxBatch:   50,
		window:     500,
		defaultTTL: 30 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// AllocateBatch locks up to req.Size cases from the triage queue.
func (s *AllocationService) AllocateBatch(ctx context.Context, actor models.Actor, req dto.AllocateBatchRequest) (*models.Batch, error) {
	return s.allocate(ctx, actor, req, triageQueue)
}

// AllocateNoCaseBatch locks up to req.Size cases awaiting no-case confirmation.
func (s *AllocationService) AllocateNoCaseBatch(ctx context.Context, actor models.Actor, req dto.AllocateBatchRequest) (*models.Batch, error) {
	return s.allocate(ctx, actor, req, noCaseQueue)
}

func (s *AllocationService) allocate(ctx context.Context, actor models.Actor, req dto.AllocateBatchRequest, queue queueSpec) (*models.Batch, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid allocation payload")
	}
	if req.Size > s.maxBatch {
		return nil, appErrors.Clone(appErrors.ErrValidation, "size exceeds maximum batch size")
	}
	if !s.gate.Authorize(actor.Role, queue.resource, ActionAllocate) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role may not allocate from the "+queue.name+" queue")
	}

	cfg, err := s.configs.Get(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cutoff := now.Add(-cfg.LockTTL(s.defaultTTL))
	filter := models.CaseFilter{
		OrganizationID: actor.OrganizationID,
		Stages:         []models.Stage{queue.stage},
		Available:      true,
		StaleBefore:    cutoff,
		Limit:          s.window,
	}
	if cfg.Mode == models.QueueModeClient {
		filter.Clients = clientScope(cfg, req.Clients)
	}

	w := &batchWalker{
		cases: s.cases,
		orgID: actor.OrganizationID,
		size:  req.Size,
		cond: models.CaseCondition{
			Stages:      []models.Stage{queue.stage},
			Lock:        models.LockAvailable,
			StaleBefore: cutoff,
		},
		patch: models.CasePatch{
			Lock:      &models.CaseLock{AssignedTo: actor.UserID, LockedAt: now},
			UpdatedAt: now,
		},
		batch: &models.Batch{
			OrganizationID: actor.OrganizationID,
			UserID:         actor.UserID,
			AllocatedAt:    now,
			Cases:          make([]models.Case, 0, req.Size),
		},
	}

	var walkErr error
	switch {
	case filter.Clients != nil && len(filter.Clients) == 0:
		// strict client mode with an empty allow-list
	case cfg.Mode == models.QueueModeStatus:
		eligible, err := s.eligible(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load candidates")
		}
		walkErr = w.walk(ctx, orderByStatus(cfg.StatusQueue, eligible))
	default:
		walkErr = s.walkPages(ctx, filter, w)
	}
	if walkErr != nil {
		if len(w.batch.Cases) == 0 {
			return nil, appErrors.Wrap(walkErr, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to allocate cases")
		}
		s.logger.Warn("allocation stopped early on store error",
			zap.String("queue", queue.name),
			zap.String("user_id", actor.UserID),
			zap.Int("allocated", len(w.batch.Cases)),
			zap.Error(walkErr))
	}

	s.metrics.ObserveAllocation(queue.name, len(w.batch.Cases), w.lost)
	s.logger.Debug("batch allocated",
		zap.String("queue", queue.name),
		zap.String("organization_id", actor.OrganizationID),
		zap.String("user_id", actor.UserID),
		zap.Int("requested", req.Size),
		zap.Int("allocated", len(w.batch.Cases)),
		zap.Int("contended", w.lost))
	return w.batch, nil
}

// walkPages locks candidates in creation order, reading one window at a time
// until the batch is full or the eligible set is exhausted.
func (s *AllocationService) walkPages(ctx context.Context, filter models.CaseFilter, w *batchWalker) error {
	for {
		page, err := s.cases.Find(ctx, filter)
		if err != nil {
			return err
		}
		if err := w.walk(ctx, page); err != nil {
			return err
		}
		if w.full() || len(page) < filter.Limit || ctx.Err() != nil {
			return nil
		}
		filter.After = models.CursorOf(&page[len(page)-1])
	}
}

// eligible reads the whole eligible set window by window.
func (s *AllocationService) eligible(ctx context.Context, filter models.CaseFilter) ([]models.Case, error) {
	var all []models.Case
	for {
		page, err := s.cases.Find(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < filter.Limit {
			return all, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filter.After = models.CursorOf(&page[len(page)-1])
	}
}

// batchWalker CAS-locks candidates until size locks are held.
type batchWalker struct {
	cases caseStore
	orgID string
	size  int
	cond  models.CaseCondition
	patch models.CasePatch
	batch *models.Batch
	lost  int
}

func (w *batchWalker) full() bool {
	return len(w.batch.Cases) >= w.size
}

func (w *batchWalker) walk(ctx context.Context, candidates []models.Case) error {
	for i := range candidates {
		if w.full() || ctx.Err() != nil {
			return nil
		}
		candidate := candidates[i]
		ok, err := w.cases.ConditionalUpdate(ctx, candidate.ID, w.orgID, w.cond, w.patch)
		if err != nil {
			return err
		}
		if !ok {
			w.lost++
			continue
		}
		w.patch.ApplyTo(&candidate)
		w.batch.Cases = append(w.batch.Cases, candidate)
	}
	return nil
}

// ReleaseBatch clears every lock the actor holds in its organization,
// whatever stage the case is in.
func (s *AllocationService) ReleaseBatch(ctx context.Context, actor models.Actor) (int, error) {
	if !s.gate.Authorize(actor.Role, triageQueue.resource, ActionRelease) &&
		!s.gate.Authorize(actor.Role, noCaseQueue.resource, ActionRelease) {
		return 0, appErrors.Clone(appErrors.ErrForbidden, "role may not release allocated cases")
	}
	held, err := s.cases.Find(ctx, models.CaseFilter{OrganizationID: actor.OrganizationID, AssignedTo: actor.UserID})
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load batch")
	}
	now := s.now()
	cond := models.CaseCondition{Lock: models.LockHeldBy, User: actor.UserID}
	patch := models.CasePatch{ClearLock: true, UpdatedAt: now}
	released := 0
	for _, c := range held {
		ok, err := s.cases.ConditionalUpdate(ctx, c.ID, actor.OrganizationID, cond, patch)
		if err != nil {
			return released, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to release case")
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// CurrentBatch returns the cases currently locked to the actor.
func (s *AllocationService) CurrentBatch(ctx context.Context, actor models.Actor) (*models.Batch, error) {
	held, err := s.cases.Find(ctx, models.CaseFilter{OrganizationID: actor.OrganizationID, AssignedTo: actor.UserID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load batch")
	}
	batch := &models.Batch{OrganizationID: actor.OrganizationID, UserID: actor.UserID, Cases: held}
	for i := range held {
		if held[i].LockedAt != nil && held[i].LockedAt.After(batch.AllocatedAt) {
			batch.AllocatedAt = *held[i].LockedAt
		}
	}
	return batch, nil
}

func orderByStatus(statusQueue []string, candidates []models.Case) []models.Case {
	rank := make(map[string]int, len(statusQueue))
	for i, label := range statusQueue {
		key := strings.ToLower(strings.TrimSpace(label))
		if _, seen := rank[key]; !seen {
			rank[key] = i
		}
	}
	unknown := len(statusQueue)
	position := func(c *models.Case) int {
		label := classification.Resolve(c.ICSRClassification, c.AOIClassification).String()
		if p, ok := rank[strings.ToLower(label)]; ok && label != "" {
			return p
		}
		return unknown
	}

	ordered := make([]models.Case, len(candidates))
	copy(ordered, candidates)
	positions := make(map[string]int, len(ordered))
	for i := range ordered {
		positions[ordered[i].ID] = position(&ordered[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return positions[ordered[i].ID] < positions[ordered[j].ID]
	})
	return ordered
}

// clientScope returns the clients a client-mode allocation may draw from, or
// nil when any client is allowed. A non-nil empty slice allows none.
func clientScope(cfg *models.QueueConfig, requested []string) []string {
	switch {
	case !cfg.AllowUserClientEntry:
		return clientList(cfg.ClientList, nil)
	case len(requested) > 0:
		return clientList(cfg.ClientList, requested)
	default:
		return nil
	}
}

func clientList(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, client := range list {
			key := models.NormalizeClient(client)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}
