package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/litreview-api/internal/classification"
	"github.com/noah-isme/litreview-api/internal/dto"
	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
)

type auditRecorder interface {
	Append(ctx context.Context, record models.AuditRecord) error
	Trail(ctx context.Context, orgID, caseID string) ([]models.AuditRecord, error)
}

// ReviewService drives cases through the review pipeline. Every transition is
// a single conditional write that also releases the actor's lock.
type ReviewService struct {
	cases     caseStore
	configs   queueConfigProvider
	gate      authorizer
	audit     auditRecorder
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	now       func() time.Time
	lockTTL   time.Duration
}

// ReviewOption configures the service.
type ReviewOption func(*ReviewService)

// WithReviewMetrics records transition outcomes.
func WithReviewMetrics(metrics *MetricsService) ReviewOption {
	return func(s *ReviewService) {
		s.metrics = metrics
	}
}

// WithReviewClock overrides time.Now.
func WithReviewClock(now func() time.Time) ReviewOption {
	return func(s *ReviewService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReviewDefaultTTL sets the lock TTL used when an organization has none.
func WithReviewDefaultTTL(ttl time.Duration) ReviewOption {
	return func(s *ReviewService) {
		s.lockTTL = ttl
	}
}

// NewReviewService constructs the state machine.
func NewReviewService(cases caseStore, configs queueConfigProvider, gate authorizer, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, opts ...ReviewOption) *ReviewService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ReviewService{
		cases:     cases,
		configs:   configs,
		gate:      gate,
		audit:     audit,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Classify records the triage tag and sends the case to QC. Without a tag the
// resolver's suggestion is used.
func (s *ReviewService) Classify(ctx context.Context, actor models.Actor, caseID string, req dto.ClassifyRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionClassify, actor, caseID, transitionInput{tag: req.Tag, notes: req.Notes})
}

// Approve accepts the triage decision.
func (s *ReviewService) Approve(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionApprove, actor, caseID, transitionInput{reason: req.Reason})
}

// Reject returns the case to triage, or to no-case confirmation for a NO_CASE tag.
func (s *ReviewService) Reject(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionReject, actor, caseID, transitionInput{reason: req.Reason})
}

// StartDataEntry moves an approved ICSR case into data entry.
func (s *ReviewService) StartDataEntry(ctx context.Context, actor models.Actor, caseID string) (*models.Case, error) {
	return s.execute(ctx, TransitionStartDataEntry, actor, caseID, transitionInput{})
}

// CompleteDataEntry closes data entry.
func (s *ReviewService) CompleteDataEntry(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionCompleteDataEntry, actor, caseID, transitionInput{notes: req.Notes})
}

// SubmitMedicalReview hands a completed case to the medical examiner.
func (s *ReviewService) SubmitMedicalReview(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionSubmitMedicalReview, actor, caseID, transitionInput{notes: req.Notes})
}

// FinalizeReport marks a medically reviewed case as reported.
func (s *ReviewService) FinalizeReport(ctx context.Context, actor models.Actor, caseID string, req dto.NotesRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionFinalizeReport, actor, caseID, transitionInput{notes: req.Notes})
}

// Revoke sends a case back according to the organization's revocation target.
func (s *ReviewService) Revoke(ctx context.Context, actor models.Actor, caseID string, req dto.DecisionRequest) (*models.Case, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return s.execute(ctx, TransitionRevoke, actor, caseID, transitionInput{reason: req.Reason})
}

// Get returns a case from the actor's organization.
func (s *ReviewService) Get(ctx context.Context, actor models.Actor, caseID string) (*models.Case, error) {
	return s.load(ctx, actor.OrganizationID, caseID)
}

// Suggest returns the resolver output for a case.
func (s *ReviewService) Suggest(ctx context.Context, actor models.Actor, caseID string) (*dto.SuggestionResponse, error) {
	c, err := s.load(ctx, actor.OrganizationID, caseID)
	if err != nil {
		return nil, err
	}
	result := classification.Resolve(c.ICSRClassification, c.AOIClassification)
	resp := &dto.SuggestionResponse{CaseID: c.ID, Label: result.String(), Resolved: result.Resolved()}
	if tag, ok := SuggestedTag(result); ok {
		resp.Tag = string(tag)
	}
	return resp, nil
}

// AuditTrail returns the transitions recorded for a case.
func (s *ReviewService) AuditTrail(ctx context.Context, actor models.Actor, caseID string) ([]models.AuditRecord, error) {
	if _, err := s.load(ctx, actor.OrganizationID, caseID); err != nil {
		return nil, err
	}
	return s.audit.Trail(ctx, actor.OrganizationID, caseID)
}

func (s *ReviewService) execute(ctx context.Context, name Transition, actor models.Actor, caseID string, in transitionInput) (*models.Case, error) {
	rule := transitionTable[name]
	c, err := s.apply(ctx, rule, actor, caseID, in)
	if err != nil {
		s.metrics.ObserveTransition(string(name), appErrors.FromError(err).Code)
		return nil, err
	}
	s.metrics.ObserveTransition(string(name), "ok")
	return c, nil
}

func (s *ReviewService) apply(ctx context.Context, rule *transitionRule, actor models.Actor, caseID string, in transitionInput) (*models.Case, error) {
	c, err := s.load(ctx, actor.OrganizationID, caseID)
	if err != nil {
		return nil, err
	}
	from := c.Stage

	if !s.gate.Authorize(actor.Role, rule.resource(from), string(rule.name)) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role may not "+string(rule.name)+" this case")
	}
	if !rule.allows(from) {
		return nil, invalidTransition(rule, from)
	}
	if rule.reasonRequired && strings.TrimSpace(in.reason) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reason is required to "+string(rule.name))
	}

	in.actor = actor
	in.now = s.now()
	cond := models.CaseCondition{
		Stages: []models.Stage{from},
		Lock:   models.LockHeldOrFree,
		User:   actor.UserID,
	}
	foreign := c.AssignedTo != nil && *c.AssignedTo != actor.UserID
	if rule.needsPolicy || foreign {
		policy, err := s.configs.Get(ctx, actor.OrganizationID)
		if err != nil {
			return nil, err
		}
		in.policy = policy
	}
	if foreign {
		// A lock past its TTL is abandoned and may be taken over.
		cutoff := in.now.Add(-in.policy.LockTTL(s.defaultTTL()))
		if !c.LockStale(cutoff) {
			return nil, appErrors.Clone(appErrors.ErrLockLost, "")
		}
		cond.Lock = models.LockClaimable
		cond.StaleBefore = cutoff
	}

	patch, err := rule.plan(c, in)
	if err != nil {
		return nil, err
	}
	patch.ClearLock = true
	patch.UpdatedAt = in.now

	ok, err := s.cases.ConditionalUpdate(ctx, c.ID, actor.OrganizationID, cond, patch)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to update case")
	}
	if !ok {
		return nil, s.explainConflict(ctx, rule, actor, caseID, from)
	}

	patch.ApplyTo(c)
	s.emitAudit(ctx, models.AuditRecord{
		OrganizationID: actor.OrganizationID,
		CaseID:         c.ID,
		UserID:         actor.UserID,
		Action:         rule.auditAction,
		FromStage:      from,
		ToStage:        c.Stage,
		Timestamp:      in.now,
		Details:        auditDetails(in),
	})
	s.logger.Info("case transitioned",
		zap.String("case_id", c.ID),
		zap.String("transition", string(rule.name)),
		zap.String("from", string(from)),
		zap.String("to", string(c.Stage)),
		zap.String("user_id", actor.UserID))
	return c, nil
}

// explainConflict re-reads a case whose conditional write did not apply.
func (s *ReviewService) explainConflict(ctx context.Context, rule *transitionRule, actor models.Actor, caseID string, from models.Stage) error {
	current, err := s.load(ctx, actor.OrganizationID, caseID)
	if err != nil {
		return err
	}
	if current.Stage != from {
		return invalidTransition(rule, current.Stage)
	}
	return appErrors.Clone(appErrors.ErrLockLost, "")
}

func (s *ReviewService) defaultTTL() time.Duration {
	if s.lockTTL > 0 {
		return s.lockTTL
	}
	return 30 * time.Minute
}

func (s *ReviewService) load(ctx context.Context, orgID, caseID string) (*models.Case, error) {
	c, err := s.cases.Get(ctx, caseID, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStore.Code, appErrors.ErrStore.Status, "failed to load case")
	}
	return c, nil
}

func (s *ReviewService) validate(req interface{}) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	return nil
}

func (s *ReviewService) emitAudit(ctx context.Context, record models.AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, record); err != nil {
		s.logger.Warn("failed to record audit entry", zap.String("case_id", record.CaseID), zap.Error(err))
	}
}

func invalidTransition(rule *transitionRule, stage models.Stage) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition,
		"cannot "+string(rule.name)+" a case in "+string(stage)+"; allowed from: "+rule.sourceList())
}

func auditDetails(in transitionInput) string {
	if reason := strings.TrimSpace(in.reason); reason != "" {
		return reason
	}
	return strings.TrimSpace(in.notes)
}
