package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/litreview-api/internal/dto"
	"github.com/noah-isme/litreview-api/internal/models"
	"github.com/noah-isme/litreview-api/internal/permission"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
)

type reviewFixture struct {
	review  *ReviewService
	alloc   *AllocationService
	store   *memCaseStore
	audit   *auditStub
	clock   *testClock
	configs *queueConfigStub
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	store := newMemCaseStore()
	audit := &auditStub{}
	clock := newTestClock()
	configs := &queueConfigStub{configs: map[string]models.QueueConfig{}}
	gate := permission.Default()
	return &reviewFixture{
		review:  NewReviewService(store, configs, gate, audit, nil, nil, WithReviewClock(clock.Now), WithReviewMetrics(NewMetricsService())),
		alloc:   NewAllocationService(store, configs, gate, nil, nil, WithAllocationClock(clock.Now)),
		store:   store,
		audit:   audit,
		clock:   clock,
		configs: configs,
	}
}

var (
	triager  = actor("tara", "triage_reviewer")
	qc       = actor("quinn", "qc_reviewer")
	enterer  = actor("dora", "data_entry")
	examiner = actor("mia", "medical_examiner")
)

func TestReviewHappyPath(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	seedCases(f.store, models.StagePendingTriage, 1)

	batch, err := f.alloc.AllocateBatch(ctx, triager, dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	require.Len(t, batch.Cases, 1)

	c, err := f.review.Classify(ctx, triager, "case-01", dto.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StageUnderQC, c.Stage)
	require.NotNil(t, c.UserTag)
	assert.Equal(t, models.TagICSR, *c.UserTag)
	assert.Nil(t, c.AssignedTo)
	assert.Equal(t, models.QAStatusPending, *c.QAApprovalStatus)

	c, err = f.review.Approve(ctx, qc, "case-01", dto.DecisionRequest{Reason: "tag confirmed"})
	require.NoError(t, err)
	assert.Equal(t, models.StageApproved, c.Stage)

	c, err = f.review.StartDataEntry(ctx, enterer, "case-01")
	require.NoError(t, err)
	assert.Equal(t, models.StageDataEntry, c.Stage)

	c, err = f.review.CompleteDataEntry(ctx, enterer, "case-01", dto.NotesRequest{Notes: "entered"})
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, c.Stage)

	trail, err := f.review.AuditTrail(ctx, triager, "case-01")
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, []string{
		models.AuditActionClassify, models.AuditActionApprove,
		models.AuditActionStartDataEntry, models.AuditActionCompleteDataEntry,
	}, []string{trail[0].Action, trail[1].Action, trail[2].Action, trail[3].Action})
	assert.Equal(t, models.StagePendingTriage, trail[0].FromStage)
	assert.Equal(t, models.StageCompleted, trail[3].ToStage)
	assert.Equal(t, "tag confirmed", trail[1].Details)

	stored := f.store.snapshot("case-01")
	assert.Equal(t, models.StageCompleted, stored.Stage)
	assert.Nil(t, stored.AssignedTo)
}

func TestReviewMedicalReviewAndFinalize(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StageCompleted})

	c, err := f.review.SubmitMedicalReview(context.Background(), examiner, "case-01", dto.NotesRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StageMedicalReview, c.Stage)

	c, err = f.review.FinalizeReport(context.Background(), examiner, "case-01", dto.NotesRequest{Notes: "sent"})
	require.NoError(t, err)
	assert.Equal(t, models.StageReported, c.Stage)
	assert.Equal(t, 2, f.audit.count())
}

func TestReviewTransitionLegality(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	f.store.add(models.Case{ID: "pending", Stage: models.StagePendingTriage})
	f.store.add(models.Case{ID: "qc", Stage: models.StageUnderQC})
	f.store.add(models.Case{ID: "approved", Stage: models.StageApproved})

	_, err := f.review.Approve(ctx, qc, "pending", dto.DecisionRequest{Reason: "ok"})
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.Contains(t, err.Error(), "UNDER_QC, NO_CASE_TRIAGE")

	_, err = f.review.Reject(ctx, qc, "qc", dto.DecisionRequest{Reason: "   "})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.review.Revoke(ctx, examiner, "approved", dto.DecisionRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.review.Approve(ctx, qc, "missing", dto.DecisionRequest{Reason: "ok"})
	require.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	assert.Equal(t, 0, f.audit.count())
	assert.Equal(t, 0, f.store.updates)
	assert.Equal(t, models.StagePendingTriage, f.store.snapshot("pending").Stage)
}

func TestReviewForbidden(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "yes"})

	_, err := f.review.Classify(context.Background(), enterer, "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = f.review.Classify(context.Background(), actor("x", "unknown_role"), "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))
	assert.Equal(t, 0, f.audit.count())
}

func TestReviewClassifyTags(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	f.store.add(models.Case{ID: "manual", Stage: models.StagePendingTriage, ICSRClassification: "Needs manual review"})
	f.store.add(models.Case{ID: "override", Stage: models.StagePendingTriage, ICSRClassification: "Probable ICSR"})

	_, err := f.review.Classify(ctx, triager, "manual", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.review.Classify(ctx, triager, "manual", dto.ClassifyRequest{Tag: "maybe"})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	c, err := f.review.Classify(ctx, triager, "manual", dto.ClassifyRequest{Tag: "Probable AOI"})
	require.NoError(t, err)
	assert.Equal(t, models.TagAOI, *c.UserTag)

	c, err = f.review.Classify(ctx, triager, "override", dto.ClassifyRequest{Tag: "no_case"})
	require.NoError(t, err)
	assert.Equal(t, models.TagNoCase, *c.UserTag)

	_, err = f.review.Classify(ctx, triager, "override", dto.ClassifyRequest{Tag: "ICSR"})
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.Equal(t, 2, f.audit.count())
}

func TestReviewNoCaseLoop(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "No Case", AOIClassification: "No"})

	c, err := f.review.Classify(ctx, triager, "case-01", dto.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.TagNoCase, *c.UserTag)

	c, err = f.review.Reject(ctx, qc, "case-01", dto.DecisionRequest{Reason: "confirm no case"})
	require.NoError(t, err)
	assert.Equal(t, models.StageNoCaseTriage, c.Stage)
	require.NotNil(t, c.UserTag)
	assert.Equal(t, models.TagNoCase, *c.UserTag)
	assert.Equal(t, models.QAStatusRejected, *c.QAApprovalStatus)

	c, err = f.review.Reject(ctx, triager, "case-01", dto.DecisionRequest{Reason: "actually reportable"})
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingTriage, c.Stage)
	assert.Nil(t, c.UserTag)

	trail, err := f.review.AuditTrail(ctx, triager, "case-01")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, models.StageNoCaseTriage, trail[2].FromStage)
	assert.Equal(t, models.StagePendingTriage, trail[2].ToStage)
}

func TestReviewRejectFromQCReturnsToTriage(t *testing.T) {
	f := newReviewFixture(t)
	tag := models.TagICSR
	f.store.add(models.Case{ID: "case-01", Stage: models.StageUnderQC, UserTag: &tag})

	c, err := f.review.Reject(context.Background(), qc, "case-01", dto.DecisionRequest{Reason: "wrong tag"})
	require.NoError(t, err)
	assert.Equal(t, models.StagePendingTriage, c.Stage)
	assert.Nil(t, c.UserTag)
}

func TestReviewNoCaseApprove(t *testing.T) {
	f := newReviewFixture(t)
	tag := models.TagNoCase
	f.store.add(models.Case{ID: "case-01", Stage: models.StageNoCaseTriage, UserTag: &tag})

	_, err := f.review.StartDataEntry(context.Background(), enterer, "case-01")
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	c, err := f.review.Approve(context.Background(), triager, "case-01", dto.DecisionRequest{Reason: "no case confirmed"})
	require.NoError(t, err)
	assert.Equal(t, models.StageApproved, c.Stage)

	_, err = f.review.StartDataEntry(context.Background(), enterer, "case-01")
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestReviewStaleLockReclaim(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	f.configs.configs["org-1"] = models.QueueConfig{OrganizationID: "org-1", LockTTLSeconds: 300}
	seedCases(f.store, models.StagePendingTriage, 1)
	alice := actor("alice", "triage_reviewer")
	bob := actor("bob", "triage_reviewer")

	_, err := f.alloc.AllocateBatch(ctx, alice, dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	batch, err := f.alloc.AllocateBatch(ctx, bob, dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	require.Len(t, batch.Cases, 1)

	_, err = f.review.Classify(ctx, alice, "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrLockLost))
	assert.Equal(t, 0, f.audit.count())

	c, err := f.review.Classify(ctx, bob, "case-01", dto.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StageUnderQC, c.Stage)
	assert.Nil(t, c.AssignedTo)
}

func TestReviewTakesOverAbandonedLock(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	f.configs.configs["org-1"] = models.QueueConfig{OrganizationID: "org-1", LockTTLSeconds: 300}
	seedCases(f.store, models.StagePendingTriage, 1)
	alice := actor("alice", "triage_reviewer")
	bob := actor("bob", "triage_reviewer")

	_, err := f.alloc.AllocateBatch(ctx, alice, dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)

	_, err = f.review.Classify(ctx, bob, "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrLockLost))

	f.clock.Advance(6 * time.Minute)
	c, err := f.review.Classify(ctx, bob, "case-01", dto.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StageUnderQC, c.Stage)
	assert.Nil(t, c.AssignedTo)
	require.Len(t, f.audit.records, 1)
	assert.Equal(t, "bob", f.audit.records[0].UserID)
}

func TestReviewAbandonedLockRefreshedBeforeWrite(t *testing.T) {
	f := newReviewFixture(t)
	f.configs.configs["org-1"] = models.QueueConfig{OrganizationID: "org-1", LockTTLSeconds: 300}
	holder := "alice"
	lockedAt := f.clock.Now().Add(-10 * time.Minute)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "yes",
		AssignedTo: &holder, LockedAt: &lockedAt})
	f.store.beforeUpdate = func(c *models.Case) {
		at := f.clock.Now()
		c.LockedAt = &at
	}

	_, err := f.review.Classify(context.Background(), actor("bob", "triage_reviewer"), "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrLockLost))
	assert.Equal(t, 0, f.audit.count())
}

func TestReviewLockStolenBeforeWrite(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "yes"})
	thief := "bob"
	f.store.beforeUpdate = func(c *models.Case) {
		at := f.clock.Now()
		c.AssignedTo = &thief
		c.LockedAt = &at
	}

	_, err := f.review.Classify(context.Background(), triager, "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrLockLost))
	assert.Equal(t, 0, f.audit.count())
}

func TestReviewConcurrentTransitionsApplyOnce(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "Probable ICSR"})

	const workers = 6
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.review.Classify(context.Background(), triager, "case-01", dto.ClassifyRequest{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.audit.count())
}

func TestReviewRevokeTargets(t *testing.T) {
	cases := []struct {
		name    string
		target  models.RevocationTarget
		from    models.Stage
		want    models.Stage
		wantTag bool
	}{
		{"default to data entry", models.RevokeToDataEntry, models.StageMedicalReview, models.StageDataEntry, true},
		{"prior from reported", models.RevokeToPrior, models.StageReported, models.StageMedicalReview, true},
		{"prior from approved", models.RevokeToPrior, models.StageApproved, models.StageUnderQC, true},
		{"back to triage", models.RevokeToTriage, models.StageCompleted, models.StagePendingTriage, false},
		{"prior from data entry", models.RevokeToPrior, models.StageDataEntry, models.StageApproved, true},
		{"data entry restarts data entry", models.RevokeToDataEntry, models.StageDataEntry, models.StageDataEntry, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newReviewFixture(t)
			f.configs.configs["org-1"] = models.QueueConfig{OrganizationID: "org-1", RevocationTarget: tc.target}
			tag := models.TagICSR
			f.store.add(models.Case{ID: "case-01", Stage: tc.from, UserTag: &tag})

			c, err := f.review.Revoke(context.Background(), examiner, "case-01", dto.DecisionRequest{Reason: "dose missing"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, c.Stage)
			assert.Equal(t, tc.wantTag, c.UserTag != nil)
			require.NotNil(t, c.RevokedBy)
			assert.Equal(t, "mia", *c.RevokedBy)
			assert.Equal(t, "dose missing", *c.RevocationReason)
			assert.Equal(t, f.clock.Now(), *c.RevokedAt)
			require.Len(t, f.audit.records, 1)
			assert.Equal(t, models.AuditActionRevoke, f.audit.records[0].Action)
		})
	}
}

func TestReviewStoreErrors(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "yes"})
	f.store.updateErr = errors.New("connection reset")

	_, err := f.review.Classify(context.Background(), triager, "case-01", dto.ClassifyRequest{})
	require.True(t, appErrors.Is(err, appErrors.ErrStore))
	assert.Equal(t, 0, f.audit.count())
}

func TestReviewAuditFailureDoesNotFailTransition(t *testing.T) {
	f := newReviewFixture(t)
	f.audit.err = errors.New("audit down")
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "yes"})

	c, err := f.review.Classify(context.Background(), triager, "case-01", dto.ClassifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StageUnderQC, c.Stage)
}

func TestReviewSuggest(t *testing.T) {
	f := newReviewFixture(t)
	f.store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, ICSRClassification: "No Case", AOIClassification: "Yes (AOI)"})
	f.store.add(models.Case{ID: "case-02", Stage: models.StagePendingTriage, ICSRClassification: "manual review"})

	s, err := f.review.Suggest(context.Background(), triager, "case-01")
	require.NoError(t, err)
	assert.Equal(t, "Probable AOI", s.Label)
	assert.Equal(t, "AOI", s.Tag)
	assert.True(t, s.Resolved)

	s, err = f.review.Suggest(context.Background(), triager, "case-02")
	require.NoError(t, err)
	assert.Equal(t, "Manual Review", s.Label)
	assert.Empty(t, s.Tag)
}
