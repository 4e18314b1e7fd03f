package service

import (
	"context"
	"errors"
	"fmt"
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

func newAllocationFixture(t *testing.T, configs map[string]models.QueueConfig) (*AllocationService, *memCaseStore, *testClock) {
	t.Helper()
	store := newMemCaseStore()
	clock := newTestClock()
	svc := NewAllocationService(store, &queueConfigStub{configs: configs}, permission.Default(), nil, nil,
		WithAllocationClock(clock.Now),
		WithAllocationLimits(20, 100),
		WithAllocationMetrics(NewMetricsService()))
	return svc, store, clock
}

func TestAllocateBatchLocksInCreationOrder(t *testing.T) {
	svc, store, clock := newAllocationFixture(t, nil)
	ids := seedCases(store, models.StagePendingTriage, 5)

	batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 3})
	require.NoError(t, err)
	assert.Equal(t, ids[:3], batch.CaseIDs())
	for _, c := range batch.Cases {
		require.True(t, c.HeldBy("alice"))
		assert.Equal(t, clock.Now(), *c.LockedAt)
	}
	stored := store.snapshot(ids[3])
	assert.Nil(t, stored.AssignedTo)
}

func TestAllocateBatchSkipsOtherStagesAndLiveLocks(t *testing.T) {
	svc, store, clock := newAllocationFixture(t, nil)
	seedCases(store, models.StagePendingTriage, 2)
	store.add(models.Case{ID: "qc-1", Stage: models.StageUnderQC})
	held := "bob"
	lockedAt := clock.Now().Add(-time.Minute)
	store.add(models.Case{ID: "held-1", Stage: models.StagePendingTriage, AssignedTo: &held, LockedAt: &lockedAt})

	batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"case-01", "case-02"}, batch.CaseIDs())
}

func TestAllocateBatchRejectsInvalidRequests(t *testing.T) {
	svc, _, _ := newAllocationFixture(t, nil)

	_, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 0})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 21})
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.AllocateBatch(context.Background(), actor("dora", "data_entry"), dto.AllocateBatchRequest{Size: 1})
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestAllocateBatchConcurrentMutualExclusion(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	ids := seedCases(store, models.StagePendingTriage, 30)

	const reviewers = 8
	var wg sync.WaitGroup
	batches := make([]*models.Batch, reviewers)
	errs := make([]error, reviewers)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batches[i], errs[i] = svc.AllocateBatch(context.Background(),
				actor(fmt.Sprintf("reviewer-%d", i), "triage_reviewer"), dto.AllocateBatchRequest{Size: 5})
		}(i)
	}
	wg.Wait()

	owner := make(map[string]string)
	total := 0
	for i, batch := range batches {
		require.NoError(t, errs[i])
		for _, c := range batch.Cases {
			prev, dup := owner[c.ID]
			require.False(t, dup, "case %s allocated to %s and %s", c.ID, prev, batch.UserID)
			owner[c.ID] = batch.UserID
			total++
		}
	}
	assert.Equal(t, len(ids), total)

	for _, id := range ids {
		stored := store.snapshot(id)
		require.NotNil(t, stored.AssignedTo)
		assert.Equal(t, owner[id], *stored.AssignedTo)
	}
}

func TestAllocateBatchReclaimsStaleLocks(t *testing.T) {
	svc, store, clock := newAllocationFixture(t, map[string]models.QueueConfig{
		"org-1": {OrganizationID: "org-1", LockTTLSeconds: 600},
	})
	seedCases(store, models.StagePendingTriage, 1)

	first, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	require.Len(t, first.Cases, 1)

	second, err := svc.AllocateBatch(context.Background(), actor("bob", "triage_reviewer"), dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	assert.Empty(t, second.Cases)

	clock.Advance(11 * time.Minute)
	third, err := svc.AllocateBatch(context.Background(), actor("bob", "triage_reviewer"), dto.AllocateBatchRequest{Size: 1})
	require.NoError(t, err)
	require.Len(t, third.Cases, 1)
	stored := store.snapshot("case-01")
	assert.True(t, stored.HeldBy("bob"))
}

func TestAllocateBatchStatusMode(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, map[string]models.QueueConfig{
		"org-1": {OrganizationID: "org-1", Mode: models.QueueModeStatus, StatusQueue: []string{"no case", "Probable ICSR"}},
	})
	store.add(models.Case{ID: "unknown", Stage: models.StagePendingTriage, ICSRClassification: "garbage"})
	store.add(models.Case{ID: "icsr-1", Stage: models.StagePendingTriage, ICSRClassification: "Probable ICSR", AOIClassification: "No"})
	store.add(models.Case{ID: "nocase", Stage: models.StagePendingTriage, ICSRClassification: "No Case", AOIClassification: "No"})
	store.add(models.Case{ID: "icsr-2", Stage: models.StagePendingTriage, ICSRClassification: "Classification: 1. Yes (ICSR)", AOIClassification: "No"})

	batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"nocase", "icsr-1", "icsr-2", "unknown"}, batch.CaseIDs())
}

func TestAllocateBatchClientMode(t *testing.T) {
	seed := func(store *memCaseStore) {
		store.add(models.Case{ID: "acme", Stage: models.StagePendingTriage, ClientName: "Acme"})
		store.add(models.Case{ID: "globex", Stage: models.StagePendingTriage, ClientName: "Globex"})
		store.add(models.Case{ID: "initech", Stage: models.StagePendingTriage, ClientName: " initech "})
	}

	t.Run("allow-list only", func(t *testing.T) {
		svc, store, _ := newAllocationFixture(t, map[string]models.QueueConfig{
			"org-1": {OrganizationID: "org-1", Mode: models.QueueModeClient, ClientList: []string{"acme", "Initech"}},
		})
		seed(store)
		batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"),
			dto.AllocateBatchRequest{Size: 5, Clients: []string{"Globex"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "initech"}, batch.CaseIDs())
	})

	t.Run("ad-hoc clients extend the list", func(t *testing.T) {
		svc, store, _ := newAllocationFixture(t, map[string]models.QueueConfig{
			"org-1": {OrganizationID: "org-1", Mode: models.QueueModeClient, ClientList: []string{"acme"}, AllowUserClientEntry: true},
		})
		seed(store)
		batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"),
			dto.AllocateBatchRequest{Size: 5, Clients: []string{"globex"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, batch.CaseIDs())
	})

	t.Run("any client when entry allowed", func(t *testing.T) {
		svc, store, _ := newAllocationFixture(t, map[string]models.QueueConfig{
			"org-1": {OrganizationID: "org-1", Mode: models.QueueModeClient, AllowUserClientEntry: true},
		})
		seed(store)
		batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 5})
		require.NoError(t, err)
		assert.Len(t, batch.Cases, 3)
	})
}

func TestAllocateBatchPartialOnContention(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	seedCases(store, models.StagePendingTriage, 3)
	stolen := "mallory"
	store.beforeUpdate = func(c *models.Case) {
		if c.ID == "case-02" && c.AssignedTo == nil {
			at := time.Now().UTC().Add(time.Hour)
			c.AssignedTo = &stolen
			c.LockedAt = &at
		}
	}

	batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"case-01", "case-03"}, batch.CaseIDs())
}

func TestAllocateBatchStoreError(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	seedCases(store, models.StagePendingTriage, 1)
	store.updateErr = errors.New("connection refused")

	_, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"), dto.AllocateBatchRequest{Size: 1})
	require.True(t, appErrors.Is(err, appErrors.ErrStore))
}

func TestAllocateNoCaseBatch(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	seedCases(store, models.StagePendingTriage, 2)
	store.add(models.Case{ID: "nc-1", Stage: models.StageNoCaseTriage})

	batch, err := svc.AllocateNoCaseBatch(context.Background(), actor("quinn", "qc_reviewer"), dto.AllocateBatchRequest{Size: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"nc-1"}, batch.CaseIDs())

	_, err = svc.AllocateBatch(context.Background(), actor("quinn", "qc_reviewer"), dto.AllocateBatchRequest{Size: 5})
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestReleaseAndCurrentBatch(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	seedCases(store, models.StagePendingTriage, 4)
	alice := actor("alice", "triage_reviewer")

	_, err := svc.AllocateBatch(context.Background(), alice, dto.AllocateBatchRequest{Size: 3})
	require.NoError(t, err)

	current, err := svc.CurrentBatch(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, current.Cases, 3)
	assert.False(t, current.AllocatedAt.IsZero())

	released, err := svc.ReleaseBatch(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	current, err = svc.CurrentBatch(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, current.Cases)
	for _, id := range []string{"case-01", "case-02", "case-03"} {
		stored := store.snapshot(id)
		assert.Nil(t, stored.AssignedTo)
		assert.Nil(t, stored.LockedAt)
	}
}

func newPagedAllocationFixture(t *testing.T, window int, configs map[string]models.QueueConfig) (*AllocationService, *memCaseStore) {
	t.Helper()
	store := newMemCaseStore()
	clock := newTestClock()
	svc := NewAllocationService(store, &queueConfigStub{configs: configs}, permission.Default(), nil, nil,
		WithAllocationClock(clock.Now),
		WithAllocationLimits(20, window))
	return svc, store
}

func TestAllocateBatchPagesPastCandidateWindow(t *testing.T) {
	alice := actor("alice", "triage_reviewer")

	t.Run("creation order", func(t *testing.T) {
		svc, store := newPagedAllocationFixture(t, 2, nil)
		ids := seedCases(store, models.StagePendingTriage, 5)

		batch, err := svc.AllocateBatch(context.Background(), alice, dto.AllocateBatchRequest{Size: 4})
		require.NoError(t, err)
		assert.Equal(t, ids[:4], batch.CaseIDs())
		assert.Equal(t, 2, store.finds)
	})

	t.Run("client allow-list", func(t *testing.T) {
		svc, store := newPagedAllocationFixture(t, 3, map[string]models.QueueConfig{
			"org-1": {OrganizationID: "org-1", Mode: models.QueueModeClient, ClientList: []string{"acme"}},
		})
		for i := 0; i < 3; i++ {
			store.add(models.Case{ID: fmt.Sprintf("other-%d", i), Stage: models.StagePendingTriage, ClientName: "Other"})
		}
		store.add(models.Case{ID: "acme-1", Stage: models.StagePendingTriage, ClientName: "ACME "})

		batch, err := svc.AllocateBatch(context.Background(), alice, dto.AllocateBatchRequest{Size: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"acme-1"}, batch.CaseIDs())
	})

	t.Run("status ranking", func(t *testing.T) {
		svc, store := newPagedAllocationFixture(t, 3, map[string]models.QueueConfig{
			"org-1": {OrganizationID: "org-1", Mode: models.QueueModeStatus, StatusQueue: []string{"Manual Review"}},
		})
		for i := 0; i < 3; i++ {
			store.add(models.Case{ID: fmt.Sprintf("nc-%d", i), Stage: models.StagePendingTriage,
				ICSRClassification: "No Case", AOIClassification: "No"})
		}
		store.add(models.Case{ID: "mr-1", Stage: models.StagePendingTriage, ICSRClassification: "Article requires manual review"})

		batch, err := svc.AllocateBatch(context.Background(), alice, dto.AllocateBatchRequest{Size: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"mr-1"}, batch.CaseIDs())
	})
}

func TestAllocateBatchEmptyStrictClientList(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, map[string]models.QueueConfig{
		"org-1": {OrganizationID: "org-1", Mode: models.QueueModeClient},
	})
	store.add(models.Case{ID: "acme", Stage: models.StagePendingTriage, ClientName: "Acme"})

	batch, err := svc.AllocateBatch(context.Background(), actor("alice", "triage_reviewer"),
		dto.AllocateBatchRequest{Size: 5, Clients: []string{"Acme"}})
	require.NoError(t, err)
	assert.Empty(t, batch.Cases)
	assert.Nil(t, store.snapshot("acme").AssignedTo)
}

func TestReleaseBatchRequiresReleasePermission(t *testing.T) {
	svc, store, _ := newAllocationFixture(t, nil)
	held := "dora"
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.add(models.Case{ID: "case-01", Stage: models.StagePendingTriage, AssignedTo: &held, LockedAt: &at})

	_, err := svc.ReleaseBatch(context.Background(), actor("dora", "data_entry"))
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))
	snap := store.snapshot("case-01")
	assert.True(t, snap.HeldBy("dora"))
	assert.Equal(t, 0, store.updates)
}
