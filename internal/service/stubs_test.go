package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/litreview-api/internal/models"
)

// memCaseStore evaluates CaseCondition/CasePatch under a mutex, mirroring the
// single-statement conditional UPDATE of the SQL repository.
type memCaseStore struct {
	mu           sync.Mutex
	cases        map[string]*models.Case
	order        []string
	updateErr    error
	beforeUpdate func(c *models.Case)
	updates      int
	finds        int
}

func newMemCaseStore() *memCaseStore {
	return &memCaseStore{cases: make(map[string]*models.Case)}
}

func (s *memCaseStore) add(c models.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.OrganizationID == "" {
		c.OrganizationID = "org-1"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Date(2024, 1, 1, 0, 0, len(s.order), 0, time.UTC)
	}
	stored := c
	s.cases[c.ID] = &stored
	s.order = append(s.order, c.ID)
}

func (s *memCaseStore) snapshot(id string) models.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cases[id]
}

func (s *memCaseStore) Get(ctx context.Context, id, orgID string) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok || c.OrganizationID != orgID {
		return nil, sql.ErrNoRows
	}
	copied := *c
	return &copied, nil
}

func (s *memCaseStore) Find(ctx context.Context, filter models.CaseFilter) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	var clients map[string]struct{}
	if filter.Clients != nil {
		clients = make(map[string]struct{}, len(filter.Clients))
		for _, client := range filter.Clients {
			clients[models.NormalizeClient(client)] = struct{}{}
		}
	}
	ordered := make([]*models.Case, 0, len(s.order))
	for _, id := range s.order {
		ordered = append(ordered, s.cases[id])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	result := make([]models.Case, 0)
	for _, c := range ordered {
		if c.OrganizationID != filter.OrganizationID {
			continue
		}
		if len(filter.Stages) > 0 && !containsStage(filter.Stages, c.Stage) {
			continue
		}
		if filter.AssignedTo != "" && !c.HeldBy(filter.AssignedTo) {
			continue
		}
		if filter.Available && c.AssignedTo != nil && !c.LockStale(filter.StaleBefore) {
			continue
		}
		if filter.LockedBefore != nil && (c.AssignedTo == nil || !c.LockStale(*filter.LockedBefore)) {
			continue
		}
		if clients != nil {
			if _, ok := clients[models.NormalizeClient(c.ClientName)]; !ok {
				continue
			}
		}
		if filter.After.Before(c) {
			continue
		}
		result = append(result, *c)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *memCaseStore) ConditionalUpdate(ctx context.Context, id, orgID string, cond models.CaseCondition, patch models.CasePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	c, ok := s.cases[id]
	if !ok || c.OrganizationID != orgID {
		return false, nil
	}
	if s.beforeUpdate != nil {
		s.beforeUpdate(c)
	}
	if !cond.Matches(c) {
		return false, nil
	}
	patch.ApplyTo(c)
	s.updates++
	return true, nil
}

func (s *memCaseStore) LockedOrganizationIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	for _, c := range s.cases {
		if c.AssignedTo != nil {
			seen[c.OrganizationID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func containsStage(stages []models.Stage, stage models.Stage) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

type queueConfigStub struct {
	configs map[string]models.QueueConfig
	err     error
}

func (s *queueConfigStub) Get(ctx context.Context, orgID string) (*models.QueueConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	if cfg, ok := s.configs[orgID]; ok {
		copied := cfg
		copied.Normalize()
		return &copied, nil
	}
	return models.DefaultQueueConfig(orgID, 30*time.Minute), nil
}

type auditStub struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
}

func (s *auditStub) Append(ctx context.Context, record models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *auditStub) Trail(ctx context.Context, orgID, caseID string) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditRecord
	for _, r := range s.records {
		if r.OrganizationID == orgID && r.CaseID == caseID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *auditStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedCases(store *memCaseStore, stage models.Stage, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("case-%02d", i+1)
		store.add(models.Case{ID: ids[i], Stage: stage, ICSRClassification: "Probable ICSR", AOIClassification: "No"})
	}
	return ids
}

func actor(userID, role string) models.Actor {
	return models.Actor{UserID: userID, OrganizationID: "org-1", Role: role}
}
