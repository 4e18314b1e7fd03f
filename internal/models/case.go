package models

import (
	"strings"
	"time"
)

// Stage captures the position of a case in the review pipeline.
type Stage string

const (
	StagePendingTriage Stage = "PENDING_TRIAGE"
	StageUnderQC       Stage = "UNDER_QC"
	StageNoCaseTriage  Stage = "NO_CASE_TRIAGE"
	StageApproved      Stage = "APPROVED"
	StageDataEntry     Stage = "DATA_ENTRY"
	StageCompleted     Stage = "COMPLETED"
	StageMedicalReview Stage = "MEDICAL_REVIEW"
	StageReported      Stage = "REPORTED"
)

// Valid reports whether the stage is known.
func (s Stage) Valid() bool {
	switch s {
	case StagePendingTriage, StageUnderQC, StageNoCaseTriage, StageApproved,
		StageDataEntry, StageCompleted, StageMedicalReview, StageReported:
		return true
	}
	return false
}

// UserTag is the reviewer-facing classification stored on a case.
type UserTag string

const (
	TagICSR       UserTag = "ICSR"
	TagAOI        UserTag = "AOI"
	TagICSRAndAOI UserTag = "ICSR_AOI"
	TagNoCase     UserTag = "NO_CASE"
)

// ParseUserTag accepts the canonical tags plus the labels reviewers commonly type.
func ParseUserTag(raw string) (UserTag, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "/", "_", "-", "_").Replace(key)
	key = strings.TrimPrefix(key, "PROBABLE_")
	switch key {
	case "ICSR":
		return TagICSR, true
	case "AOI":
		return TagAOI, true
	case "ICSR_AOI", "ICSR_AND_AOI":
		return TagICSRAndAOI, true
	case "NO_CASE", "NOCASE":
		return TagNoCase, true
	}
	return "", false
}

// ReportsICSR reports whether the tag sends an approved case on to data entry.
func (t UserTag) ReportsICSR() bool {
	return t == TagICSR || t == TagICSRAndAOI
}

// QAStatus records the last QC decision.
type QAStatus string

const (
	QAStatusPending  QAStatus = "PENDING"
	QAStatusApproved QAStatus = "APPROVED"
	QAStatusRejected QAStatus = "REJECTED"
)

// Case is a literature study under safety review.
type Case struct {
	ID                 string  `db:"id" json:"id"`
	OrganizationID     string  `db:"organization_id" json:"organizationId"`
	Title              string  `db:"title" json:"title"`
	PMID               string  `db:"pmid" json:"pmid"`
	DrugName           string  `db:"drug_name" json:"drugName"`
	AdverseEvent       string  `db:"adverse_event" json:"adverseEvent"`
	ClientName         string  `db:"client_name" json:"clientName"`
	Authors            string  `db:"authors" json:"authors"`
	Journal            string  `db:"journal" json:"journal"`
	PublicationDate    *string `db:"publication_date" json:"publicationDate,omitempty"`
	DOI                *string `db:"doi" json:"doi,omitempty"`
	ICSRClassification string  `db:"icsr_classification" json:"icsrClassification"`
	AOIClassification  string  `db:"aoi_classification" json:"aoiClassification"`
	TextType           string  `db:"text_type" json:"textType"`
	AIIdentifiedDrug   string  `db:"ai_identified_drug" json:"aiIdentifiedDrug"`

	Stage            Stage      `db:"stage" json:"stage"`
	UserTag          *UserTag   `db:"user_tag" json:"userTag,omitempty"`
	QAApprovalStatus *QAStatus  `db:"qa_approval_status" json:"qaApprovalStatus,omitempty"`
	QAComments       *string    `db:"qa_comments" json:"qaComments,omitempty"`
	AssignedTo       *string    `db:"assigned_to" json:"assignedTo,omitempty"`
	LockedAt         *time.Time `db:"locked_at" json:"lockedAt,omitempty"`
	RevokedBy        *string    `db:"revoked_by" json:"revokedBy,omitempty"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	RevocationReason *string    `db:"revocation_reason" json:"revocationReason,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// Locked reports whether the case currently carries a lock, stale or not.
func (c *Case) Locked() bool {
	return c.AssignedTo != nil && c.LockedAt != nil
}

// LockStale reports whether the lock was taken before the cutoff.
func (c *Case) LockStale(cutoff time.Time) bool {
	return c.LockedAt != nil && c.LockedAt.Before(cutoff)
}

// HeldBy reports whether userID owns the lock.
func (c *Case) HeldBy(userID string) bool {
	return c.AssignedTo != nil && *c.AssignedTo == userID
}

// CaseFilter constrains store lookups. OrganizationID is mandatory.
type CaseFilter struct {
	OrganizationID string
	Stages         []Stage
	AssignedTo     string
	// Available selects cases that are unlocked or whose lock predates StaleBefore.
	Available   bool
	StaleBefore time.Time
	// LockedBefore selects locked cases whose lock predates the cutoff (sweeper).
	LockedBefore *time.Time
	// Clients restricts client_name, compared trimmed and case-insensitively.
	// A nil slice places no restriction.
	Clients []string
	// After resumes a creation-ordered scan past the given case.
	After *CaseCursor
	Limit int
}

// CaseCursor is a keyset position in creation order.
type CaseCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position just after c.
func CursorOf(c *Case) *CaseCursor {
	return &CaseCursor{CreatedAt: c.CreatedAt, ID: c.ID}
}

// Before reports whether c sorts at or before the cursor.
func (k *CaseCursor) Before(c *Case) bool {
	if k == nil {
		return false
	}
	if c.CreatedAt.Equal(k.CreatedAt) {
		return c.ID <= k.ID
	}
	return c.CreatedAt.Before(k.CreatedAt)
}

// NormalizeClient folds a client name for comparison.
func NormalizeClient(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LockExpectation describes the lock state a conditional write requires.
type LockExpectation int

const (
	// LockAny places no constraint on the lock fields.
	LockAny LockExpectation = iota
	// LockAvailable requires the case to be unlocked or its lock older than StaleBefore.
	LockAvailable
	// LockHeldOrFree requires the case to be unlocked or held by User.
	LockHeldOrFree
	// LockHeldBy requires User to hold the lock; StaleBefore, when set, also requires the lock to be stale.
	LockHeldBy
	// LockClaimable requires the case to be unlocked, held by User, or locked before StaleBefore.
	LockClaimable
)

// CaseCondition is the compare half of a compare-and-set on a case.
type CaseCondition struct {
	Stages      []Stage
	Lock        LockExpectation
	User        string
	StaleBefore time.Time
}

// Matches evaluates the condition against an in-memory case.
func (cond CaseCondition) Matches(c *Case) bool {
	if c == nil {
		return false
	}
	if len(cond.Stages) > 0 && !containsStage(cond.Stages, c.Stage) {
		return false
	}
	switch cond.Lock {
	case LockAvailable:
		return c.AssignedTo == nil || c.LockStale(cond.StaleBefore)
	case LockHeldOrFree:
		return c.AssignedTo == nil || *c.AssignedTo == cond.User
	case LockClaimable:
		return c.AssignedTo == nil || *c.AssignedTo == cond.User || c.LockStale(cond.StaleBefore)
	case LockHeldBy:
		if !c.HeldBy(cond.User) {
			return false
		}
		if !cond.StaleBefore.IsZero() {
			return c.LockStale(cond.StaleBefore)
		}
		return true
	}
	return true
}

// CasePatch is the set half of a compare-and-set. Nil fields are left untouched.
type CasePatch struct {
	Stage            *Stage
	UserTag          *UserTag
	ClearUserTag     bool
	QAApprovalStatus *QAStatus
	QAComments       *string
	// Lock sets assigned_to/locked_at together.
	Lock *CaseLock
	// ClearLock nulls assigned_to/locked_at together.
	ClearLock        bool
	RevokedBy        *string
	RevokedAt        *time.Time
	RevocationReason *string
	UpdatedAt        time.Time
}

// CaseLock pairs the two lock columns so they cannot be written separately.
type CaseLock struct {
	AssignedTo string
	LockedAt   time.Time
}

// ApplyTo mutates c in place with the patch.
func (p CasePatch) ApplyTo(c *Case) {
	if p.Stage != nil {
		c.Stage = *p.Stage
	}
	if p.ClearUserTag {
		c.UserTag = nil
	} else if p.UserTag != nil {
		tag := *p.UserTag
		c.UserTag = &tag
	}
	if p.QAApprovalStatus != nil {
		status := *p.QAApprovalStatus
		c.QAApprovalStatus = &status
	}
	if p.QAComments != nil {
		comments := *p.QAComments
		c.QAComments = &comments
	}
	if p.ClearLock {
		c.AssignedTo = nil
		c.LockedAt = nil
	} else if p.Lock != nil {
		user := p.Lock.AssignedTo
		at := p.Lock.LockedAt
		c.AssignedTo = &user
		c.LockedAt = &at
	}
	if p.RevokedBy != nil {
		by := *p.RevokedBy
		c.RevokedBy = &by
	}
	if p.RevokedAt != nil {
		at := *p.RevokedAt
		c.RevokedAt = &at
	}
	if p.RevocationReason != nil {
		reason := *p.RevocationReason
		c.RevocationReason = &reason
	}
	if !p.UpdatedAt.IsZero() {
		c.UpdatedAt = p.UpdatedAt
	}
}

// Batch groups the cases locked to one reviewer by one allocation call.
type Batch struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	AllocatedAt    time.Time `json:"allocatedAt"`
	Cases          []Case    `json:"cases"`
}

// CaseIDs lists the ids in the batch.
func (b *Batch) CaseIDs() []string {
	ids := make([]string, len(b.Cases))
	for i := range b.Cases {
		ids[i] = b.Cases[i].ID
	}
	return ids
}

func containsStage(stages []Stage, stage Stage) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
