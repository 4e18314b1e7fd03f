package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/litreview-api/internal/models"
)

const caseColumns = `id, organization_id, title, pmid, drug_name, adverse_event, client_name, authors, journal,
       publication_date, doi, icsr_classification, aoi_classification, text_type, ai_identified_drug,
       stage, user_tag, qa_approval_status, qa_comments, assigned_to, locked_at,
       revoked_by, revoked_at, revocation_reason, created_at, updated_at`

// CaseRepository persists cases. Every write goes through ConditionalUpdate.
type CaseRepository struct {
	db *sqlx.DB
}

// NewCaseRepository constructs the repository.
func NewCaseRepository(db *sqlx.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// Get fetches a case inside its organization partition.
func (r *CaseRepository) Get(ctx context.Context, id, orgID string) (*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = $1 AND organization_id = $2`
	var c models.Case
	if err := r.db.GetContext(ctx, &c, query, id, orgID); err != nil {
		return nil, err
	}
	return &c, nil
}

// Find returns cases matching the filter in creation order.
func (r *CaseRepository) Find(ctx context.Context, filter models.CaseFilter) ([]models.Case, error) {
	if filter.OrganizationID == "" {
		return nil, fmt.Errorf("find cases: organization id is required")
	}
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(`SELECT ` + caseColumns + ` FROM cases`)

	args = append(args, filter.OrganizationID)
	conditions := []string{fmt.Sprintf("organization_id = $%d", len(args))}
	if len(filter.Stages) > 0 {
		conditions = append(conditions, stageCondition(filter.Stages, &args))
	}
	if filter.AssignedTo != "" {
		args = append(args, filter.AssignedTo)
		conditions = append(conditions, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if filter.Available {
		args = append(args, filter.StaleBefore)
		conditions = append(conditions, fmt.Sprintf("(assigned_to IS NULL OR locked_at < $%d)", len(args)))
	}
	if filter.LockedBefore != nil {
		args = append(args, *filter.LockedBefore)
		conditions = append(conditions, fmt.Sprintf("assigned_to IS NOT NULL AND locked_at < $%d", len(args)))
	}
	if filter.Clients != nil {
		clients := make([]string, 0, len(filter.Clients))
		for _, client := range filter.Clients {
			clients = append(clients, models.NormalizeClient(client))
		}
		args = append(args, pq.Array(clients))
		conditions = append(conditions, fmt.Sprintf("lower(btrim(client_name)) = ANY($%d)", len(args)))
	}
	if filter.After != nil {
		args = append(args, filter.After.CreatedAt, filter.After.ID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))
	builder.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		builder.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	var cases []models.Case
	if err := r.db.SelectContext(ctx, &cases, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("find cases: %w", err)
	}
	return cases, nil
}

// LockedOrganizationIDs lists organizations that currently hold at least one case lock.
func (r *CaseRepository) LockedOrganizationIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT organization_id FROM cases WHERE assigned_to IS NOT NULL ORDER BY organization_id ASC`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list locked organizations: %w", err)
	}
	return ids, nil
}

// ConditionalUpdate applies patch only when the case still satisfies cond.
// It reports false when the condition no longer holds. A transient driver
// failure is retried once, immediately.
func (r *CaseRepository) ConditionalUpdate(ctx context.Context, id, orgID string, cond models.CaseCondition, patch models.CasePatch) (bool, error) {
	query, args, err := buildConditionalUpdate(id, orgID, cond, patch)
	if err != nil {
		return false, err
	}

	applied, err := r.execConditional(ctx, query, args)
	if err != nil && isTransient(err) && ctx.Err() == nil {
		applied, err = r.execConditional(ctx, query, args)
	}
	if err != nil {
		return false, fmt.Errorf("conditional update case %s: %w", id, err)
	}
	return applied, nil
}

func (r *CaseRepository) execConditional(ctx context.Context, query string, args []interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func buildConditionalUpdate(id, orgID string, cond models.CaseCondition, patch models.CasePatch) (string, []interface{}, error) {
	args := make([]interface{}, 0, 12)
	sets := make([]string, 0, 8)
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Stage != nil {
		set("stage", *patch.Stage)
	}
	if patch.ClearUserTag {
		sets = append(sets, "user_tag = NULL")
	} else if patch.UserTag != nil {
		set("user_tag", *patch.UserTag)
	}
	if patch.QAApprovalStatus != nil {
		set("qa_approval_status", *patch.QAApprovalStatus)
	}
	if patch.QAComments != nil {
		set("qa_comments", *patch.QAComments)
	}
	if patch.ClearLock {
		sets = append(sets, "assigned_to = NULL", "locked_at = NULL")
	} else if patch.Lock != nil {
		set("assigned_to", patch.Lock.AssignedTo)
		set("locked_at", patch.Lock.LockedAt)
	}
	if patch.RevokedBy != nil {
		set("revoked_by", *patch.RevokedBy)
	}
	if patch.RevokedAt != nil {
		set("revoked_at", *patch.RevokedAt)
	}
	if patch.RevocationReason != nil {
		set("revocation_reason", *patch.RevocationReason)
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("conditional update case %s: empty patch", id)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	set("updated_at", updatedAt)

	args = append(args, id)
	conditions := []string{fmt.Sprintf("id = $%d", len(args))}
	args = append(args, orgID)
	conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	if len(cond.Stages) > 0 {
		conditions = append(conditions, stageCondition(cond.Stages, &args))
	}
	switch cond.Lock {
	case models.LockAvailable:
		args = append(args, cond.StaleBefore)
		conditions = append(conditions, fmt.Sprintf("(assigned_to IS NULL OR locked_at < $%d)", len(args)))
	case models.LockHeldOrFree:
		args = append(args, cond.User)
		conditions = append(conditions, fmt.Sprintf("(assigned_to IS NULL OR assigned_to = $%d)", len(args)))
	case models.LockClaimable:
		args = append(args, cond.User, cond.StaleBefore)
		conditions = append(conditions, fmt.Sprintf("(assigned_to IS NULL OR assigned_to = $%d OR locked_at < $%d)", len(args)-1, len(args)))
	case models.LockHeldBy:
		args = append(args, cond.User)
		conditions = append(conditions, fmt.Sprintf("assigned_to = $%d", len(args)))
		if !cond.StaleBefore.IsZero() {
			args = append(args, cond.StaleBefore)
			conditions = append(conditions, fmt.Sprintf("locked_at < $%d", len(args)))
		}
	}

	query := fmt.Sprintf("UPDATE cases SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(conditions, " AND "))
	return query, args, nil
}

func stageCondition(stages []models.Stage, args *[]interface{}) string {
	placeholders := make([]string, len(stages))
	for i, stage := range stages {
		*args = append(*args, stage)
		placeholders[i] = fmt.Sprintf("$%d", len(*args))
	}
	return fmt.Sprintf("stage IN (%s)", strings.Join(placeholders, ","))
}

// isTransient reports failures worth one immediate retry: network timeouts,
// serialization/deadlock aborts, connection-class errors and server-side
// cancellations. driver.ErrBadConn is retried by database/sql itself.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40":
			return true
		}
		switch pqErr.Code {
		case "57014", "57P01", "55P03":
			return true
		}
	}
	return false
}
