package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/litreview-api/internal/models"
)

// AuditRepository appends case transition records.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts the record. Re-sending the same record id is a no-op, so
// retried writes never duplicate an entry.
func (r *AuditRepository) Append(ctx context.Context, record *models.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	const query = `INSERT INTO case_audit_records
	(id, organization_id, case_id, user_id, action, from_stage, to_stage, timestamp, details)
	VALUES (:id, :organization_id, :case_id, :user_id, :action, :from_stage, :to_stage, :timestamp, :details)
	ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListByCase returns the trail for one case, oldest first.
func (r *AuditRepository) ListByCase(ctx context.Context, orgID, caseID string) ([]models.AuditRecord, error) {
	const query = `SELECT id, organization_id, case_id, user_id, action, from_stage, to_stage, timestamp, details
	FROM case_audit_records WHERE organization_id = $1 AND case_id = $2 ORDER BY timestamp ASC, id ASC`
	var records []models.AuditRecord
	if err := r.db.SelectContext(ctx, &records, query, orgID, caseID); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}
