package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/litreview-api/internal/models"
)

// QueueConfigRepository reads per-organization allocation policies. Writes
// belong to the administration surface and are not exposed here.
type QueueConfigRepository struct {
	db *sqlx.DB
}

// NewQueueConfigRepository constructs the repository.
func NewQueueConfigRepository(db *sqlx.DB) *QueueConfigRepository {
	return &QueueConfigRepository{db: db}
}

type queueConfigRow struct {
	OrganizationID       string         `db:"organization_id"`
	Mode                 string         `db:"mode"`
	StatusQueue          pq.StringArray `db:"status_queue"`
	ClientList           pq.StringArray `db:"client_list"`
	AllowUserClientEntry bool           `db:"allow_user_client_entry"`
	LockTTLSeconds       int            `db:"lock_ttl_seconds"`
	RevocationTarget     string         `db:"revocation_target"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (row queueConfigRow) toModel() *models.QueueConfig {
	cfg := &models.QueueConfig{
		OrganizationID:       row.OrganizationID,
		Mode:                 models.QueueMode(row.Mode),
		StatusQueue:          []string(row.StatusQueue),
		ClientList:           []string(row.ClientList),
		AllowUserClientEntry: row.AllowUserClientEntry,
		LockTTLSeconds:       row.LockTTLSeconds,
		RevocationTarget:     models.RevocationTarget(row.RevocationTarget),
		UpdatedAt:            row.UpdatedAt,
	}
	cfg.Normalize()
	return cfg
}

// Get returns the policy for orgID or sql.ErrNoRows.
func (r *QueueConfigRepository) Get(ctx context.Context, orgID string) (*models.QueueConfig, error) {
	const query = `SELECT organization_id, mode, status_queue, client_list, allow_user_client_entry,
       lock_ttl_seconds, revocation_target, updated_at
	FROM queue_configs WHERE organization_id = $1`
	var row queueConfigRow
	if err := r.db.GetContext(ctx, &row, query, orgID); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
