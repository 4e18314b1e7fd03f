package models

import (
	"strings"
	"time"
)

// QueueMode selects how the allocation engine orders eligible cases.
type QueueMode string

const (
	QueueModeDefault QueueMode = "default"
	QueueModeStatus  QueueMode = "status"
	QueueModeClient  QueueMode = "client"
)

// RevocationTarget selects where a revoked case is sent.
type RevocationTarget string

const (
	RevokeToDataEntry RevocationTarget = "data_entry"
	RevokeToPrior     RevocationTarget = "prior"
	RevokeToTriage    RevocationTarget = "triage"
)

// QueueConfig is the per-organization allocation policy.
type QueueConfig struct {
	OrganizationID       string           `db:"organization_id" json:"organizationId"`
	Mode                 QueueMode        `db:"mode" json:"mode"`
	StatusQueue          []string         `db:"-" json:"statusQueue"`
	ClientList           []string         `db:"-" json:"clientList"`
	AllowUserClientEntry bool             `db:"allow_user_client_entry" json:"allowUserClientEntry"`
	LockTTLSeconds       int              `db:"lock_ttl_seconds" json:"lockTTLSeconds"`
	RevocationTarget     RevocationTarget `db:"revocation_target" json:"revocationTarget"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updatedAt"`
}

// DefaultQueueConfig is returned when an organization has no stored policy.
func DefaultQueueConfig(orgID string, ttl time.Duration) *QueueConfig {
	return &QueueConfig{
		OrganizationID:   orgID,
		Mode:             QueueModeDefault,
		LockTTLSeconds:   int(ttl / time.Second),
		RevocationTarget: RevokeToDataEntry,
	}
}

// LockTTL returns the configured TTL or fallback when unset.
func (q *QueueConfig) LockTTL(fallback time.Duration) time.Duration {
	if q == nil || q.LockTTLSeconds <= 0 {
		return fallback
	}
	return time.Duration(q.LockTTLSeconds) * time.Second
}

// Normalize fills unknown enum values with their defaults.
func (q *QueueConfig) Normalize() {
	switch QueueMode(strings.ToLower(string(q.Mode))) {
	case QueueModeStatus:
		q.Mode = QueueModeStatus
	case QueueModeClient:
		q.Mode = QueueModeClient
	default:
		q.Mode = QueueModeDefault
	}
	switch RevocationTarget(strings.ToLower(string(q.RevocationTarget))) {
	case RevokeToPrior:
		q.RevocationTarget = RevokeToPrior
	case RevokeToTriage:
		q.RevocationTarget = RevokeToTriage
	default:
		q.RevocationTarget = RevokeToDataEntry
	}
}
