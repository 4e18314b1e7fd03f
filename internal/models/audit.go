package models

import "time"

// AuditAction constants name the case transitions written to the audit trail.
const (
	AuditActionClassify            = "CASE_CLASSIFY"
	AuditActionApprove             = "CASE_APPROVE"
	AuditActionReject              = "CASE_REJECT"
	AuditActionStartDataEntry      = "CASE_START_DATA_ENTRY"
	AuditActionCompleteDataEntry   = "CASE_COMPLETE_DATA_ENTRY"
	AuditActionSubmitMedicalReview = "CASE_SUBMIT_MEDICAL_REVIEW"
	AuditActionFinalizeReport      = "CASE_FINALIZE_REPORT"
	AuditActionRevoke              = "CASE_REVOKE"
)

// AuditRecord is one immutable entry per case transition.
type AuditRecord struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	CaseID         string    `db:"case_id" json:"caseId"`
	UserID         string    `db:"user_id" json:"userId"`
	Action         string    `db:"action" json:"action"`
	FromStage      Stage     `db:"from_stage" json:"fromStage"`
	ToStage        Stage     `db:"to_stage" json:"toStage"`
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	Details        string    `db:"details" json:"details"`
}
