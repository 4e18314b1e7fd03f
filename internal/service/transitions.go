package service

import (
	"strings"
	"time"

	"github.com/noah-isme/litreview-api/internal/classification"
	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
)

// Transition names double as permission actions.
type Transition string

const (
	TransitionClassify            Transition = "classify"
	TransitionApprove             Transition = "approve"
	TransitionReject              Transition = "reject"
	TransitionStartDataEntry      Transition = "start_data_entry"
	TransitionCompleteDataEntry   Transition = "complete_data_entry"
	TransitionSubmitMedicalReview Transition = "submit_medical_review"
	TransitionFinalizeReport      Transition = "finalize_report"
	TransitionRevoke              Transition = "revoke"
)

type transitionInput struct {
	actor  models.Actor
	tag    string
	reason string
	notes  string
	now    time.Time
	policy *models.QueueConfig
}

type transitionRule struct {
	name            Transition
	auditAction     string
	sources         []models.Stage
	defaultResource string
	// stageResource overrides defaultResource for specific source stages.
	stageResource  map[models.Stage]string
	reasonRequired bool
	needsPolicy    bool
	plan           func(c *models.Case, in transitionInput) (models.CasePatch, error)
}

func (r *transitionRule) resource(stage models.Stage) string {
	if res, ok := r.stageResource[stage]; ok {
		return res
	}
	return r.defaultResource
}

func (r *transitionRule) allows(stage models.Stage) bool {
	for _, s := range r.sources {
		if s == stage {
			return true
		}
	}
	return false
}

func (r *transitionRule) sourceList() string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

var qcResources = map[models.Stage]string{
	models.StageUnderQC:      ResourceQC,
	models.StageNoCaseTriage: ResourceNoCaseTriage,
}

var transitionTable = map[Transition]*transitionRule{
	TransitionClassify: {
		name:            TransitionClassify,
		auditAction:     models.AuditActionClassify,
		sources:         []models.Stage{models.StagePendingTriage},
		defaultResource: ResourceTriage,
		plan:            planClassify,
	},
	TransitionApprove: {
		name:            TransitionApprove,
		auditAction:     models.AuditActionApprove,
		sources:         []models.Stage{models.StageUnderQC, models.StageNoCaseTriage},
		defaultResource: ResourceQC,
		stageResource:   qcResources,
		reasonRequired:  true,
		plan:            planApprove,
	},
	TransitionReject: {
		name:            TransitionReject,
		auditAction:     models.AuditActionReject,
		sources:         []models.Stage{models.StageUnderQC, models.StageNoCaseTriage},
		defaultResource: ResourceQC,
		stageResource:   qcResources,
		reasonRequired:  true,
		plan:            planReject,
	},
	TransitionStartDataEntry: {
		name:            TransitionStartDataEntry,
		auditAction:     models.AuditActionStartDataEntry,
		sources:         []models.Stage{models.StageApproved},
		defaultResource: ResourceDataEntry,
		plan:            planStartDataEntry,
	},
	TransitionCompleteDataEntry: {
		name:            TransitionCompleteDataEntry,
		auditAction:     models.AuditActionCompleteDataEntry,
		sources:         []models.Stage{models.StageDataEntry},
		defaultResource: ResourceDataEntry,
		plan:            moveTo(models.StageCompleted),
	},
	TransitionSubmitMedicalReview: {
		name:            TransitionSubmitMedicalReview,
		auditAction:     models.AuditActionSubmitMedicalReview,
		sources:         []models.Stage{models.StageCompleted},
		defaultResource: ResourceMedical,
		plan:            moveTo(models.StageMedicalReview),
	},
	TransitionFinalizeReport: {
		name:            TransitionFinalizeReport,
		auditAction:     models.AuditActionFinalizeReport,
		sources:         []models.Stage{models.StageMedicalReview},
		defaultResource: ResourceMedical,
		plan:            moveTo(models.StageReported),
	},
	TransitionRevoke: {
		name:            TransitionRevoke,
		auditAction:     models.AuditActionRevoke,
		sources: []models.Stage{models.StageApproved, models.StageDataEntry, models.StageCompleted,
			models.StageMedicalReview, models.StageReported},
		defaultResource: ResourceMedical,
		reasonRequired:  true,
		needsPolicy:     true,
		plan:            planRevoke,
	},
}

// priorStage is the stage a revoked case steps back to under the "prior" policy.
var priorStage = map[models.Stage]models.Stage{
	models.StageApproved:      models.StageUnderQC,
	models.StageDataEntry:     models.StageApproved,
	models.StageCompleted:     models.StageDataEntry,
	models.StageMedicalReview: models.StageCompleted,
	models.StageReported:      models.StageMedicalReview,
}

func moveTo(stage models.Stage) func(*models.Case, transitionInput) (models.CasePatch, error) {
	return func(*models.Case, transitionInput) (models.CasePatch, error) {
		return models.CasePatch{Stage: stagePtr(stage)}, nil
	}
}

func planClassify(c *models.Case, in transitionInput) (models.CasePatch, error) {
	var tag models.UserTag
	if strings.TrimSpace(in.tag) != "" {
		parsed, ok := models.ParseUserTag(in.tag)
		if !ok {
			return models.CasePatch{}, appErrors.Clone(appErrors.ErrValidation, "unknown tag "+in.tag)
		}
		tag = parsed
	} else {
		suggested, ok := SuggestedTag(classification.Resolve(c.ICSRClassification, c.AOIClassification))
		if !ok {
			return models.CasePatch{}, appErrors.Clone(appErrors.ErrValidation, "case needs manual review; a tag is required")
		}
		tag = suggested
	}
	pending := models.QAStatusPending
	return models.CasePatch{
		Stage:            stagePtr(models.StageUnderQC),
		UserTag:          &tag,
		QAApprovalStatus: &pending,
	}, nil
}

func planApprove(_ *models.Case, in transitionInput) (models.CasePatch, error) {
	approved := models.QAStatusApproved
	reason := strings.TrimSpace(in.reason)
	return models.CasePatch{
		Stage:            stagePtr(models.StageApproved),
		QAApprovalStatus: &approved,
		QAComments:       &reason,
	}, nil
}

func planReject(c *models.Case, in transitionInput) (models.CasePatch, error) {
	rejected := models.QAStatusRejected
	reason := strings.TrimSpace(in.reason)
	patch := models.CasePatch{QAApprovalStatus: &rejected, QAComments: &reason}
	if c.Stage == models.StageUnderQC && c.UserTag != nil && *c.UserTag == models.TagNoCase {
		patch.Stage = stagePtr(models.StageNoCaseTriage)
		return patch, nil
	}
	patch.Stage = stagePtr(models.StagePendingTriage)
	patch.ClearUserTag = true
	return patch, nil
}

func planStartDataEntry(c *models.Case, _ transitionInput) (models.CasePatch, error) {
	if c.UserTag == nil || !c.UserTag.ReportsICSR() {
		return models.CasePatch{}, appErrors.Clone(appErrors.ErrInvalidTransition, "only ICSR cases enter data entry")
	}
	return models.CasePatch{Stage: stagePtr(models.StageDataEntry)}, nil
}

func planRevoke(c *models.Case, in transitionInput) (models.CasePatch, error) {
	reason := strings.TrimSpace(in.reason)
	by := in.actor.UserID
	at := in.now
	patch := models.CasePatch{RevokedBy: &by, RevokedAt: &at, RevocationReason: &reason}

	target := models.RevokeToDataEntry
	if in.policy != nil {
		target = in.policy.RevocationTarget
	}
	switch target {
	case models.RevokeToPrior:
		patch.Stage = stagePtr(priorStage[c.Stage])
	case models.RevokeToTriage:
		patch.Stage = stagePtr(models.StagePendingTriage)
		patch.ClearUserTag = true
	default:
		patch.Stage = stagePtr(models.StageDataEntry)
	}
	return patch, nil
}

// SuggestedTag maps a resolver result to the tag a reviewer would apply.
// ManualReview and unresolved results have no suggestion.
func SuggestedTag(result classification.Result) (models.UserTag, bool) {
	switch result {
	case classification.ProbableICSR:
		return models.TagICSR, true
	case classification.ProbableAOI:
		return models.TagAOI, true
	case classification.ProbableICSRAndAOI:
		return models.TagICSRAndAOI, true
	case classification.NoCase:
		return models.TagNoCase, true
	}
	return "", false
}

func stagePtr(stage models.Stage) *models.Stage {
	return &stage
}
