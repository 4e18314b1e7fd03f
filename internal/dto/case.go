package dto

import "time"

// AllocateBatchRequest asks for up to Size cases from a queue.
type AllocateBatchRequest struct {
	Size int `json:"size" validate:"required,min=1"`
	// Clients narrows a client-mode queue when the organization allows ad-hoc clients.
	Clients []string `json:"clients" validate:"omitempty,max=50,dive,required,max=200"`
}

// ClassifyRequest carries the reviewer's tag. An empty tag accepts the suggestion.
type ClassifyRequest struct {
	Tag   string `json:"tag" validate:"omitempty,max=32"`
	Notes string `json:"notes" validate:"max=2000"`
}

// DecisionRequest carries the justification for approve, reject and revoke.
type DecisionRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// NotesRequest carries optional reviewer notes.
type NotesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// ReleaseBatchResponse reports how many locks were cleared.
type ReleaseBatchResponse struct {
	Released int `json:"released"`
}

// SuggestionResponse exposes the resolver output for a case.
type SuggestionResponse struct {
	CaseID   string `json:"caseId"`
	Label    string `json:"label"`
	Tag      string `json:"tag,omitempty"`
	Resolved bool   `json:"resolved"`
}

// BatchResponse is the wire form of an allocated batch.
type BatchResponse struct {
	AllocatedAt time.Time   `json:"allocatedAt"`
	Count       int         `json:"count"`
	Cases       interface{} `json:"cases"`
}
