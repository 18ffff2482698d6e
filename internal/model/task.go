// Package model defines taskkeeper's task record, queues, history events,
// agent runtime state, diagnostics, and configuration.
package model

import (
	"slices"
	"time"
)

type Role string

const (
	RoleImplement Role = "implement"
	// RoleInfra tasks change shared infrastructure; acceptance publishes the
	// worker's commits before the store transition commits.
	RoleInfra     Role = "infra"
	RoleBreakdown Role = "breakdown"
	RoleReview    Role = "review"
)

const (
	DefaultRole      = RoleImplement
	DefaultPriority  = "P1"
	DefaultBranch    = "main"
	DefaultCreatedBy = "human"
)

// Task is the unit of work. Optional fields are pointers so an absent value
// is distinct from a zero value.
type Task struct {
	ID       string `json:"id" validate:"required,taskid"`
	Title    string `json:"title" validate:"required,singleline"`
	Queue    Queue  `json:"queue" validate:"required,queue"`
	Role     Role   `json:"role" validate:"required"`
	Priority string `json:"priority" validate:"required,oneof=P0 P1 P2 P3"`
	Branch   string `json:"branch" validate:"required,singleline"`

	CreatedBy string  `json:"created_by" validate:"singleline"`
	ClaimedBy *string `json:"claimed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	CommitsCount   int `json:"commits_count" validate:"gte=0"`
	TurnsUsed      int `json:"turns_used" validate:"gte=0"`
	AttemptCount   int `json:"attempt_count" validate:"gte=0"`
	RejectionCount int `json:"rejection_count" validate:"gte=0"`

	BlockedBy   []string `json:"blocked_by,omitempty" validate:"dive,taskid"`
	ProjectID   *string  `json:"project_id,omitempty"`
	NeedsRebase bool     `json:"needs_rebase"`
	Checks      []string `json:"checks,omitempty"`

	BreakdownDepth int     `json:"breakdown_depth" validate:"gte=0"`
	RecycledFrom   *string `json:"recycled_from,omitempty"`
	NeedsReview    bool    `json:"needs_review"`
}

// ApplyDefaults fills fields that a submitter may omit.
func (t *Task) ApplyDefaults() {
	if t.Role == "" {
		t.Role = DefaultRole
	}
	if t.Priority == "" {
		t.Priority = DefaultPriority
	}
	if t.Branch == "" {
		t.Branch = DefaultBranch
	}
	if t.CreatedBy == "" {
		t.CreatedBy = DefaultCreatedBy
	}
}

func (t *Task) IsClaimed() bool {
	return t.ClaimedBy != nil && *t.ClaimedBy != ""
}

func (t *Task) Claimant() string {
	if t.ClaimedBy == nil {
		return ""
	}
	return *t.ClaimedBy
}

func (t *Task) IsBlockedBy(id string) bool {
	return slices.Contains(t.BlockedBy, id)
}

// Touch advances UpdatedAt to now without letting it move backwards.
func (t *Task) Touch(now time.Time) time.Time {
	if now.Before(t.UpdatedAt) {
		now = t.UpdatedAt
	}
	t.UpdatedAt = now
	return now
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Task) Clone() *Task {
	c := *t
	c.ClaimedBy = clonePtr(t.ClaimedBy)
	c.ClaimedAt = clonePtr(t.ClaimedAt)
	c.SubmittedAt = clonePtr(t.SubmittedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.ProjectID = clonePtr(t.ProjectID)
	c.RecycledFrom = clonePtr(t.RecycledFrom)
	c.BlockedBy = slices.Clone(t.BlockedBy)
	c.Checks = slices.Clone(t.Checks)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
