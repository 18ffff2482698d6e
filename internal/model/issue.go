package model

// IssueKind classifies a divergence found by a reconciliation pass.
type IssueKind string

const (
	IssueFileMismatch  IssueKind = "file_mismatch"
	IssueOrphanFile    IssueKind = "orphan_file"
	IssueZombieClaim   IssueKind = "zombie_claim"
	IssueStaleError    IssueKind = "stale_error"
	IssueStaleBlocker  IssueKind = "stale_blocker"
	IssueDuplicateFile IssueKind = "duplicate_file"
)

// DiagnosticIssue is produced fresh on every pass and never persisted.
// Which fields are set depends on Kind.
type DiagnosticIssue struct {
	Kind   IssueKind `json:"kind"`
	TaskID string    `json:"task_id"`
	Path   string    `json:"path,omitempty"`

	StoreQueue Queue   `json:"store_queue,omitempty"`
	FileQueue  Queue   `json:"file_queue,omitempty"`
	FileAgeSec float64 `json:"file_age_sec,omitempty"`

	Worker      string   `json:"worker,omitempty"`
	ClaimAgeSec float64  `json:"claim_age_sec,omitempty"`
	InactiveSec *float64 `json:"inactive_sec,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// AutoFixable reports whether the reconciler may repair the issue without a human.
func (i DiagnosticIssue) AutoFixable() bool {
	switch i.Kind {
	case IssueFileMismatch, IssueOrphanFile, IssueStaleError, IssueStaleBlocker:
		return true
	default:
		return false
	}
}
