package model

import "time"

// HistoryEvent is one append-only audit record for a task.
type HistoryEvent struct {
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventCreated            = "created"
	EventClaimed            = "claimed"
	EventSubmitted          = "submitted"
	EventAccepted           = "accepted"
	EventRejected           = "rejected"
	EventFailed             = "failed"
	EventReleased           = "released"
	EventEscalated          = "escalated"
	EventRecycled           = "recycled"
	EventForceAccepted      = "force_accepted"
	EventNeedsContinuation  = "needs_continuation"
	EventResumed            = "resumed"
	EventMarkedForRebase    = "marked_for_rebase"
	EventUnblocked          = "unblocked"
	EventBreakdownCompleted = "breakdown_completed"
	EventFileDBSync         = "file_db_sync"
	EventOrphanRegistered   = "orphan_registered"
	EventBlockersCleared    = "blockers_cleared"
)

// ActorQueueManager is the actor recorded for reconciler-driven changes.
const ActorQueueManager = "queue-manager"
