package model

import (
	"errors"
	"fmt"
)

// Queue is a named resting state in the task lifecycle and the directory
// holding that state's mirror files.
type Queue string

const (
	QueueIncoming          Queue = "incoming"
	QueueClaimed           Queue = "claimed"
	QueueBreakdown         Queue = "breakdown"
	QueueProvisional       Queue = "provisional"
	QueueDone              Queue = "done"
	QueueFailed            Queue = "failed"
	QueueEscalated         Queue = "escalated"
	QueueRecycled          Queue = "recycled"
	QueueNeedsContinuation Queue = "needs_continuation"
)

// AllQueues lists every queue directory in pipeline order.
var AllQueues = []Queue{
	QueueIncoming,
	QueueClaimed,
	QueueBreakdown,
	QueueProvisional,
	QueueNeedsContinuation,
	QueueDone,
	QueueFailed,
	QueueEscalated,
	QueueRecycled,
}

var ErrInvalidTransition = errors.New("invalid queue transition")

var terminalQueues = map[Queue]bool{
	QueueDone:      true,
	QueueFailed:    true,
	QueueEscalated: true,
	QueueRecycled:  true,
}

// incoming → claimed → provisional → {done | failed | escalated | recycled},
// with breakdown and needs_continuation as side channels.
var validQueueTransitions = map[Queue]map[Queue]bool{
	QueueIncoming: {
		QueueClaimed:   true,
		QueueBreakdown: true,
		QueueEscalated: true,
		QueueFailed:    true,
	},
	QueueClaimed: {
		QueueProvisional:       true,
		QueueIncoming:          true, // release after crash, reject-retry, failure retry
		QueueNeedsContinuation: true,
		QueueFailed:            true,
		QueueEscalated:         true,
	},
	QueueProvisional: {
		QueueDone:      true,
		QueueIncoming:  true, // rejected by reviewer
		QueueRecycled:  true,
		QueueEscalated: true,
	},
	QueueNeedsContinuation: {
		QueueClaimed:   true,
		QueueIncoming:  true,
		QueueEscalated: true,
	},
	QueueBreakdown: {
		QueueDone:      true,
		QueueIncoming:  true,
		QueueEscalated: true,
	},
}

func (q Queue) Valid() bool {
	for _, known := range AllQueues {
		if q == known {
			return true
		}
	}
	return false
}

func ParseQueue(s string) (Queue, error) {
	q := Queue(s)
	if !q.Valid() {
		return "", fmt.Errorf("unknown queue %q", s)
	}
	return q, nil
}

func (q Queue) IsTerminal() bool {
	return terminalQueues[q]
}

// ValidateTransition reports whether from → to is a legal state machine move.
// The returned error wraps ErrInvalidTransition.
func ValidateTransition(from, to Queue) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: cannot leave terminal queue %q", ErrInvalidTransition, from)
	}
	allowed, ok := validQueueTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown queue %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}
