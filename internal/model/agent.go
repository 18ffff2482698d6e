package model

import "time"

// AgentRuntimeState is a worker's self-reported liveness snapshot. The core
// only reads it.
type AgentRuntimeState struct {
	Name         string         `json:"-"`
	Running      bool           `json:"running"`
	CurrentTask  *string        `json:"current_task"`
	LastStarted  *time.Time     `json:"last_started"`
	LastFinished *time.Time     `json:"last_finished"`
	Extra        map[string]any `json:"extra,omitempty"`

	// Heartbeat comes from the optional heartbeat file next to state.json.
	Heartbeat *time.Time `json:"-"`
}

// LastActivity prefers the heartbeat, then last_finished, then last_started.
func (s *AgentRuntimeState) LastActivity() (time.Time, bool) {
	for _, ts := range []*time.Time{s.Heartbeat, s.LastFinished, s.LastStarted} {
		if ts != nil && !ts.IsZero() {
			return *ts, true
		}
	}
	return time.Time{}, false
}

func (s *AgentRuntimeState) BlockedReason() string {
	if s.Extra == nil {
		return ""
	}
	if r, ok := s.Extra["blocked_reason"].(string); ok {
		return r
	}
	return ""
}
