package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Queue
		ok       bool
	}{
		{QueueIncoming, QueueClaimed, true},
		{QueueIncoming, QueueProvisional, false},
		{QueueClaimed, QueueProvisional, true},
		{QueueClaimed, QueueIncoming, true},
		{QueueClaimed, QueueNeedsContinuation, true},
		{QueueProvisional, QueueDone, true},
		{QueueProvisional, QueueRecycled, true},
		{QueueProvisional, QueueClaimed, false},
		{QueueNeedsContinuation, QueueClaimed, true},
		{QueueBreakdown, QueueDone, true},
		{QueueDone, QueueIncoming, false},
		{QueueRecycled, QueueBreakdown, false},
		{QueueEscalated, QueueIncoming, false},
		{Queue("bogus"), QueueClaimed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestTerminalQueuesHaveNoExits(t *testing.T) {
	for _, from := range AllQueues {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllQueues {
			assert.Error(t, ValidateTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseQueue(t *testing.T) {
	q, err := ParseQueue("needs_continuation")
	require.NoError(t, err)
	assert.Equal(t, QueueNeedsContinuation, q)

	_, err = ParseQueue("archive")
	assert.Error(t, err)
}

func TestTaskFileName_RoundTrip(t *testing.T) {
	id, ok := ParseTaskFileName(TaskFileName("A1B2"))
	require.True(t, ok)
	assert.Equal(t, "A1B2", id)

	for _, name := range []string{"README.md", "TASK-.md", "TASK-a b.md", "TASK-x.txt"} {
		_, ok := ParseTaskFileName(name)
		assert.False(t, ok, name)
	}
}

func TestNewTaskID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTaskID()
		assert.Len(t, id, 8)
		assert.True(t, ValidateTaskID(id))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestTask_TouchIsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{UpdatedAt: base}

	got := task.Touch(base.Add(-time.Minute))
	assert.Equal(t, base, got)

	got = task.Touch(base.Add(time.Minute))
	assert.Equal(t, base.Add(time.Minute), got)
}

func TestTask_CloneDoesNotAlias(t *testing.T) {
	task := &Task{ID: "a", ClaimedBy: Ptr("w1"), BlockedBy: []string{"b"}}
	c := task.Clone()
	*c.ClaimedBy = "w2"
	c.BlockedBy[0] = "z"
	assert.Equal(t, "w1", *task.ClaimedBy)
	assert.Equal(t, "b", task.BlockedBy[0])
}

func TestTask_Validate(t *testing.T) {
	v := NewValidator()
	task := Task{ID: "A1B2", Title: "t", Queue: QueueIncoming}
	task.ApplyDefaults()
	require.NoError(t, v.Struct(task))

	bad := task
	bad.Priority = "urgent"
	assert.Error(t, v.Struct(bad))

	for _, mutate := range []func(*Task){
		func(x *Task) { x.Title = "line one\nline two" },
		func(x *Task) { x.Branch = "feat/x\r" },
		func(x *Task) { x.CreatedBy = "bot\x00" },
	} {
		bad := task
		mutate(&bad)
		assert.Error(t, v.Struct(bad))
	}

	bad = task
	bad.Queue = "limbo"
	assert.Error(t, v.Struct(bad))

	bad = task
	bad.BlockedBy = []string{"not an id"}
	assert.Error(t, v.Struct(bad))
}

func TestAgentRuntimeState_LastActivity(t *testing.T) {
	started := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	finished := started.Add(time.Hour)
	beat := finished.Add(time.Hour)

	s := &AgentRuntimeState{}
	_, ok := s.LastActivity()
	assert.False(t, ok)

	s.LastStarted = &started
	got, _ := s.LastActivity()
	assert.Equal(t, started, got)

	s.LastFinished = &finished
	got, _ = s.LastActivity()
	assert.Equal(t, finished, got)

	s.Heartbeat = &beat
	got, _ = s.LastActivity()
	assert.Equal(t, beat, got)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, 5*time.Minute, cfg.Thresholds.MinFileAge())
	assert.Equal(t, 2*time.Hour, cfg.Thresholds.ZombieClaimAge())
	assert.Equal(t, time.Hour, cfg.Thresholds.AgentInactive())
	assert.Equal(t, DefaultTurnThreshold, cfg.Burnout.TurnThreshold)
	assert.Equal(t, 1, cfg.Burnout.MaxDepth)
	assert.Equal(t, "@every 5m", cfg.Reconcile.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
}
