package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/burnout"
	"github.com/msageha/taskkeeper/internal/keeper"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/reconcile"
)

var createdRe = regexp.MustCompile(`created ([A-Za-z0-9_-]+) in`)

// run executes one CLI invocation against the project dir.
func run(t *testing.T, project string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--dir", project}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, project string, args ...string) string {
	t.Helper()
	out, err := run(t, project, args...)
	require.NoError(t, err, "taskkeeper %v", args)
	return out
}

func initProject(t *testing.T) string {
	t.Helper()
	project := t.TempDir()
	out := mustRun(t, project, "init", "--name", "demo")
	assert.Contains(t, out, "initialized")
	return project
}

func createTask(t *testing.T, project string, args ...string) string {
	t.Helper()
	out := mustRun(t, project, append([]string{"task", "create"}, args...)...)
	m := createdRe.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

func exitCode(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return -1
}

func TestInit_RefusesExisting(t *testing.T) {
	project := initProject(t)
	_, err := run(t, project, "init")
	assert.Error(t, err)
}

func TestCLI_Lifecycle(t *testing.T) {
	project := initProject(t)
	id := createTask(t, project, "--title", "write parser", "--priority", "P0", "--checks", "go test ./...")

	out := mustRun(t, project, "task", "claim-next", "--worker", "w1")
	assert.Contains(t, out, "claimed "+id)

	out = mustRun(t, project, "task", "submit", id, "--worker", "w1", "--commits", "2", "--turns", "14")
	assert.Equal(t, id+" -> provisional\n", out)

	out = mustRun(t, project, "task", "accept", id, "--validator", "ci")
	assert.Equal(t, id+" -> done\n", out)

	out = mustRun(t, project, "task", "show", id, "--json")
	var detail taskDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, model.QueueDone, detail.Task.Queue)
	assert.Equal(t, 2, detail.Task.CommitsCount)
	assert.True(t, detail.BlockersDone)
	var events []string
	for _, ev := range detail.History {
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{model.EventCreated, model.EventClaimed, model.EventSubmitted, model.EventAccepted}, events)

	out = mustRun(t, project, "task", "list", "--queue", "done", "--json")
	var tasks []*model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
}

func TestCLI_ClaimNextEmptyExitsTwo(t *testing.T) {
	project := initProject(t)
	_, err := run(t, project, "task", "claim-next", "--worker", "w1")
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_WorkerFromEnv(t *testing.T) {
	project := initProject(t)
	id := createTask(t, project, "--title", "env worker")
	t.Setenv("TASKKEEPER_WORKER", "agent-7")

	mustRun(t, project, "task", "claim", id)
	out := mustRun(t, project, "task", "list", "--worker", "agent-7")
	assert.Contains(t, out, id)

	_, err := run(t, project, "task", "submit", id, "--worker", "someone-else")
	assert.Error(t, err)
}

func TestCLI_WorkerRequired(t *testing.T) {
	project := initProject(t)
	id := createTask(t, project, "--title", "no worker")
	_, err := run(t, project, "task", "claim", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--worker is required")
}

func TestCLI_FailRetriesThroughIncoming(t *testing.T) {
	project := initProject(t)
	id := createTask(t, project, "--title", "flaky")
	mustRun(t, project, "task", "claim", id, "--worker", "w1")

	out := mustRun(t, project, "task", "fail", id, "--worker", "w1", "--reason", "tests red")
	assert.Equal(t, id+" -> incoming\n", out)
}

func TestCLI_Breakdown(t *testing.T) {
	project := initProject(t)
	id := createTask(t, project, "--title", "big feature", "--role", "breakdown")

	out := mustRun(t, project, "task", "breakdown", id, "--subtask", "schema", "--subtask", "api")
	assert.Len(t, regexp.MustCompile(`(?m)^created `).FindAllString(out, -1), 2)

	out = mustRun(t, project, "task", "show", id, "--json")
	var detail taskDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, model.QueueDone, detail.Task.Queue)
}

func TestCLI_ProvisionalAndRecycle(t *testing.T) {
	project := initProject(t)
	spin := createTask(t, project, "--title", "spinning")
	mustRun(t, project, "task", "claim", spin, "--worker", "w1")
	mustRun(t, project, "task", "submit", spin, "--worker", "w1", "--turns", "200")

	out := mustRun(t, project, "provisional", "--json")
	var outcomes []burnout.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, burnout.DecisionRecycle, outcomes[0].Decision)
	assert.False(t, outcomes[0].Applied)

	out = mustRun(t, project, "task", "recycle", spin)
	assert.Contains(t, out, spin+" -> recycled; breakdown task ")

	out = mustRun(t, project, "task", "list", "--queue", "breakdown", "--json")
	var tasks []*model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].RecycledFrom)
	assert.Equal(t, spin, *tasks[0].RecycledFrom)
}

func TestCLI_DiagnoseQuarantinesOrphan(t *testing.T) {
	project := initProject(t)
	root := filepath.Join(project, keeper.DirName)
	orphan := filepath.Join(root, "queue", string(model.QueueIncoming), model.TaskFileName("ZZZZ"))
	require.NoError(t, os.WriteFile(orphan, []byte("junk"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	out, err := run(t, project, "diagnose", "--json")
	assert.Equal(t, 1, exitCode(err))
	var rep reconcile.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Issues, 1)
	assert.Equal(t, model.IssueOrphanFile, rep.Issues[0].Kind)
	assert.False(t, rep.Applied)
	_, statErr := os.Stat(orphan)
	assert.NoError(t, statErr, "dry run must not move the file")

	out = mustRun(t, project, "diagnose", "--fix")
	assert.Contains(t, out, "FIXED (1)")
	_, statErr = os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))

	out = mustRun(t, project, "diagnose")
	assert.Contains(t, out, "no issues")

	out = mustRun(t, project, "diagnose", "--recent", "--json")
	var groups map[string][]actionlog.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &groups))
	require.Len(t, groups[actionlog.TypeQuarantine], 1)
	assert.Equal(t, "ZZZZ", groups[actionlog.TypeQuarantine][0].TaskID)
}

func TestCLI_Status(t *testing.T) {
	project := initProject(t)
	createTask(t, project, "--title", "queued")

	out := mustRun(t, project, "status", "--json")
	var snap struct {
		Daemon struct {
			Running bool `json:"running"`
		} `json:"daemon"`
		Queues []struct {
			Queue string `json:"queue"`
			Count int    `json:"count"`
		} `json:"queues"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.False(t, snap.Daemon.Running)
	for _, q := range snap.Queues {
		if q.Queue == string(model.QueueIncoming) {
			assert.Equal(t, 1, q.Count)
		}
	}

	out = mustRun(t, project, "status")
	assert.Contains(t, out, "QUEUES")
	assert.NotContains(t, out, "\x1b[")
}

func TestCLI_DaemonPingWhenStopped(t *testing.T) {
	project := initProject(t)
	_, err := run(t, project, "daemon", "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestCLI_NoKeeperDir(t *testing.T) {
	_, err := run(t, t.TempDir(), "task", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, keeper.ErrNotFound)
}
