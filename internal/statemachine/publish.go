package statemachine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/msageha/taskkeeper/internal/logging"
)

// PublishRequest identifies the work an infra acceptance must publish.
type PublishRequest struct {
	TaskID string
	Branch string
	Worker string
}

// Publisher publishes an infra task's commits to the shared integration
// line and updates the cross-reference pointer on the main line. It must
// return an error if any part did not happen.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// PublishError is the terminal integration failure of an infra acceptance.
// The task stays provisional.
type PublishError struct {
	TaskID string
	Step   string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s failed at %s: %v", e.TaskID, e.Step, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// CommandPublisher runs operator-configured shell commands in order. Each
// command sees TASK_ID, TASK_BRANCH, and WORKER in its environment and is
// bounded by Timeout.
type CommandPublisher struct {
	Commands []string
	WorkDir  string
	Timeout  time.Duration
	Logger   *logging.Logger
}

func (p *CommandPublisher) Publish(ctx context.Context, req PublishRequest) error {
	if len(p.Commands) == 0 {
		return &PublishError{TaskID: req.TaskID, Step: "config", Err: errors.New("no publish commands configured")}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	for i, command := range p.Commands {
		stepName := fmt.Sprintf("command[%d]", i)
		if err := p.run(ctx, timeout, command, req); err != nil {
			return &PublishError{TaskID: req.TaskID, Step: stepName, Err: err}
		}
		p.Logger.Logf(logging.Info, "publish_step task=%s step=%s ok", req.TaskID, stepName)
	}
	return nil
}

func (p *CommandPublisher) run(ctx context.Context, timeout time.Duration, command string, req PublishRequest) error {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = p.WorkDir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"TASK_ID="+req.TaskID,
		"TASK_BRANCH="+req.Branch,
		"WORKER="+req.Worker,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %v", timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
