// Package subprocess runs external commands (rsync, removal helpers,
// pre/post hooks) under the action scheduler (§4.2). A Command captures
// stdout/stderr, supports environment overrides, an optional kill timeout,
// and reports its outcome through pkg/scheduler's Action contract so a run
// can be fanned out across many hosts without blocking any one goroutine on
// another's subprocess.
package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/rsberror"
	"github.com/cuemby/rsbackup/pkg/scheduler"
)

// waitStatusSignal extracts the terminating signal number from a
// process state that did not exit normally. Returns 0 if the platform's
// Sys() value isn't the expected syscall.WaitStatus.
func waitStatusSignal(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}

// VanishedSourceExitCode is rsync's "Partial transfer due to vanished
// source files" exit status. Callers that tolerate source files
// disappearing mid-transfer (as normal backup runs do; see §4.2 and
// §7) should treat it as success rather than failure.
const VanishedSourceExitCode = 24

// Command describes a subprocess to run. Zero value is a valid, empty
// command; set Args before calling Run or scheduling it via AsAction.
type Command struct {
	// Name identifies this command for logging and as a scheduler
	// Action name; callers choose a unique name within any List it is
	// added to.
	Name string

	Args []string
	Dir  string
	Env  map[string]string

	// Timeout kills the child if it has not exited after this long. Zero
	// means no timeout.
	Timeout time.Duration

	// TolerateExitCodes are exit statuses that should not be treated as
	// failure (e.g. VanishedSourceExitCode for rsync invocations).
	TolerateExitCodes []int

	// Resources and Preds are forwarded to the scheduler when this
	// command runs as part of an action list.
	Resources    []string
	Preds        []scheduler.Predecessor
	Prio         int

	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	err      error
	exitCode int
	signaled bool
	done     bool
}

// Stdout returns everything the child wrote to stdout. Only meaningful
// after the command has finished.
func (c *Command) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String()
}

// Stderr returns everything the child wrote to stderr.
func (c *Command) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}

// ExitCode returns the child's exit status, or -1 if it was killed by a
// signal.
func (c *Command) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Err returns the error from running the command, nil on success or a
// tolerated exit code.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Command) tolerates(code int) bool {
	for _, tc := range c.TolerateExitCodes {
		if tc == code {
			return true
		}
	}
	return false
}

// Run executes the command synchronously, capturing output, and returns
// once it has exited or been killed by Timeout.
func (c *Command) Run(ctx context.Context) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("subprocess: no command set for %q", c.Name)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := log.WithChannel(log.ChannelVerbose)
	logger.Debug().Str("command", strings.Join(c.Args, " ")).Msg("running subprocess")

	runErr := cmd.Run()

	c.mu.Lock()
	c.stdout = stdout
	c.stderr = stderr
	c.done = true
	signal := 0
	if ps := cmd.ProcessState; ps != nil {
		c.exitCode = ps.ExitCode()
		c.signaled = !ps.Exited()
		if c.signaled {
			signal = waitStatusSignal(ps)
		}
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		c.err = fmt.Errorf("subprocess %q: %w", c.Name, ctx.Err())
	case runErr == nil:
		c.err = nil
	case c.tolerates(c.exitCode):
		c.err = nil
	default:
		c.err = &rsberror.SubprocessError{
			Name:     c.Name,
			ExitCode: c.exitCode,
			Signal:   signal,
		}
	}
	err := c.err
	c.mu.Unlock()
	return err
}

// goAsync starts the process on its own goroutine and reports completion
// via list.Completed, so many commands can be in flight under the same
// List concurrently. If list has a deadline (List.SetDeadline), Run's
// context is bound to it: a deadline that passes mid-run kills the
// child via exec.CommandContext rather than merely failing actions that
// never got to start.
func (c *Command) goAsync(list *scheduler.List, a scheduler.Action) {
	go func() {
		ctx := context.Background()
		if deadline, ok := list.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		err := c.Run(ctx)
		list.Completed(a, err == nil)
	}()
}

// schedulerAction adapts Command to pkg/scheduler.Action. A separate type
// is needed because Command's own fields (Name, Resources, Preds, Prio)
// have the same names as the Action interface's methods.
type schedulerAction struct{ c *Command }

func (a *schedulerAction) Name() string                          { return a.c.Name }
func (a *schedulerAction) Resources() []string                   { return a.c.Resources }
func (a *schedulerAction) Predecessors() []scheduler.Predecessor { return a.c.Preds }
func (a *schedulerAction) Priority() int                          { return a.c.Prio }
func (a *schedulerAction) Go(list *scheduler.List)                { a.c.goAsync(list, a) }

// AsAction returns the scheduler.Action view of c, suitable for
// scheduler.List.Add.
func (c *Command) AsAction() scheduler.Action {
	return &schedulerAction{c}
}
