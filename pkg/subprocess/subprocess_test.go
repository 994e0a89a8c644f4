package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/scheduler"
)

func TestRunCapturesOutput(t *testing.T) {
	c := &Command{Name: "echo", Args: []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2"}}
	err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", c.Stdout())
	assert.Equal(t, "oops\n", c.Stderr())
	assert.Equal(t, 0, c.ExitCode())
}

func TestRunNonZeroExitIsError(t *testing.T) {
	c := &Command{Name: "fail", Args: []string{"/bin/sh", "-c", "exit 3"}}
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, c.ExitCode())
}

func TestRunToleratesVanishedSourceExitCode(t *testing.T) {
	c := &Command{
		Name:              "rsync-like",
		Args:              []string{"/bin/sh", "-c", "exit 24"},
		TolerateExitCodes: []int{VanishedSourceExitCode},
	}
	err := c.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 24, c.ExitCode())
}

func TestRunTimeoutKillsChild(t *testing.T) {
	c := &Command{
		Name:    "sleepy",
		Args:    []string{"/bin/sh", "-c", "sleep 5"},
		Timeout: 20 * time.Millisecond,
	}
	err := c.Run(context.Background())
	require.Error(t, err)
}

func TestAsActionRunsUnderScheduler(t *testing.T) {
	c := &Command{Name: "via-scheduler", Args: []string{"/bin/sh", "-c", "exit 0"}}
	list := scheduler.NewList()
	list.Add(c.AsAction())
	list.Go()
	deadline := time.Now().Add(time.Second)
	for {
		st, _ := list.State("via-scheduler")
		if st == scheduler.Succeeded || st == scheduler.Failed {
			assert.Equal(t, scheduler.Succeeded, st)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("action did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}
}
