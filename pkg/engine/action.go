package engine

import "github.com/cuemby/rsbackup/pkg/scheduler"

// awaitable wraps a scheduler.Action to let a caller block until the
// action the scheduler dispatched it as reaches a terminal state,
// without polling List.State on a timer.
type awaitable struct {
	scheduler.Action
	done chan bool
}

func (a *awaitable) Done(succeeded bool) { a.done <- succeeded }

// awaitScheduled adds inner to list under a completion-signalling
// wrapper and returns a channel that receives exactly once, with the
// action's success, once it reaches Succeeded or Failed.
func awaitScheduled(list *scheduler.List, inner scheduler.Action) <-chan bool {
	done := make(chan bool, 1)
	list.Add(&awaitable{Action: inner, done: done})
	return done
}
