package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asyncOK schedules a.Go to report success on a separate goroutine after a
// short delay, simulating a real subprocess completing later.
func asyncOK(list *List, a *FuncAction) {
	go func() {
		time.Sleep(2 * time.Millisecond)
		list.Completed(a, true)
	}()
}

func asyncFail(list *List, a *FuncAction) {
	go func() {
		time.Sleep(2 * time.Millisecond)
		list.Completed(a, false)
	}()
}

func TestMutualExclusion(t *testing.T) {
	list := NewList()
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	track := func(list *List, a *FuncAction) {
		go func() {
			mu.Lock()
			running++
			if running > maxConcurrent {
				maxConcurrent = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			list.Completed(a, true)
		}()
	}
	for _, name := range []string{"a", "b", "c"} {
		list.Add(&FuncAction{ActionName: name, Res: []string{"disk"}, Fn: track})
	}
	done := make(chan struct{})
	go func() { list.Go(); waitTerminal(list, []string{"a", "b", "c"}); close(done) }()
	<-done
	assert.Equal(t, 1, maxConcurrent)
}

func waitTerminal(list *List, names []string) {
	for {
		allDone := true
		for _, n := range names {
			st, _ := list.State(n)
			if st != Succeeded && st != Failed {
				allDone = false
			}
		}
		if allDone {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDependencyOrderRequiresSuccess(t *testing.T) {
	list := NewList()
	var bStarted int32
	list.Add(&FuncAction{ActionName: "A", Fn: asyncFail})
	list.Add(&FuncAction{ActionName: "B", Preds: []Predecessor{{Name: "A", Flags: DepSucceeded}}, Fn: func(list *List, a *FuncAction) {
		atomic.StoreInt32(&bStarted, 1)
		list.Completed(a, true)
	}})
	list.Go()
	waitTerminal(list, []string{"A", "B"})
	assert.EqualValues(t, 0, atomic.LoadInt32(&bStarted))
	st, _ := list.State("B")
	assert.Equal(t, Failed, st)
}

func TestDependencyOrderRunsOnSuccess(t *testing.T) {
	list := NewList()
	list.Add(&FuncAction{ActionName: "A", Fn: asyncOK})
	list.Add(&FuncAction{ActionName: "B", Preds: []Predecessor{{Name: "A", Flags: DepSucceeded}}, Fn: asyncOK})
	list.Go()
	waitTerminal(list, []string{"A", "B"})
	st, _ := list.State("B")
	assert.Equal(t, Succeeded, st)
}

func TestPriorityOrdering(t *testing.T) {
	list := NewList()
	var mu sync.Mutex
	var order []string
	record := func(list *List, a *FuncAction) {
		mu.Lock()
		order = append(order, a.Name())
		mu.Unlock()
		list.Completed(a, true)
	}
	list.Add(&FuncAction{ActionName: "low", Prio: 1, Res: []string{"only"}, Fn: record})
	list.Add(&FuncAction{ActionName: "high", Prio: 10, Res: []string{"only"}, Fn: record})
	list.Add(&FuncAction{ActionName: "mid", Prio: 5, Res: []string{"only"}, Fn: record})
	list.Add(&FuncAction{ActionName: "top", Prio: 20, Res: []string{"only"}, Fn: record})
	list.Go()
	waitTerminal(list, []string{"low", "high", "mid", "top"})
	require.Equal(t, []string{"top", "high", "mid", "low"}, order)
}

func TestGlobDependencySucceedsWhenAllMatchesSucceed(t *testing.T) {
	list := NewList()
	list.Add(&FuncAction{ActionName: "middle/1", Fn: asyncOK})
	list.Add(&FuncAction{ActionName: "middle/2", Fn: asyncOK})
	var lastStarted int32
	list.Add(&FuncAction{
		ActionName: "last",
		Preds:      []Predecessor{{Name: "middle/*", Flags: DepSucceeded | DepGlob}},
		Fn: func(list *List, a *FuncAction) {
			atomic.StoreInt32(&lastStarted, 1)
			list.Completed(a, true)
		},
	})
	list.Go()
	waitTerminal(list, []string{"middle/1", "middle/2", "last"})
	assert.EqualValues(t, 1, atomic.LoadInt32(&lastStarted))
}

func TestGlobDependencyFailsWhenAnyMatchFails(t *testing.T) {
	list := NewList()
	list.Add(&FuncAction{ActionName: "middle/1", Fn: asyncOK})
	list.Add(&FuncAction{ActionName: "middle/2", Fn: asyncFail})
	var lastStarted int32
	list.Add(&FuncAction{
		ActionName: "last",
		Preds:      []Predecessor{{Name: "middle/*", Flags: DepSucceeded | DepGlob}},
		Fn: func(list *List, a *FuncAction) {
			atomic.StoreInt32(&lastStarted, 1)
			list.Completed(a, true)
		},
	})
	list.Go()
	waitTerminal(list, []string{"middle/1", "middle/2", "last"})
	assert.EqualValues(t, 0, atomic.LoadInt32(&lastStarted))
	st, _ := list.State("last")
	assert.Equal(t, Failed, st)
}

func TestDeadlineCancelsPending(t *testing.T) {
	list := NewList()
	list.SetDeadline(time.Now().Add(-time.Second))
	started := false
	list.Add(&FuncAction{ActionName: "never", Fn: func(list *List, a *FuncAction) {
		started = true
		list.Completed(a, true)
	}})
	list.Go()
	st, _ := list.State("never")
	assert.Equal(t, Failed, st)
	assert.False(t, started)
}
