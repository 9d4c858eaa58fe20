package edk

import "time"

// IOTaskRunner is the single-threaded execution context RoutedChannel uses
// for Transport callback dispatch and deferred self-destruction. Callers
// from any goroutine may post work to it; posted work always runs
// serialized on one goroutine, which is what lets RoutedChannel treat its
// dispatch path as single-threaded: inbound frames are handled one at a
// time in arrival order. Shared route state is still guarded by the
// channel's mutex on both the dispatch path and the caller-facing
// AddRoute/RemoveRoute/WriteMessage.
//
// It is an injected dependency (spec.md §9) rather than a package-level
// singleton so tests can substitute a synchronous runner and assert
// ordering deterministically.
type IOTaskRunner interface {
	// Post schedules fn to run on the task runner's goroutine as soon as
	// possible, without blocking the caller.
	Post(fn func())

	// PostDelayed schedules fn to run after d has elapsed.
	PostDelayed(fn func(), d time.Duration)

	// Stop drains the task runner and releases its goroutine. Pending
	// delayed tasks are dropped; already-queued immediate tasks still run.
	Stop()
}

// loopTaskRunner is the default IOTaskRunner: one goroutine draining a
// channel of thunks, in the same shape as the teacher's host.go
// processInbox/processOutbox run loops.
type loopTaskRunner struct {
	tasks chan func()
	done  chan struct{}
}

func newLoopTaskRunner() *loopTaskRunner {
	r := &loopTaskRunner{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *loopTaskRunner) run() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (r *loopTaskRunner) Post(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.done:
	}
}

func (r *loopTaskRunner) PostDelayed(fn func(), d time.Duration) {
	t := time.AfterFunc(d, func() {
		r.Post(fn)
	})
	go func() {
		<-r.done
		t.Stop()
	}()
}

func (r *loopTaskRunner) Stop() {
	close(r.done)
}
