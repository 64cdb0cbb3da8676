// Package proc implements the process-control subsystem of spec §4.8:
// one control goroutine per traced process, exclusively driving ptrace,
// with all other access proxied through a per-process request channel
// rather than a pipe+condvar pair (spec §5 permits any stack-unwinding
// and synchronization primitive that preserves the proxy and
// exec-retry invariants; goroutines+channels are this repository's
// realization).
package proc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "proc")

// StopFlags records the stop-at-* and monitoring flags spec §3's
// traced-process record carries.
type StopFlags struct {
	AtCreate  bool
	AtGrab    bool
	AtPreinit bool
	AtPostinit bool
	AtMain    bool
	Monitor   bool
	Notifiable bool
}

// proxyRequest is one queued libproc operation: the function to run on
// the control goroutine, and the channel its result is delivered on.
type proxyRequest struct {
	op     func() (any, error)
	result chan proxyResult
}

type proxyResult struct {
	value      any
	err        error
	execRetry  bool
}

// Process is one traced-process record (spec §3's "Traced-process
// record"), minus the parts that are pure libproc/OS plumbing this
// repository's host environment does not reach (full rtld-protocol
// parsing is not implemented in this repository).
type Process struct {
	PID   int
	Flags StopFlags

	mu      sync.Mutex
	reqCh   chan proxyRequest
	quitCh  chan struct{}
	done    chan struct{}
	ending  bool

	dlActivity DlActivityCounters

	controlGoroutine bool // set while executing on the control goroutine itself
}

// DlActivityCounters tallies rtld add/delete/consistent-state
// transitions (spec §4.8).
type DlActivityCounters struct {
	Adds        int
	Deletes     int
	Consistents int
}

// Observer receives dl-activity notifications.
type Observer interface {
	OnDlActivity(pid int, counters DlActivityCounters)
}

// Grab attaches to an already-running pid via PTRACE_ATTACH and spawns
// its control goroutine. The caller is responsible for arranging that
// exactly one Process exists per pid (spec §4.8's per-pid hash is the
// registry's job, not this type's).
func Grab(pid int, flags StopFlags) (*Process, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("proc: ptrace attach %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("proc: waiting for attach stop on %d: %w", pid, err)
	}

	p := &Process{
		PID:    pid,
		Flags:  flags,
		reqCh:  make(chan proxyRequest),
		quitCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.controlLoop()
	log.WithField("pid", pid).Debug("attached to process")
	return p, nil
}

// controlLoop is the dedicated control goroutine: it owns exclusive
// rights to issue ptrace operations for this pid, serving proxy
// requests one at a time until told to quit.
func (p *Process) controlLoop() {
	defer close(p.done)
	for {
		select {
		case req := <-p.reqCh:
			val, err := req.op()
			retry := isExecRetry(err)
			req.result <- proxyResult{value: val, err: err, execRetry: retry}
		case <-p.quitCh:
			return
		}
	}
}

// execRetryError marks an operation that observed the tracee perform
// an exec, invalidating cached libproc state.
type execRetryError struct{ cause error }

func (e *execRetryError) Error() string { return fmt.Sprintf("exec invalidated libproc state: %v", e.cause) }
func (e *execRetryError) Unwrap() error { return e.cause }

func isExecRetry(err error) bool {
	_, ok := err.(*execRetryError)
	return ok
}

// Proxy runs op on the control goroutine and blocks for its result. If
// the caller is itself already running on the control goroutine
// (re-entered through a libproc callback), the proxy degenerates to a
// direct call, per spec §4.8.
func (p *Process) Proxy(ctx context.Context, op func() (any, error)) (any, error) {
	if p.controlGoroutine {
		return op()
	}

	result := make(chan proxyResult, 1)
	select {
	case p.reqCh <- proxyRequest{op: op, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("proc: process %d control goroutine has exited", p.PID)
	}

	select {
	case res := <-result:
		if res.execRetry {
			if retryErr := p.handleExecRetry(ctx, op); retryErr != nil {
				return nil, retryErr
			}
			return p.Proxy(ctx, op)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleExecRetry runs after an exec invalidated libproc-dependent
// state, before the caller retries. It resets the dl-activity counters
// and returns nil; it does not recreate a libproc handle or
// re-establish rtld notification.
func (p *Process) handleExecRetry(ctx context.Context, op func() (any, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlActivity = DlActivityCounters{}
	return nil
}

// Release sends a quit request, waits for the control goroutine to
// drain and exit, and detaches.
func (p *Process) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.ending {
		p.mu.Unlock()
		return nil
	}
	p.ending = true
	p.mu.Unlock()

	close(p.quitCh)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := unix.PtraceDetach(p.PID); err != nil {
		log.WithField("pid", p.PID).WithError(err).Warn("detach failed")
		return fmt.Errorf("proc: detaching pid %d: %w", p.PID, err)
	}
	log.WithField("pid", p.PID).Debug("released process")
	return nil
}

// NotifyDlActivity records one rtld add/delete/consistent-state
// transition and forwards it to obs if non-nil.
func (p *Process) NotifyDlActivity(kind DlActivityKind, obs Observer) {
	p.mu.Lock()
	switch kind {
	case DlAdd:
		p.dlActivity.Adds++
	case DlDelete:
		p.dlActivity.Deletes++
	case DlConsistent:
		p.dlActivity.Consistents++
	}
	counters := p.dlActivity
	p.mu.Unlock()

	if obs != nil {
		obs.OnDlActivity(p.PID, counters)
	}
}

// DlActivityKind enumerates the three rtld transition types spec §4.8
// names.
type DlActivityKind int

const (
	DlAdd DlActivityKind = iota
	DlDelete
	DlConsistent
)

// WatchConsistentState polls for a consistent-state latch, returning an
// error if it is not observed within watchdog — the multi-second
// rtld-iteration watchdog spec §4.8 calls for.
func WatchConsistentState(ctx context.Context, watchdog time.Duration, poll func() bool) error {
	deadline := time.Now().Add(watchdog)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if poll() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("proc: rtld consistent-state watchdog (%s) expired", watchdog)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
