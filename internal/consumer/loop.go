package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/sirupsen/logrus"

	"github.com/tracebeam/dbpf/internal/diag"
)

var log = logrus.WithField("component", "consumer")

// Handler receives decoded records off the drain loop, named for the
// consumer's two probe-firing callbacks of spec §4.7: chew-probe runs
// for every record regardless of its action kind, chew-record runs
// only for ordinary (non-exit, non-error) records.
type Handler interface {
	ChewProbe(rec *Record) error
	ChewRecord(rec *Record) error
}

// Loop drains a single multiplexed perf-event reader spanning every
// online CPU's per-CPU buffer (the Go realization of spec §4.7's
// per-CPU ring buffers, all registered against one epoll set: the
// `cilium/ebpf/perf.Reader` already multiplexes per-CPU buffers behind
// one blocking Read call), decodes each record against the EPID
// table, and periodically reconciles drop counters from a kernel-side
// per-CPU info map.
type Loop struct {
	reader     *perf.Reader
	epids      *EPIDTable
	handler    Handler
	faults     diag.Handler
	switchrate time.Duration
	infoMap    *ebpf.Map

	dropMu   sync.Mutex
	lastSeen map[int]uint64
}

// perCPUBufferPages is the per-CPU page count backing the perf
// reader, rounded by the library itself to the next power of two.
const perCPUBufferPages = 8

// NewLoop opens a perf reader over array (one ring per online CPU,
// sized from bufsize's page count) and returns a Loop ready to Run.
// infoMap, if non-nil, is the kernel-side per-CPU drop-counter map
// consulted by Status.
func NewLoop(array *ebpf.Map, bufsize int, epids *EPIDTable, handler Handler, faults diag.Handler, infoMap *ebpf.Map, switchrate time.Duration) (*Loop, error) {
	perCPU := nextPowerOfTwo(bufsize)
	if perCPU <= 0 {
		perCPU = perCPUBufferPages * 4096
	}
	reader, err := perf.NewReader(array, perCPU)
	if err != nil {
		return nil, fmt.Errorf("consumer: opening perf reader: %w", err)
	}
	return &Loop{
		reader:     reader,
		epids:      epids,
		handler:    handler,
		faults:     faults,
		switchrate: switchrate,
		infoMap:    infoMap,
		lastSeen:   make(map[int]uint64),
	}, nil
}

func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 0
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Close releases the underlying perf reader, unblocking any Read in
// progress with perf.ErrClosed.
func (l *Loop) Close() error {
	log.Debug("closing consumer loop")
	return l.reader.Close()
}

// Run drives the event loop until ctx is canceled or the reader is
// closed: epoll-wait (via the reader's internal deadline) with the
// client's switchrate timeout, decode and dispatch each readable
// record, and call Status on every timeout tick.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.switchrate > 0 {
			if err := l.reader.SetDeadline(time.Now().Add(l.switchrate)); err != nil {
				return fmt.Errorf("consumer: setting reader deadline: %w", err)
			}
		}

		raw, err := l.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				if serr := l.Status(); serr != nil {
					return serr
				}
				continue
			}
			return fmt.Errorf("consumer: reading perf event: %w", err)
		}

		if raw.LostSamples > 0 {
			log.WithFields(logrus.Fields{"cpu": raw.CPU, "count": raw.LostSamples}).Warn("principal buffer drop")
			l.faults.HandleDrop(&diag.Drop{Kind: diag.DropPrincipalBuffer, CPU: raw.CPU, Count: raw.LostSamples})
			continue
		}
		if len(raw.RawSample) == 0 {
			continue
		}

		if err := l.dispatch(raw.CPU, raw.RawSample); err != nil {
			return err
		}
	}
}

// isTimeout reports whether err is the perf package's read-deadline
// timeout, checked by interface rather than sentinel since the
// package exposes it only as a net.Error-shaped value.
func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// dispatch decodes one raw record and routes it to the handler,
// special-casing the exit and error actions per spec §4.7.
func (l *Loop) dispatch(cpu int, raw []byte) error {
	rec, err := decodeRecord(l.epids, cpu, raw)
	if err != nil {
		// A malformed wire record is a drop at the decode boundary, never fatal.
		return nil
	}

	if err := l.handler.ChewProbe(rec); err != nil {
		return err
	}

	if idx := findAction(l.epids, rec, ActionExit); idx >= 0 {
		log.WithField("epid", rec.EPID).Info("clause reported exit")
		l.faults.HandleStatus(&diag.Status{Kind: diag.StatusEnding})
		return nil
	}
	if idx := findAction(l.epids, rec, ActionError); idx >= 0 {
		fault := decodeFault(rec, idx)
		log.WithFields(logrus.Fields{"epid": rec.EPID, "kind": fault.Kind}).Warn("runtime fault")
		action := l.faults.HandleFault(fault)
		if action == diag.ActionAbort {
			return fmt.Errorf("consumer: aborting after fault on epid %d", rec.EPID)
		}
		return nil
	}

	return l.handler.ChewRecord(rec)
}

// Status reconciles the kernel-side per-CPU drop-counter map against
// the loop's cached last-seen values and reports any positive delta,
// per spec §4.7's periodic drop accounting. It is also called
// directly by Run on every switchrate timeout.
func (l *Loop) Status() error {
	if l.infoMap == nil {
		return nil
	}
	var cpu uint32
	var count uint64
	iter := l.infoMap.Iterate()
	for iter.Next(&cpu, &count) {
		l.dropMu.Lock()
		prev := l.lastSeen[int(cpu)]
		if count > prev {
			l.lastSeen[int(cpu)] = count
			delta := count - prev
			l.dropMu.Unlock()
			log.WithFields(logrus.Fields{"cpu": cpu, "delta": delta}).Debug("aggregation drop reconciled")
			l.faults.HandleDrop(&diag.Drop{Kind: diag.DropAggregation, CPU: int(cpu), Count: delta})
			continue
		}
		l.dropMu.Unlock()
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("consumer: iterating per-cpu info map: %w", err)
	}
	return nil
}
