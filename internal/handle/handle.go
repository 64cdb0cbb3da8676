// Package handle implements the process-wide tracer context of spec
// §3: the Handle (`H`) type that owns every other subsystem's
// top-level state and ties the compilation pipeline together.
package handle

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tracebeam/dbpf/internal/agg"
	"github.com/tracebeam/dbpf/internal/consumer"
	"github.com/tracebeam/dbpf/internal/ctf"
	"github.com/tracebeam/dbpf/internal/lang/cook"
	"github.com/tracebeam/dbpf/internal/link"
	"github.com/tracebeam/dbpf/internal/module"
	"github.com/tracebeam/dbpf/internal/option"
	"github.com/tracebeam/dbpf/internal/proc"
	"github.com/tracebeam/dbpf/internal/probe"
	"github.com/tracebeam/dbpf/internal/provider"
)

var log = logrus.WithField("component", "handle")

// Handle is the process-wide tracer context of spec §3: it owns the
// module registry, probe catalog, helper-library symbol table,
// aggregate descriptor table, enabled-probe descriptor table, process
// registry, ring-buffer set, option values, compiler state stack, and
// error buffer. Single-threaded with respect to compilation (enforced
// by cpMu below) and multi-threaded with respect to the consumer and
// per-process control goroutines, which communicate with the main
// goroutine exclusively through the proxied requests internal/proc
// already implements.
type Handle struct {
	Options   *option.Set
	Modules   *module.Registry
	Probes    *probe.Catalog
	Providers *provider.Registry
	Helpers   link.HelperLibrary
	Aggs      *agg.Table
	EPIDs     *consumer.EPIDTable
	Processes *proc.Registry
	Errors    *ErrorBuffer

	linker *link.Linker
	dict   *ctf.Dict
	global *cook.Scope

	// cpMu serializes compilation (spec §3: "single-threaded with
	// respect to compilation"), guarding the PCB stack and consts below.
	cpMu     sync.Mutex
	pcbStack []*pcb
	consts   link.ScalarConstants

	mu     sync.Mutex
	loop   *consumer.Loop
	closed bool
}

// Config carries the construction-time parameters a Handle cannot
// derive on its own: the helper library to link against, the kernel
// type dictionary, the handle's well-known scalar constants, and a
// process-registry LRU bound.
type Config struct {
	Helpers      link.HelperLibrary
	Dict         *ctf.Dict
	Consts       link.ScalarConstants
	LinkFlags    link.Flags
	MaxProcesses int
}

// New constructs a Handle with every subsystem registry freshly
// initialized and the option set seeded to its compiled-in defaults.
func New(cfg Config) *Handle {
	dict := cfg.Dict
	if dict == nil {
		dict = ctf.NewDict("vmlinux", nil)
	}
	maxProc := cfg.MaxProcesses
	if maxProc <= 0 {
		maxProc = 256
	}
	return &Handle{
		Options:   option.NewSet(),
		Modules:   module.New(),
		Probes:    probe.New(),
		Providers: provider.NewRegistry(),
		Helpers:   cfg.Helpers,
		Aggs:      agg.NewTable(),
		EPIDs:     consumer.NewEPIDTable(),
		Processes: proc.NewRegistry(maxProc),
		Errors:    NewErrorBuffer(256),
		linker:    link.New(cfg.Helpers, cfg.LinkFlags),
		dict:      dict,
		global:    cook.NewGlobalScope(),
		consts:    cfg.Consts,
	}
}

// Dict returns the handle's base kernel type dictionary.
func (h *Handle) Dict() *ctf.Dict { return h.dict }

// AttachConsumer registers the running drain loop so Close can shut it
// down along with every other open resource.
func (h *Handle) AttachConsumer(loop *consumer.Loop) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loop = loop
}

// Close tears down every subsystem in dependency order: the consumer
// loop first (so no more records arrive), then every traced process,
// per spec §3's "no resource is leaked on error paths" teardown
// invariant.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	loop := h.loop
	h.mu.Unlock()

	var firstErr error
	if loop != nil {
		if err := loop.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("handle: closing consumer: %w", err)
		}
	}
	for _, pid := range h.Processes.Pids() {
		if err := h.Processes.Release(ctx, pid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("handle: releasing pid %d: %w", pid, err)
		}
	}
	if firstErr != nil {
		log.WithError(firstErr).Warn("handle close encountered an error")
	} else {
		log.Debug("handle closed")
	}
	return firstErr
}
