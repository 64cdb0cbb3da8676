// Command dbpf is a thin demonstrator entrypoint: it constructs a
// handle, compiles one example clause, and serves the status/metrics
// HTTP surface until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/handle"
	"github.com/tracebeam/dbpf/internal/helperlib"
	"github.com/tracebeam/dbpf/internal/link"
	"github.com/tracebeam/dbpf/internal/metrics"
	"github.com/tracebeam/dbpf/internal/probe"
	"github.com/tracebeam/dbpf/internal/statussrv"
)

const defaultClause = `syscall::open:entry { trace(1); }`

var log = logrus.WithField("component", "main")

func main() {
	os.Exit(run())
}

func run() int {
	listen := flag.String("listen", ":8089", "address the status/metrics HTTP surface listens on")
	source := flag.String("source", "", "path to a D source file to compile (defaults to a built-in demo clause)")
	helperPath := flag.String("helperlib", "", "path to a compiled helper-library ELF object (uses an inlining stub if omitted)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	helpers, err := loadHelpers(*helperPath)
	if err != nil {
		log.WithError(err).Error("loading helper library")
		return 1
	}

	h := handle.New(handle.Config{
		Helpers:   helpers,
		LinkFlags: link.Flags{},
		Consts:    link.ScalarConstants{NumCPU: 1},
	})
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			log.WithError(err).Warn("closing handle")
		}
	}()

	if _, err := h.Probes.Insert("syscall", probe.Desc{
		Provider: "syscall", Module: "vmlinux", Function: "open", Name: "entry",
	}); err != nil {
		log.WithError(err).Error("seeding demo probe catalog")
		return 1
	}

	src := defaultClause
	if *source != "" {
		data, err := os.ReadFile(*source)
		if err != nil {
			log.WithError(err).Error("reading source file")
			return 1
		}
		src = string(data)
	}

	prog, err := h.CompileProgram(src, 0)
	if err != nil {
		log.WithError(err).Error("compiling program")
		return 1
	}
	log.WithField("clauses", len(prog.Clauses)).Info("compiled program")

	reg := metrics.NewRegistry()
	h.Errors.SetHandler(metrics.NewDiagCollector(reg, nil))
	srv := statussrv.NewServer(h, reg)

	httpServer := &http.Server{Addr: *listen, Handler: statussrv.NewRouter(srv)}
	serveErrCh := make(chan error, 1)
	go func() {
		log.WithField("addr", *listen).Info("serving status surface")
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status server")
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("status server shutdown")
	}
	return 0
}

// loadHelpers loads a real helper-library ELF when path is non-empty,
// otherwise returns an always-inlining stub sufficient for compiling
// the default demo clause without requiring an external artifact.
func loadHelpers(path string) (link.HelperLibrary, error) {
	if path == "" {
		return stubHelperLibrary{}, nil
	}
	lib, err := helperlib.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading helper library %q: %w", path, err)
	}
	return lib, nil
}

// stubHelperLibrary resolves every symbol as an always-inlined,
// empty-bodied helper — enough to link the built-in demo clause's
// trace() call without a real compiled helper object on disk.
type stubHelperLibrary struct{}

func (stubHelperLibrary) Lookup(symbol string) (*asm.Program, bool, bool) {
	return &asm.Program{}, true, true
}
