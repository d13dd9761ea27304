// Package pprof wires Go's profilers into the bridge: HTTP endpoints on the
// admin router and file profiles written by the daemon.
package pprof

import (
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Register mounts the pprof endpoints under /debug/pprof. wrap, when not
// nil, guards every endpoint.
func Register(router *httprouter.Router, wrap func(httprouter.Handle) httprouter.Handle) {
	if wrap == nil {
		wrap = func(h httprouter.Handle) httprouter.Handle { return h }
	}
	handle := func(path string, h http.Handler) {
		router.GET(path, wrap(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			h.ServeHTTP(w, r)
		}))
	}

	handle("/debug/pprof/", http.HandlerFunc(netpprof.Index))
	handle("/debug/pprof/cmdline", http.HandlerFunc(netpprof.Cmdline))
	handle("/debug/pprof/profile", http.HandlerFunc(netpprof.Profile))
	handle("/debug/pprof/symbol", http.HandlerFunc(netpprof.Symbol))
	handle("/debug/pprof/trace", http.HandlerFunc(netpprof.Trace))
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		handle("/debug/pprof/"+name, netpprof.Handler(name))
	}
}

// Config names the profile files; empty paths are skipped
type Config struct {
	CPUProfile  string
	HeapProfile string
}

// Profiler writes file profiles for one process run
type Profiler struct {
	config  Config
	cpuFile *os.File

	mu      sync.Mutex
	stopped bool
}

// NewProfiler creates a profiler
func NewProfiler(config Config) *Profiler {
	return &Profiler{config: config}
}

// Start begins CPU profiling if configured
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.CPUProfile == "" {
		return nil
	}
	f, err := create(p.config.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	p.cpuFile = f
	return nil
}

// Stop ends CPU profiling and writes the heap profile
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		p.cpuFile = nil
	}

	if p.config.HeapProfile != "" {
		if err := writeHeap(p.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred: %v", errs)
	}
	return nil
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
