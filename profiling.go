// profiling.go
//
// Optional profiling for long-running streaming sessions using Go's standard
// net/http/pprof handlers and runtime/trace. Profiles are captured on demand
// over HTTP while frames are being pumped; the execution trace covers the
// lifetime of the ResidencyManager, from construction to Close.

package tilestream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime/trace"
	"time"
)

// ProfilingConfig specifies profiling options for a ResidencyManager.
type ProfilingConfig struct {
	// EnableProfiling starts an HTTP server with pprof endpoints.
	EnableProfiling bool

	// ProfileAddr is the address the profiling server listens on.
	// Defaults to "localhost:6060" if empty.
	ProfileAddr string

	// Trace enables execution tracing until the manager is closed.
	Trace bool

	// TraceOutputPath is where the execution trace is written.
	// Defaults to "./trace.out" if empty and Trace is true.
	TraceOutputPath string
}

// WithProfiling enables profiling with the given configuration.
//
// Example:
//
//	m, err := NewResidencyManager(
//	    WithProfiling(&ProfilingConfig{
//	        EnableProfiling: true,
//	        ProfileAddr:     "localhost:6060",
//	    }),
//	)
func WithProfiling(config *ProfilingConfig) Option {
	return func(m *ResidencyManager) {
		if config == nil {
			return
		}
		cfg := *config
		if cfg.EnableProfiling && cfg.ProfileAddr == "" {
			cfg.ProfileAddr = "localhost:6060"
		}
		if cfg.Trace && cfg.TraceOutputPath == "" {
			cfg.TraceOutputPath = "./trace.out"
		}
		m.profiling = &cfg
	}
}

// startProfiling starts the pprof server and/or the execution trace.
func (m *ResidencyManager) startProfiling() error {
	if m.profiling == nil {
		return nil
	}

	if m.profiling.EnableProfiling {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// Listen synchronously so the endpoint is reachable once this returns.
		ln, err := net.Listen("tcp", m.profiling.ProfileAddr)
		if err != nil {
			return fmt.Errorf("profiling listen: %w", err)
		}
		m.profileServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv, log := m.profileServer, m.log
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("profiling server stopped", "error", err)
			}
		}()
		m.log.Info("profiling server started",
			"addr", ln.Addr().String(),
			"heap", fmt.Sprintf("curl http://%s/debug/pprof/heap > heap.prof", ln.Addr()))
	}

	if m.profiling.Trace {
		f, err := os.Create(m.profiling.TraceOutputPath)
		if err != nil {
			m.stopProfiling()
			return fmt.Errorf("create trace file: %w", err)
		}
		if err := trace.Start(f); err != nil {
			f.Close()
			m.stopProfiling()
			return fmt.Errorf("start trace: %w", err)
		}
		m.traceFile = f
	}
	return nil
}

// stopProfiling stops the profiling server and/or trace.
func (m *ResidencyManager) stopProfiling() {
	if m.profileServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.profileServer.Shutdown(ctx); err != nil {
			m.log.Warn("profiling server shutdown", "error", err)
		}
		m.profileServer = nil
	}

	if m.traceFile != nil {
		trace.Stop()
		m.traceFile.Close()
		m.traceFile = nil
	}
}
