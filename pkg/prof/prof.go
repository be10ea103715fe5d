// Package prof exposes runtime profiles of the daemon.
//
// CPU profiles are written to a file between StartCPU and StopCPU. The
// other profiles are snapshots, written with Write or served over HTTP
// by Handle:
//
//	mux := http.NewServeMux()
//	prof.Handle(mux)
package prof

import (
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or the CPU profile
	// where a snapshot was asked for.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
)

// StartCPU starts CPU profiling into a new file at path.
func StartCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuFile != nil {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile = f
	return nil
}

// StopCPU flushes and closes the CPU profile. It does nothing when no
// profile is active.
func StopCPU() error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuFile == nil {
		return nil
	}
	rpprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// CPUActive reports whether a CPU profile is being written.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuFile != nil
}

// Write writes a snapshot of profile to a new file at path.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot of profile to w in protobuf form.
func WriteTo(profile Profile, w io.Writer) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, 0)
}

// SetContentionRates enables the block and mutex profiles. A rate of zero
// disables them.
func SetContentionRates(blockRate, mutexFraction int) {
	runtime.SetBlockProfileRate(blockRate)
	runtime.SetMutexProfileFraction(mutexFraction)
}

// Handle mounts the pprof handlers on mux under /debug/pprof/.
func Handle(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
