// Package klog is the kernel's console logger: a thin wrapper over the
// standard log.Logger with a per-CPU prefix, the same bare-fmt-to-a-
// writer idiom the teacher itself uses for console output (see
// mem.Dmap_init's fmt.Printf calls), just centralized so call sites stop
// reaching for fmt directly.
package klog

import (
	"fmt"
	"log"
	"os"
	"sync"

	"circbuf"
)

/// Debug gates verbose tracing. Unlike the stats.Stats/stats.Timing
/// constants it is a variable, so it can be switched at run time.
var Debug = false

var base = log.New(os.Stdout, "", 0)

// ring retains the last traceRingSize bytes of trace output even when
// Debug is off, so a post-mortem dump (diag.Oneline et al.) can recover
// recent history leading up to a crash without having run with -debug.
const traceRingSize = 16 * 1024

var (
	ringMu sync.Mutex
	ring   = circbuf.New(traceRingSize)
)

/// Info logs an always-on, single-line kernel message.
func Info(format string, args ...interface{}) {
	base.Print(fmt.Sprintf(format, args...))
}

/// Cpu logs a message prefixed with the originating CPU index.
func Cpu(cpu int, format string, args ...interface{}) {
	base.Printf("cpu%d: %s", cpu, fmt.Sprintf(format, args...))
}

/// Trace records a line in the trace ring, and additionally prints it
/// when Debug is set, for the high-frequency paths (scheduler
/// decisions, PIT channel updates, VMX exits) that would otherwise
/// flood the console.
func Trace(format string, args ...interface{}) {
	line := "trace: " + fmt.Sprintf(format, args...)
	ringMu.Lock()
	ring.Write([]byte(line + "\n"))
	ringMu.Unlock()
	if Debug {
		base.Print(line)
	}
}

/// RecentTrace returns every trace line still held in the ring, oldest
/// first, for diagnostic dumps after something has gone wrong.
func RecentTrace() string {
	ringMu.Lock()
	defer ringMu.Unlock()
	return string(ring.Snapshot())
}
