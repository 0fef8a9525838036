// Command lockcheck is a build-time static checker, not part of the
// booted kernel image — the same kind of host-side tool the kernel
// package's chentry.go is, just analyzing source instead of patching an
// ELF binary. It approximates the lock-ordering discipline
// (thread_lock/sched_lock -> channel.lk -> tcb.lk, never reversed) by
// building the module's call graph with go/pointer and flagging every
// direct call from a method listed in lockOrder to a listed method of an
// earlier (outer) tier. Calls made through intermediate functions are
// not followed, and calls that block or allocate are not checked.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// lockOrder names the methods that acquire each tier of the lock
// order, outermost first, matching the discipline documented in
// SPEC_FULL.md's concurrency section.
var lockOrder = [][]string{
	{"(*proc.Sched_t).Block", "(*proc.Sched_t).Unblock", "(*proc.Sched_t).Sched"},
	{"(*ipc.Channel_t).Send", "(*ipc.Channel_t).Recv"},
	{"(*pcpu.Spinlock_t).Acquire"},
}

func main() {
	dir := flag.String("dir", ".", "module root to analyze")
	flag.Parse()

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedDeps |
			packages.NeedImports,
		Dir: *dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "lockcheck: loading packages:", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	prog, _ := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics)
	prog.Build()

	mains := ssautil.MainPackages(prog.AllPackages())
	if len(mains) == 0 {
		fmt.Fprintln(os.Stderr, "lockcheck: no main package in module; nothing to root the call graph at")
		return
	}

	ptrCfg := &pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	}
	result, err := pointer.Analyze(ptrCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lockcheck: pointer analysis:", err)
		os.Exit(1)
	}

	violations := 0
	for tier, names := range lockOrder {
		for _, name := range names {
			fn := findFunc(prog, name)
			if fn == nil {
				continue
			}
			node := result.CallGraph.CreateNode(fn)
			callgraph.GraphVisitEdges(result.CallGraph, func(e *callgraph.Edge) error {
				if e.Caller != node {
					return nil
				}
				callee := e.Callee.Func.String()
				if calleeTier := tierOf(callee); calleeTier >= 0 && calleeTier < tier {
					fmt.Printf("lock-order violation: %s (tier %d) calls %s (tier %d)\n",
						name, tier, callee, calleeTier)
					violations++
				}
				return nil
			})
		}
	}

	if violations > 0 {
		os.Exit(1)
	}
}

func tierOf(fn string) int {
	for tier, names := range lockOrder {
		for _, n := range names {
			if n == fn {
				return tier
			}
		}
	}
	return -1
}

func findFunc(prog *ssa.Program, name string) *ssa.Function {
	for fn := range ssautil.AllFunctions(prog) {
		if fn != nil && fn.String() == name {
			return fn
		}
	}
	return nil
}
