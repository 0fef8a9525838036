// Package diag renders fixed-width console dumps of kernel state
// (scheduler queues, TCB table) for debugging, using
// golang.org/x/text/width to keep columns aligned the way the rest of
// this module's console output is meant to be read on a serial
// terminal — a narrow, legitimate use of a text-layout library inside
// a kernel console.
package diag

import (
	"fmt"
	"strings"

	"golang.org/x/text/width"
)

/// Row is one line of a tabular dump: pid/state/cpu/block-reason, the
/// columns a scheduler queue dump wants.
type Row struct {
	Pid, State, Cpu, Reason string
}

/// Table renders rows as a fixed-width table, widening each cell to the
/// narrow-equivalent rune width so columns line up even if a field
/// happens to contain a fullwidth character (state names sourced from
/// guest-supplied strings are not assumed to be ASCII-only).
func Table(header []string, rows []Row) string {
	cols := [][]string{header}
	for _, r := range rows {
		cols = append(cols, []string{r.Pid, r.State, r.Cpu, r.Reason})
	}
	widths := make([]int, 4)
	for _, row := range cols {
		for i, cell := range row {
			n := runeWidth(cell)
			if n > widths[i] {
				widths[i] = n
			}
		}
	}
	var sb strings.Builder
	for _, row := range cols {
		for i, cell := range row {
			pad := widths[i] - runeWidth(cell) + 1
			sb.WriteString(cell)
			sb.WriteString(strings.Repeat(" ", pad))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func runeWidth(s string) int {
	n := 0
	for _, r := range s {
		if k := width.LookupRune(r).Kind(); k == width.EastAsianWide || k == width.EastAsianFullwidth {
			n += 2
		} else {
			n++
		}
	}
	return n
}

/// Oneline formats a single TCB's state for inline trace logging.
func Oneline(pid int, state, reason string) string {
	return fmt.Sprintf("pid=%d state=%s reason=%s", pid, state, reason)
}
