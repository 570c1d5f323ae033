// Package diff compares two versions of an artifact body line by line using
// sergi/go-diff, and renders the result as a unified diff.
package diff

import (
	"fmt"
	"io"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

// Line is one line of a hunk.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is a run of changes with surrounding context. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Result is the comparison of two versions.
type Result struct {
	OldName string
	NewName string
	Hunks   []Hunk
	Added   int
	Removed int
}

// Identical reports whether the versions have no line changes.
func (r *Result) Identical() bool {
	return r.Added == 0 && r.Removed == 0
}

// Stats renders "+a -r".
func (r *Result) Stats() string {
	return fmt.Sprintf("+%d -%d", r.Added, r.Removed)
}

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Compare diffs oldText against newText with DefaultContext lines of context.
func Compare(oldName, newName, oldText, newText string) *Result {
	return CompareContext(oldName, newName, oldText, newText, DefaultContext)
}

// CompareContext diffs with the given amount of context.
func CompareContext(oldName, newName, oldText, newText string, context int) *Result {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0

	a, b, lines := dmp.DiffLinesToChars(terminate(oldText), terminate(newText))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var flat []Line
	for _, d := range diffs {
		t := LineContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			t = LineAdded
		case diffmatchpatch.DiffDelete:
			t = LineRemoved
		}
		for _, l := range splitLines(d.Text) {
			flat = append(flat, Line{Type: t, Content: l})
		}
	}

	r := &Result{OldName: oldName, NewName: newName}
	for _, l := range flat {
		switch l.Type {
		case LineAdded:
			r.Added++
		case LineRemoved:
			r.Removed++
		}
	}
	r.Hunks = group(flat, context)
	return r
}

// terminate ensures a final newline so a missing one never reads as an edit.
func terminate(s string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

// splitLines splits on newlines, dropping the empty tail after a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// group folds a flat line sequence into hunks, merging changes whose
// context windows touch.
func group(flat []Line, context int) []Hunk {
	var hunks []Hunk
	oldLine, newLine := 1, 1
	i := 0
	for i < len(flat) {
		if flat[i].Type == LineContext {
			oldLine++
			newLine++
			i++
			continue
		}

		// Back up over leading context.
		lead := 0
		for lead < context && i-lead-1 >= 0 && flat[i-lead-1].Type == LineContext {
			lead++
		}
		h := Hunk{OldStart: oldLine - lead, NewStart: newLine - lead}
		h.Lines = append(h.Lines, flat[i-lead:i]...)
		h.OldCount, h.NewCount = lead, lead

		for i < len(flat) {
			if flat[i].Type != LineContext {
				h.Lines = append(h.Lines, flat[i])
				if flat[i].Type == LineRemoved {
					h.OldCount++
					oldLine++
				} else {
					h.NewCount++
					newLine++
				}
				i++
				continue
			}
			// Measure the run of context ahead.
			run := 0
			for i+run < len(flat) && flat[i+run].Type == LineContext {
				run++
			}
			if i+run < len(flat) && run <= 2*context {
				for k := 0; k < run; k++ {
					h.Lines = append(h.Lines, flat[i])
					h.OldCount++
					h.NewCount++
					oldLine++
					newLine++
					i++
				}
				continue
			}
			tail := min(run, context)
			for k := 0; k < tail; k++ {
				h.Lines = append(h.Lines, flat[i+k])
			}
			h.OldCount += tail
			h.NewCount += tail
			break
		}
		hunks = append(hunks, h)
	}
	return hunks
}

// WriteUnified renders r in unified diff format.
func (r *Result) WriteUnified(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "--- %s\n+++ %s\n", r.OldName, r.NewName); err != nil {
		return err
	}
	for _, h := range r.Hunks {
		if _, err := fmt.Fprintf(w, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount); err != nil {
			return err
		}
		for _, l := range h.Lines {
			prefix := " "
			switch l.Type {
			case LineAdded:
				prefix = "+"
			case LineRemoved:
				prefix = "-"
			}
			if _, err := fmt.Fprintf(w, "%s%s\n", prefix, l.Content); err != nil {
				return err
			}
		}
	}
	return nil
}
