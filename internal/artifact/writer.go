// Package artifact persists generated content into slots without ever
// replacing populated work with empty output.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"storyforge/internal/logging"
	"storyforge/internal/types"
)

// Slot is a directory plus the canonical file name an artifact belongs in.
type Slot struct {
	Dir           string
	CanonicalName string
}

// Path returns the canonical path of the slot.
func (s Slot) Path() string {
	return filepath.Join(s.Dir, s.CanonicalName)
}

// WriteResult describes one write attempt. A guard refusal is reported through
// Rejected and Rejection, not as an error.
type WriteResult struct {
	Path      string
	Version   int
	Written   bool
	Rejected  bool
	Rejection *types.PersistenceGuardRejection
}

// Writer applies the overwrite guard and version allocation, then persists.
type Writer struct {
	fs    FileSystem
	now   func() time.Time
	locks *slotLocks
}

// Option customizes a Writer.
type Option func(*Writer)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.now = clock }
}

// WithFileSystem replaces the local filesystem.
func WithFileSystem(fsys FileSystem) Option {
	return func(w *Writer) { w.fs = fsys }
}

// WithSlotLocking serializes check-then-write per slot within this Writer,
// closing the version allocation race between concurrent writes to one slot.
// Writers in other processes are not coordinated.
func WithSlotLocking() Option {
	return func(w *Writer) { w.locks = &slotLocks{m: make(map[string]*sync.Mutex)} }
}

// NewWriter builds a writer over the local filesystem.
func NewWriter(opts ...Option) *Writer {
	w := &Writer{fs: OSFileSystem{}, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write persists content with meta into slot according to mode.
func (w *Writer) Write(ctx context.Context, slot Slot, meta Metadata, content string, mode Mode) (WriteResult, error) {
	if slot.CanonicalName == "" {
		return WriteResult{}, fmt.Errorf("artifact: slot has no canonical name")
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	if w.locks != nil {
		unlock := w.locks.lock(slot.Path())
		defer unlock()
	}

	canonical := slot.Path()
	occupied := true
	var existingBody string
	var existingMeta *Metadata
	raw, err := w.fs.ReadFile(canonical)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		occupied = false
	case err != nil:
		return WriteResult{}, fmt.Errorf("artifact: read %s: %w", canonical, err)
	default:
		if m, body, perr := ParseFrontMatter(raw); perr == nil {
			existingMeta = &m
			existingBody = string(body)
		} else {
			existingBody = BodyOf(raw)
		}
	}

	var listing []string
	if occupied && mode == Versioned {
		if listing, err = w.fs.List(slot.Dir); err != nil {
			return WriteResult{}, fmt.Errorf("artifact: list %s: %w", slot.Dir, err)
		}
	}

	d := Decide(mode, slot.CanonicalName, occupied, existingBody, content, listing)
	path := filepath.Join(slot.Dir, d.Name)
	audit := logging.Audit()

	if d.Rejected {
		rejection := &types.PersistenceGuardRejection{Path: path}
		logging.ArtifactWarn("%v", rejection)
		audit.ArtifactWrite(meta.PlanID, path, d.Version, true)
		return WriteResult{Path: path, Version: d.Version, Rejected: true, Rejection: rejection}, nil
	}

	now := w.now().UTC()
	prepared := meta
	prepared.Version = d.Version
	prepared.Modified = now
	if prepared.Created.IsZero() {
		prepared.Created = now
	}
	if mode == Overwrite && existingMeta != nil && d.Name == slot.CanonicalName {
		prepared.Created = existingMeta.Created
	}

	doc, err := WriteFrontMatter(prepared, []byte(content))
	if err != nil {
		return WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	if err := w.fs.WriteFile(path, doc); err != nil {
		return WriteResult{}, fmt.Errorf("artifact: write %s: %w", path, err)
	}

	logging.Artifact("wrote %s (mode=%s version=%d bytes=%d)", path, mode, d.Version, len(content))
	audit.ArtifactWrite(meta.PlanID, path, d.Version, false)
	return WriteResult{Path: path, Version: d.Version, Written: true}, nil
}

type slotLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *slotLocks) lock(key string) func() {
	l.mu.Lock()
	mu, ok := l.m[key]
	if !ok {
		mu = &sync.Mutex{}
		l.m[key] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}
