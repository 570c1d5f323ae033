package planner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"storyforge/internal/types"
)

// DocumentSource is the read/list view of a project's documents.
type DocumentSource interface {
	// List returns absolute paths of candidate documents under root. An
	// unreadable root is an error; unreadable subtrees are skipped.
	List(ctx context.Context, root string) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// OverrideSource supplies per-project inclusion overrides keyed by normalized absolute path.
type OverrideSource interface {
	Overrides(ctx context.Context, projectRoot string) (map[string]types.InclusionOverride, error)
}

// FSSource lists documents from the local filesystem.
type FSSource struct {
	// Extensions accepted, lower case with dot. Empty accepts everything.
	Extensions []string
	// SkipDirs are directory names never descended into, besides hidden ones.
	SkipDirs []string
}

// List implements DocumentSource.
func (s FSSource) List(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "list", Path: root, Err: errors.New("not a directory")}
	}
	if _, err := os.ReadDir(root); err != nil {
		return nil, err
	}

	skip := make(map[string]bool, len(s.SkipDirs))
	for _, d := range s.SkipDirs {
		skip[d] = true
	}

	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skip[name]) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !s.accepts(name) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s FSSource) accepts(name string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// Read implements DocumentSource.
func (FSSource) Read(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}
