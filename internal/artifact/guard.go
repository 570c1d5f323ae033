package artifact

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Mode selects how a write treats an occupied canonical slot.
type Mode int

const (
	// Versioned never replaces an occupied canonical slot; it allocates <stem>-v<N><ext>.
	Versioned Mode = iota
	// Overwrite replaces the canonical slot. Reserved for explicitly confirmed regeneration.
	Overwrite
)

func (m Mode) String() string {
	if m == Overwrite {
		return "overwrite"
	}
	return "versioned"
}

// IsBlank reports whether s is empty or whitespace only.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// GuardAllows reports whether candidate may replace existing:
// populated content is never replaced by blank content.
func GuardAllows(existing, candidate string) bool {
	return IsBlank(existing) || !IsBlank(candidate)
}

// VersionName returns the name of version n of canonical; version 1 is canonical itself.
func VersionName(canonical string, n int) string {
	if n <= 1 {
		return canonical
	}
	ext := filepath.Ext(canonical)
	stem := strings.TrimSuffix(canonical, ext)
	return stem + "-v" + strconv.Itoa(n) + ext
}

// NextVersion returns the lowest N >= 2 such that VersionName(canonical, N)
// is absent from listing.
func NextVersion(canonical string, listing []string) int {
	used := versionsIn(canonical, listing)
	n := 2
	for used[n] {
		n++
	}
	return n
}

// Versions lists the versions of canonical present in listing, ascending.
// The canonical file itself is version 1.
func Versions(canonical string, listing []string) []int {
	used := versionsIn(canonical, listing)
	out := make([]int, 0, len(used))
	for n := range used {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func versionsIn(canonical string, listing []string) map[int]bool {
	ext := filepath.Ext(canonical)
	stem := strings.TrimSuffix(canonical, ext)
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(stem) + `-v(\d+)` + regexp.QuoteMeta(ext) + `$`)

	used := make(map[int]bool)
	for _, name := range listing {
		if name == canonical {
			used[1] = true
			continue
		}
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 2 {
			used[n] = true
		}
	}
	return used
}

// Decision is the outcome of planning one write.
type Decision struct {
	Name     string // file name to write, within the slot directory
	Version  int    // 1 for the canonical slot
	Rejected bool   // guard refused the write
}

// Decide plans a write into a slot without touching the filesystem.
// existing is the canonical slot's body and occupied whether the slot exists;
// listing holds the names already in the slot directory. The guard is
// evaluated before any version allocation.
func Decide(mode Mode, canonical string, occupied bool, existing, candidate string, listing []string) Decision {
	if !occupied {
		return Decision{Name: canonical, Version: 1}
	}
	if !GuardAllows(existing, candidate) {
		return Decision{Name: canonical, Version: 1, Rejected: true}
	}
	if mode == Overwrite {
		return Decision{Name: canonical, Version: 1}
	}
	n := NextVersion(canonical, listing)
	return Decision{Name: VersionName(canonical, n), Version: n}
}
