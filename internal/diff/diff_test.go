package diff

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_Addition(t *testing.T) {
	r := Compare("old.md", "new.md", "line1\nline2\nline3", "line1\nline2\nline2.5\nline3")

	require.Len(t, r.Hunks, 1)
	assert.Equal(t, 1, r.Added)
	assert.Equal(t, 0, r.Removed)
	assert.Equal(t, "+1 -0", r.Stats())

	h := r.Hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 3, h.OldCount)
	assert.Equal(t, 4, h.NewCount)
	assert.Contains(t, h.Lines, Line{Type: LineAdded, Content: "line2.5"})
}

func TestCompare_Deletion(t *testing.T) {
	r := Compare("a", "b", "line1\nline2\nline3\nline4", "line1\nline2\nline4")
	require.Len(t, r.Hunks, 1)
	assert.Equal(t, 1, r.Removed)
	assert.Contains(t, r.Hunks[0].Lines, Line{Type: LineRemoved, Content: "line3"})
}

func TestCompare_Identical(t *testing.T) {
	r := Compare("a", "b", "same\ntext\n", "same\ntext")
	assert.True(t, r.Identical(), "a missing final newline is not a change")
	assert.Empty(t, r.Hunks)
}

func TestCompare_SeparateHunks(t *testing.T) {
	var old, updated []string
	for i := 1; i <= 30; i++ {
		line := "para " + strings.Repeat("x", i)
		old = append(old, line)
		switch i {
		case 2, 28:
			updated = append(updated, line+" (revised)")
		default:
			updated = append(updated, line)
		}
	}
	r := Compare("a", "b", strings.Join(old, "\n"), strings.Join(updated, "\n"))

	require.Len(t, r.Hunks, 2)
	assert.Equal(t, 2, r.Added)
	assert.Equal(t, 2, r.Removed)
	assert.Equal(t, 1, r.Hunks[0].OldStart)
	assert.Equal(t, 25, r.Hunks[1].OldStart)
	assert.Equal(t, 6, r.Hunks[1].OldCount)
}

func TestCompare_MergesNearbyChanges(t *testing.T) {
	old := "a\nb\nc\nd\ne\nf\ng"
	updated := "A\nb\nc\nd\ne\nf\nG"
	r := CompareContext("x", "y", old, updated, 3)
	require.Len(t, r.Hunks, 1)
	assert.Equal(t, 7, r.Hunks[0].OldCount)
}

func TestWriteUnified(t *testing.T) {
	r := Compare("chapter-01.md", "chapter-01-v2.md", "The rain fell.\nMira waited.\n", "The rain fell.\nMira ran.\n")
	var buf bytes.Buffer
	require.NoError(t, r.WriteUnified(&buf))

	want := `--- chapter-01.md
+++ chapter-01-v2.md
@@ -1,2 +1,2 @@
 The rain fell.
-Mira waited.
+Mira ran.
`
	assert.Equal(t, want, buf.String())
}
