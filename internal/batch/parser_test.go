package batch

import (
	"fmt"
	"strings"
	"testing"

	"storyforge/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entities(nums ...int) []types.Entity {
	out := make([]types.Entity, len(nums))
	for i, n := range nums {
		out[i] = types.Entity{Number: n, Label: fmt.Sprintf("Item %d", n)}
	}
	return out
}

func numbers(entries []types.BatchEntry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.EntityNumber
	}
	return out
}

const scrambled = `Preamble the model should not have written.

## ENTITY 11: Homecoming
Eleven body.

## ENTITY 3: The Crossing
Three body,
two lines.

## ENTITY 7: Aftermath
Seven body.
`

func TestExtract_ScrambledOrder(t *testing.T) {
	got := Extract(scrambled, entities(3, 7, 11))

	want := []types.BatchEntry{
		{EntityNumber: 3, Label: "The Crossing", RawContent: "Three body,\ntwo lines."},
		{EntityNumber: 7, Label: "Aftermath", RawContent: "Seven body."},
		{EntityNumber: 11, Label: "Homecoming", RawContent: "Eleven body."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_MissingHeaderLeavesOthersIntact(t *testing.T) {
	without7 := strings.Replace(scrambled, "## ENTITY 7: Aftermath\n", "", 1)

	got := Extract(without7, entities(3, 7, 11))
	require.Equal(t, []int{3, 11}, numbers(got))

	// Entity 3 now runs to the end of text, absorbing 7's former body.
	assert.Equal(t, "Three body,\ntwo lines.\n\nSeven body.", got[0].RawContent)
	assert.Equal(t, "Eleven body.", got[1].RawContent)
	assert.Equal(t, []int{7}, Missing(entities(3, 7, 11), got))
}

func TestExtract_IndependentOfOrder(t *testing.T) {
	reordered := "## ENTITY 7: Aftermath\nSeven body.\n## ENTITY 3: The Crossing\nThree body,\ntwo lines.\n## ENTITY 11: Homecoming\nEleven body."

	if diff := cmp.Diff(Extract(scrambled, entities(3, 7, 11)), Extract(reordered, entities(3, 7, 11))); diff != "" {
		t.Errorf("order changed extraction (-scrambled +reordered):\n%s", diff)
	}
}

func TestExtract_UnrequestedHeadersDoNotSplit(t *testing.T) {
	text := "## ENTITY 1: One\nbody one\n## ENTITY 99: Stray\nstill one\n## ENTITY 2: Two\nbody two"

	got := Extract(text, entities(1, 2))
	require.Len(t, got, 2)
	assert.Equal(t, "body one\n## ENTITY 99: Stray\nstill one", got[0].RawContent)
}

func TestExtract_EmptyBodyIsAbsent(t *testing.T) {
	text := "## ENTITY 1: One\n   \n## ENTITY 2: Two\nbody"
	got := Extract(text, entities(1, 2))
	assert.Equal(t, []int{2}, numbers(got))
}

func TestExtract_DuplicateHeaderFirstWins(t *testing.T) {
	text := "## ENTITY 1: First\nalpha\n## ENTITY 1: Again\nbeta\n## ENTITY 2: Two\ngamma"
	got := Extract(text, entities(1, 2))

	require.Len(t, got, 2)
	assert.Equal(t, "First", got[0].Label)
	assert.Equal(t, "alpha", got[0].RawContent)
	assert.Equal(t, "gamma", got[1].RawContent)
}

func TestExtract_HeaderVariants(t *testing.T) {
	text := "  ##  entity 4 :   Lowercase keyword  \r\nfour\n## ENTITY 5\nfive"
	got := Extract(text, entities(4, 5))

	require.Len(t, got, 2)
	assert.Equal(t, "Lowercase keyword", got[0].Label)
	assert.Equal(t, "four", got[0].RawContent)
	assert.Equal(t, "Item 5", got[1].Label, "requested label fills a bare header")
}

func TestExtract_CustomKeyword(t *testing.T) {
	p := NewParser("CHAPTER")
	text := "## CHAPTER 1: Dawn\nlight\n## ENTITY 2: ignored\n## CHAPTER 2: Dusk\ndark"

	got := p.Extract(text, entities(1, 2))
	require.Len(t, got, 2)
	assert.Equal(t, "light\n## ENTITY 2: ignored", got[0].RawContent)
	assert.Equal(t, "## CHAPTER 2: Dusk", p.Header(types.Entity{Number: 2, Label: "Dusk"}))
}

func TestExtract_PartialBatch21Of18(t *testing.T) {
	requested := make([]int, 21)
	for i := range requested {
		requested[i] = i + 1
	}
	var sb strings.Builder
	for _, n := range requested {
		if n == 4 || n == 9 || n == 17 {
			continue
		}
		fmt.Fprintf(&sb, "## ENTITY %d: Chapter %d\nText of chapter %d.\n\n", n, n, n)
	}

	got := Extract(sb.String(), entities(requested...))
	assert.Len(t, got, 18)
	assert.Equal(t, []int{4, 9, 17}, Missing(entities(requested...), got))
}

func TestInstructions(t *testing.T) {
	out := NewParser("").Instructions(entities(1, 2))
	assert.Contains(t, out, "## ENTITY 1: Item 1\n## ENTITY 2: Item 2\n")
}
