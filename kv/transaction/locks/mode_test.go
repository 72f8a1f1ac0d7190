package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompatibilityMatrix(t *testing.T) {
	order := []Mode{ModeIS, ModeIX, ModeS, ModeSIX, ModeU, ModeX}
	// Rows are held modes, columns requested modes, both in the order above.
	expected := []string{
		"11111.",
		"11....",
		"1.1.1.",
		"1.....",
		"1.1.1.",
		"......",
	}
	for i, held := range order {
		for j, requested := range order {
			want := expected[i][j] == '1'
			assert.Equal(t, want, Compatible(held, requested), "held %s requested %s", held, requested)
			assert.Equal(t, Compatible(held, requested), Compatible(requested, held), "symmetry %s %s", held, requested)
		}
	}
}

func TestStrengthOrder(t *testing.T) {
	for i := 1; i < len(AllModes); i++ {
		assert.True(t, AllModes[i-1].Strength() < AllModes[i].Strength())
	}
	assert.True(t, ModeU.Strength() < ModeSIX.Strength())
}

func TestIntentFor(t *testing.T) {
	assert.Equal(t, ModeIS, IntentFor(ModeS))
	assert.Equal(t, ModeIS, IntentFor(ModeIS))
	assert.Equal(t, ModeIX, IntentFor(ModeIX))
	assert.Equal(t, ModeIX, IntentFor(ModeU))
	assert.Equal(t, ModeIX, IntentFor(ModeSIX))
	assert.Equal(t, ModeIX, IntentFor(ModeX))
}

func TestCoversAndJoin(t *testing.T) {
	for _, m := range AllModes {
		assert.True(t, Covers(m, m))
		assert.True(t, Covers(ModeX, m))
		assert.Equal(t, m, Join(m, m))
		assert.Equal(t, m, Join(ModeIS, m))
	}
	assert.True(t, Covers(ModeS, ModeIS))
	assert.True(t, Covers(ModeU, ModeS))
	assert.True(t, Covers(ModeSIX, ModeIX))
	assert.False(t, Covers(ModeS, ModeIX))
	assert.False(t, Covers(ModeIX, ModeS))
	assert.False(t, Covers(ModeS, ModeU))

	assert.Equal(t, ModeSIX, Join(ModeS, ModeIX))
	assert.Equal(t, ModeSIX, Join(ModeIX, ModeS))
	assert.Equal(t, ModeU, Join(ModeS, ModeU))
	assert.Equal(t, ModeX, Join(ModeSIX, ModeX))
}

func TestResourceHierarchy(t *testing.T) {
	row := RowResource(1, 2, 3, 4)
	assert.Equal(t, []Resource{
		DatabaseResource(1),
		TableResource(1, 2),
		PageResource(1, 2, 3),
	}, row.Ancestors())

	parent, ok := row.Parent()
	assert.True(t, ok)
	assert.Equal(t, PageResource(1, 2, 3), parent)
	_, ok = DatabaseResource(1).Parent()
	assert.False(t, ok)
	assert.Empty(t, DatabaseResource(1).Ancestors())

	assert.NotEqual(t, TableResource(1, 2).Encode(), PageResource(1, 2, 0).Encode())
	assert.Equal(t, "db:1/table:2/page:3/row:4", row.String())
}
