package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAddress(t *testing.T) {
	a := DeriveAddress("alice")
	assert.Equal(t, a, DeriveAddress("alice"))
	assert.NotEqual(t, a, DeriveAddress("bob"))
	assert.Len(t, a.String(), 64)
}

func TestNewMilestones(t *testing.T) {
	ms, err := NewMilestones(make([]Milestone, MaxMilestones))
	require.NoError(t, err)
	assert.Equal(t, MaxMilestones, ms.Len())

	_, err = NewMilestones(make([]Milestone, MaxMilestones+1))
	assert.Error(t, err)
}

func TestMilestonesAt(t *testing.T) {
	ms, err := NewMilestones([]Milestone{{Title: "a", Amount: 1}, {Title: "b", Amount: 2}})
	require.NoError(t, err)

	for _, idx := range []int{-1, 2, 3, MaxMilestones} {
		_, ok := ms.At(idx)
		assert.False(t, ok, "index %d", idx)
	}

	m, ok := ms.At(1)
	require.True(t, ok)
	m.Completed = true

	second, _ := ms.At(1)
	assert.True(t, second.Completed)
}

func TestProjectCopyIsDeep(t *testing.T) {
	ms, err := NewMilestones([]Milestone{{Title: "a"}})
	require.NoError(t, err)
	original := Project{Milestones: ms}

	cp := original
	m, _ := cp.Milestones.At(0)
	m.Completed = true

	first, _ := original.Milestones.At(0)
	assert.False(t, first.Completed)
}

func TestMilestonesJSON(t *testing.T) {
	ms, err := NewMilestones([]Milestone{{Title: "a", Amount: 100}, {Title: "b", Amount: 200}})
	require.NoError(t, err)

	data, err := json.Marshal(Project{Milestones: ms})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"milestones":[{"title":"a"`)

	var decoded Project
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ms, decoded.Milestones)

	tooMany := `{"milestones":[` + strings.TrimSuffix(strings.Repeat(`{"title":"x"},`, MaxMilestones+1), ",") + `]}`
	assert.Error(t, json.Unmarshal([]byte(tooMany), &decoded))
}

func TestRecordSpace(t *testing.T) {
	// 8 + 32 + (4+12) + (4+14) + 24 + (4 + 10*89) + 1 + 8 + 1
	assert.Equal(t, 1002, RecordSpace("Test Project", "A test project"))
	assert.Equal(t, RecordSpace("", "")+5, RecordSpace("abc", "de"))
}

func TestFitsSlot(t *testing.T) {
	assert.True(t, Milestone{Title: strings.Repeat("t", MilestoneTitleSlot)}.FitsSlot())
	assert.False(t, Milestone{Title: strings.Repeat("t", MilestoneTitleSlot+1)}.FitsSlot())
	assert.False(t, Milestone{Description: strings.Repeat("d", MilestoneDescriptionSlot+1)}.FitsSlot())
}
