package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/config"
)

func TestMemoryRunStoreCreateAssignsUniqueIDsAndPreservesOrder(t *testing.T) {
	s := NewMemoryRunStore()
	r1 := s.Create(config.RunConfig{RunNumber: 1, ExpName: "NP1306"})
	r2 := s.Create(config.RunConfig{RunNumber: 2, ExpName: "NP1306"})

	require.NotEqual(t, r1.ID, r2.ID)
	assert.Equal(t, RunStatusRunning, r1.Status)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, r1.ID, list[0].ID)
	assert.Equal(t, r2.ID, list[1].ID)
}

func TestMemoryRunStoreGetMissing(t *testing.T) {
	s := NewMemoryRunStore()
	_, ok := s.Get("does-not-exist")
	assert.False(t, ok)
}

func TestMemoryRunStoreUpdateMutatesInPlace(t *testing.T) {
	s := NewMemoryRunStore()
	r := s.Create(config.RunConfig{RunNumber: 7, ExpName: "NP1306"})

	ok := s.Update(r.ID, func(run *Run) {
		run.Status = RunStatusCompleted
		run.Notes = append(run.Notes, "looked good")
	})
	require.True(t, ok)

	got, ok := s.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Equal(t, []string{"looked good"}, got.Notes)
}

func TestMemoryRunStoreUpdateMissingReturnsFalse(t *testing.T) {
	s := NewMemoryRunStore()
	ok := s.Update("missing", func(run *Run) {})
	assert.False(t, ok)
}
