package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestAtomicFile_WriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")
	af, err := NewAtomicFile(path)
	require.NoError(t, err)
	assert.False(t, af.Exists())

	require.NoError(t, af.WriteJSON(sample{Name: "a", Count: 1}))
	assert.True(t, af.Exists())

	var got sample
	require.NoError(t, af.ReadJSON(&got))
	assert.Equal(t, sample{Name: "a", Count: 1}, got)
}

func TestAtomicFile_WriteOverwritesPreviousContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	af, err := NewAtomicFile(path)
	require.NoError(t, err)

	require.NoError(t, af.WriteJSON(sample{Name: "first", Count: 1}))
	require.NoError(t, af.WriteJSON(sample{Name: "second", Count: 2}))

	var got sample
	require.NoError(t, af.ReadJSON(&got))
	assert.Equal(t, "second", got.Name)
}

func TestAtomicFile_ReadMissingFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	af, err := NewAtomicFile(path)
	require.NoError(t, err)

	var got sample
	err = af.ReadJSON(&got)
	assert.Error(t, err)
}
