package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".pancakes")

	_, err := LoadProfile(dir)
	assert.ErrorIs(t, err, ErrNoProfile)

	require.NoError(t, SaveProfile(dir, Profile{APIBaseURL: " http://griddle:8080/ "}))
	p, err := LoadProfile(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://griddle:8080", p.APIBaseURL)

	info, err := os.Stat(filepath.Join(dir, "remote.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, ClearProfile(dir))
	require.NoError(t, ClearProfile(dir))
	_, err = LoadProfile(dir)
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestSaveProfileRequiresURL(t *testing.T) {
	assert.Error(t, SaveProfile(t.TempDir(), Profile{APIBaseURL: "  "}))
}
