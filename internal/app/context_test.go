package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldline/internal/app"
	"yieldline/internal/config"
)

func TestOpenDefaults(t *testing.T) {
	dir := t.TempDir()
	ws, err := app.Open(context.Background(), dir, "", nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, config.Default(), ws.Config)
	h, err := ws.Engine.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.HasData)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("similarity:\n  top_n: 9\n"), 0o644))
	ws, err := app.Open(context.Background(), dir, "", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 9, ws.Config.Similarity.TopN)
	assert.Equal(t, 168, ws.Config.Windows.BaselineHours)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("windows:\n  current_hours: 500\n"), 0o644))
	_, err := app.Open(context.Background(), dir, path, nil)
	assert.ErrorContains(t, err, "current_hours")
}
