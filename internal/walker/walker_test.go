package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/ignore"
)

func TestWalk_PlainDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "lib.js"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "util.go"), []byte("package src"), 0644))

	filter := ignore.New()
	files, err := Walk(context.Background(), root, filter)
	require.NoError(t, err)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.RelPath
	}
	assert.Contains(t, paths, "main.go")
	assert.Contains(t, paths, "src/util.go")
	assert.NotContains(t, paths, "node_modules/lib.js")
}

func TestWalk_HiddenDirectoriesPruned(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".cache", "data.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0644))

	filter := ignore.New()
	files, err := Walk(context.Background(), root, filter)
	require.NoError(t, err)

	for _, f := range files {
		assert.NotContains(t, f.RelPath, ".cache")
	}
}
