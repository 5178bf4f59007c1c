package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/config"
)

func writeSampleRepo(t *testing.T, root string) {
	t.Helper()
	content := []byte(`package sample

// Greet returns a friendly greeting for name.
func Greet(name string) string {
	return "hello, " + name
}
`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "sample.go"), content, 0o644))
}

func TestIndexCmd_DryRun(t *testing.T) {
	root := t.TempDir()
	writeSampleRepo(t, root)
	t.Setenv("OSGREP_DATA_DIR", t.TempDir())

	cmd := newIndexCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{root, "--dry-run", "--bm25-only"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "would be (re)indexed")
}

func TestIndexCmd_BM25OnlyWritesIndexes(t *testing.T) {
	root := t.TempDir()
	writeSampleRepo(t, root)
	t.Setenv("OSGREP_DATA_DIR", t.TempDir())

	cmd := newIndexCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{root, "--bm25-only"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "indexed")

	dataDir := config.DataDir(root)
	_, statErr := os.Stat(dataDir)
	assert.NoError(t, statErr)
}

func TestIndexCmd_DefaultsToDotPath(t *testing.T) {
	cmd := newIndexCmd()
	assert.Equal(t, "index [path]", cmd.Use)
	pathFlag := cmd.Flags().Lookup("path")
	require.NotNil(t, pathFlag)
	assert.Equal(t, ".", pathFlag.DefValue)
}
