package meta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile_StartsEmpty(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "meta.json"))
	_, ok := s.Get("main.go")
	assert.False(t, ok)
	assert.Empty(t, s.Paths())
}

func TestLoad_CorruptFile_StartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := Load(path)
	_, ok := s.Get("main.go")
	assert.False(t, ok)
}

func TestSetGetDelete(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "meta.json"))

	s.Set("main.go", "abc123")
	h, ok := s.Get("main.go")
	require.True(t, ok)
	assert.Equal(t, "abc123", h)

	s.Delete("main.go")
	_, ok = s.Get("main.go")
	assert.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")

	s := Load(path)
	s.Set("a.go", "hash-a")
	s.Set("b.go", "hash-b")
	require.NoError(t, s.Save())

	reloaded := Load(path)
	h, ok := reloaded.Get("a.go")
	require.True(t, ok)
	assert.Equal(t, "hash-a", h)
	h, ok = reloaded.Get("b.go")
	require.True(t, ok)
	assert.Equal(t, "hash-b", h)
}

func TestSave_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "meta.json")
	s := Load(path)
	s.Set("x.go", "h")
	require.NoError(t, s.Save())

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestMaybeSave_SkippedUnderEnvVar(t *testing.T) {
	t.Setenv(SkipSaveEnvVar, "1")

	path := filepath.Join(t.TempDir(), "meta.json")
	s := Load(path)
	for i := 0; i < SaveEveryN+5; i++ {
		s.Set(filepath.Join("file", string(rune('a'+i%26))), "h")
	}
	s.MaybeSave()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMaybeSave_PersistsAfterThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	s := Load(path)

	for i := 0; i < SaveEveryN-1; i++ {
		s.Set(filepath.Join("file", string(rune('a'+i%26))), "h")
	}
	s.MaybeSave()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "shouldn't save before threshold")

	s.Set("one-more.go", "h")
	s.MaybeSave()
	_, err = os.Stat(path)
	assert.NoError(t, err, "should save once threshold reached")
}

func TestDefaultPath_EndsUnderDotOsgrep(t *testing.T) {
	p := DefaultPath()
	assert.Equal(t, "meta.json", filepath.Base(p))
	assert.Equal(t, ".osgrep", filepath.Base(filepath.Dir(p)))
}
