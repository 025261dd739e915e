package lumos

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestManifestWriteRead(t *testing.T) {
	t.Parallel()

	path := manifestPath(t.TempDir())
	m := newManifest("example.com/app", []string{"example.com/app.Run"})
	m.Entries = append(m.Entries, ManifestEntry{
		Path:           "/src/app/a.go",
		OriginalDigest: contentDigest([]byte("a")),
		WrittenDigest:  contentDigest([]byte("b")),
		Mode:           0644,
	})

	require.NoError(t, WriteManifest(path, m))
	read, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, read)
}

func TestManifestCompressed(t *testing.T) {
	t.Parallel()

	path := manifestPath(t.TempDir())
	m := newManifest("example.com/app", nil)
	for i := 0; i < 500; i++ {
		m.Entries = append(m.Entries, ManifestEntry{
			Path:           filepath.Join("/src/app", strconv.Itoa(i)+".go"),
			OriginalDigest: contentDigest([]byte("package app\n")),
			WrittenDigest:  contentDigest([]byte("package app\n\nimport _ \"x\"\n")),
			Mode:           0644,
		})
	}
	require.NoError(t, WriteManifest(path, m))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x28, 0xB5, 0x2F, 0xFD}, raw[:4]) // zstd frame magic
	encoded, err := msgpack.Marshal(m)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(encoded))

	read, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, read)

	t.Run("truncated", func(t *testing.T) {
		truncated := filepath.Join(t.TempDir(), manifestFileName)
		require.NoError(t, os.WriteFile(truncated, raw[:len(raw)/2], 0644))

		_, err := ReadManifest(truncated)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoManifest)
	})
}

func TestReadManifestErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing", func(t *testing.T) {
		_, err := ReadManifest(manifestPath(t.TempDir()))
		assert.ErrorIs(t, err, ErrNoManifest)
	})
	t.Run("corrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), manifestFileName)
		require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0644))

		_, err := ReadManifest(path)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoManifest)
	})
	t.Run("version", func(t *testing.T) {
		path := manifestPath(t.TempDir())
		m := newManifest("", nil)
		m.Version = manifestVersion + 1
		require.NoError(t, WriteManifest(path, m))

		_, err := ReadManifest(path)
		assert.ErrorContains(t, err, "unsupported manifest version")
	})
}

func TestContentDigest(t *testing.T) {
	t.Parallel()

	a := contentDigest([]byte("package a\n"))
	assert.Equal(t, a, contentDigest([]byte("package a\n")))
	assert.NotEqual(t, a, contentDigest([]byte("package b\n")))
	assert.NotEmpty(t, contentDigest(nil))
}
