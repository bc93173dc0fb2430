package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	p := filepath.Join(t.TempDir(), "shared")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func testReadChunk(t *testing.T, mmap bool) {
	p := writeTemp(t, "0123456789")
	f, err := Open(p, mmap)
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, 10, f.Size())
	b, err := f.ReadChunk(2, 4)
	require.NoError(t, err)
	assert.Equal(t, "234", string(b))
	// Ranges ending at the file size are clipped to the last byte.
	b, err = f.ReadChunk(8, 10)
	require.NoError(t, err)
	assert.Equal(t, "89", string(b))
	b, err = f.ReadChunk(0, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
	_, err = f.ReadChunk(10, 10)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = f.ReadChunk(5, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	r, err := f.SectionReader(7, 100)
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "789", string(all))
}

func TestReadChunkClassic(t *testing.T) { testReadChunk(t, false) }

func TestReadChunkMmap(t *testing.T) { testReadChunk(t, true) }

func TestOpenEmptyMmap(t *testing.T) {
	f, err := Open(writeTemp(t, ""), true)
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, 0, f.Size())
	_, err = f.ReadChunk(0, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriterOutOfOrder(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out")
	w, err := Create(p, 10)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("789"), 7)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("0123456"), 0)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("xx"), 9)
	assert.ErrorIs(t, err, ErrOutOfRange)
	b, err := io.ReadAll(w.Reader())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
	require.NoError(t, w.Close())
	b, err = os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
}

func TestSet(t *testing.T) {
	var s Set
	assert.False(t, s.Get("a").Ok)
	f, err := Open(writeTemp(t, strings.Repeat("a", 5)), false)
	require.NoError(t, err)
	assert.True(t, s.Add("a", f))
	assert.False(t, s.Add("a", f))
	assert.Equal(t, f, s.Get("a").Unwrap())
	require.NoError(t, s.Close())
	assert.False(t, s.Get("a").Ok)
}
