//go:build linux

package rawfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenReadDirLstatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	fd, err := OpenDir(dir)
	require.NoError(t, err)
	defer CloseDir(fd)

	entries, err := ReadDir(fd)
	require.NoError(t, err)

	names := make(map[string]uint8)
	for _, e := range entries {
		names[e.Name] = e.Type
	}
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub")
	assert.NotContains(t, names, ".")
	assert.NotContains(t, names, "..")
}

func TestFstatAndPread(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	fd, err := Open(path, unix.O_RDONLY)
	require.NoError(t, err)
	defer Close(fd)

	st, err := Fstat(fd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), int64(st.Size))

	buf := make([]byte, 4)
	n, err := Pread(fd, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), buf[:n])
}

func TestLstatMissingPath(t *testing.T) {
	_, err := Lstat("/nonexistent/path/for/sure")
	assert.Error(t, err)
}
