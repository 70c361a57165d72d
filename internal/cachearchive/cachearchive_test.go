package cachearchive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finnboeger/ultrastarfs/internal/cachetree"
	"github.com/finnboeger/ultrastarfs/internal/statrecord"
)

func sampleTree() *cachetree.Entry {
	root := cachetree.NewDirectory("", statrecord.Record{Kind: statrecord.KindDirectory})
	cachetree.Insert(root, "Song/lyrics.txt", cachetree.NewFile("", statrecord.Record{Kind: statrecord.KindRegular}))
	return root
}

func TestWriteManifestAndReadBack(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "cache.ultrastarfs")

	w, err := Create(archivePath)
	require.NoError(t, err)
	require.NoError(t, w.WriteManifest(sampleTree()))
	require.NoError(t, w.Close())

	r, err := Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.HasCoverDB())

	tree, err := r.Manifest()
	require.NoError(t, err)

	entry, err := cachetree.Find(tree, "Song/lyrics.txt")
	require.NoError(t, err)
	assert.Equal(t, cachetree.KindFile, entry.Kind)
}

func TestWriteAndExtractCoverDB(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "cache.ultrastarfs")
	dbPath := filepath.Join(dir, "cover.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("fake sqlite contents"), 0644))

	w, err := Create(archivePath)
	require.NoError(t, err)
	require.NoError(t, w.WriteManifest(sampleTree()))
	require.NoError(t, w.WriteCoverDB(dbPath))
	require.NoError(t, w.Close())

	r, err := Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.HasCoverDB())

	extractPath := filepath.Join(dir, "extracted.db")
	require.NoError(t, r.ExtractCoverDB(extractPath))

	got, err := os.ReadFile(extractPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake sqlite contents"), got)
}

func TestManifestMissingReturnsError(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "empty.ultrastarfs")
	w, err := Create(archivePath)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Manifest()
	assert.Error(t, err)
}
