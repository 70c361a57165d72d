//go:build linux

package cachebuild

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finnboeger/ultrastarfs/internal/cachearchive"
	"github.com/finnboeger/ultrastarfs/internal/cachetree"
)

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func buildSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0755))

	writeJPEG(t, filepath.Join(root, "a", "cover.jpg"))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "a", "1.txt"),
		[]byte("#TITLE:Example\n#COVER:cover.jpg\nsome lyric body\n"),
		0644,
	))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "2.txt"), []byte("#TITLE:Other\nmore lyrics\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "3.txt"), []byte("#TITLE:Third\nlyrics again\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "song.mp3"), make([]byte, 20000), 0644))

	return root
}

func silentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestBuildWritesRealArchiveMembersForLyricFiles(t *testing.T) {
	source := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "cache.zip")

	cfg := Config{
		SourceRoot:         source,
		ArchivePath:        archivePath,
		AudioPrefixLen:     16384,
		IncludeAudioPrefix: true,
		IncludeImageDB:     true,
	}
	require.NoError(t, Build(cfg, silentLogger()))

	r, err := cachearchive.Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.HasMember("a/1.txt"))
	assert.True(t, r.HasMember("a/2.txt"))
	assert.True(t, r.HasMember("b/3.txt"))

	data, err := r.LyricFile("a/1.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), "some lyric body")

	tree, err := r.Manifest()
	require.NoError(t, err)
	entry, err := cachetree.Find(tree, "a/1.txt")
	require.NoError(t, err)
	assert.True(t, entry.LyricCached)
	assert.Equal(t, "a/cover.jpg", entry.CoverPath)
	assert.Equal(t, uint16(0), entry.Stat.Perm&0222, "lyric file permissions must have write bits cleared")

	assert.True(t, r.HasCoverDB())
}

func TestBuildWritesAudioPrefixPartMember(t *testing.T) {
	source := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "cache.zip")

	cfg := Config{
		SourceRoot:         source,
		ArchivePath:        archivePath,
		AudioPrefixLen:     16384,
		IncludeAudioPrefix: true,
	}
	require.NoError(t, Build(cfg, silentLogger()))

	r, err := cachearchive.Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.HasMember("a/song.mp3.part"))
	data, err := r.ReadMember("a/song.mp3.part")
	require.NoError(t, err)
	assert.Len(t, data, 16384)

	tree, err := r.Manifest()
	require.NoError(t, err)
	entry, err := cachetree.Find(tree, "a/song.mp3")
	require.NoError(t, err)
	assert.True(t, entry.AudioPrefixCached)
	assert.NotZero(t, entry.Stat.Perm&0222, "audio file permissions are left untouched")
}

func TestBuildSkipsAudioPrefixWhenDisabled(t *testing.T) {
	source := buildSourceTree(t)
	archivePath := filepath.Join(t.TempDir(), "cache.zip")

	cfg := Config{SourceRoot: source, ArchivePath: archivePath}
	require.NoError(t, Build(cfg, silentLogger()))

	r, err := cachearchive.Open(archivePath)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.HasMember("a/song.mp3.part"))
	assert.False(t, r.HasCoverDB())
}

func TestBuildIsDeterministicAcrossRuns(t *testing.T) {
	source := buildSourceTree(t)
	dir := t.TempDir()
	archiveA := filepath.Join(dir, "a.zip")
	archiveB := filepath.Join(dir, "b.zip")

	cfg := Config{SourceRoot: source, AudioPrefixLen: 128, IncludeAudioPrefix: true, IncludeImageDB: true}

	cfgA := cfg
	cfgA.ArchivePath = archiveA
	require.NoError(t, Build(cfgA, silentLogger()))

	cfgB := cfg
	cfgB.ArchivePath = archiveB
	require.NoError(t, Build(cfgB, silentLogger()))

	ra, err := cachearchive.Open(archiveA)
	require.NoError(t, err)
	defer ra.Close()
	rb, err := cachearchive.Open(archiveB)
	require.NoError(t, err)
	defer rb.Close()

	treeA, err := ra.Manifest()
	require.NoError(t, err)
	treeB, err := rb.Manifest()
	require.NoError(t, err)

	var pathsA, pathsB []string
	cachetree.IterFiles(treeA, func(p string, e *cachetree.Entry) error {
		pathsA = append(pathsA, p)
		return nil
	})
	cachetree.IterFiles(treeB, func(p string, e *cachetree.Entry) error {
		pathsB = append(pathsB, p)
		return nil
	})
	assert.Equal(t, pathsA, pathsB)
}

func TestDefaultAudioExtensionsMatchSpec(t *testing.T) {
	assert.ElementsMatch(t, []string{".mp3", ".m4a", ".ogg", ".wav", ".wma", ".flac"}, DefaultAudioExtensions)
}

func TestParseCoverTag(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
		ok   bool
	}{
		{"present", "#TITLE:Example\n#COVER:art.jpg\nlyrics\n", "art.jpg", true},
		{"absent", "#TITLE:Example\nlyrics\n", "", false},
		{"case-insensitive-tag", "#cover:art.png\n", "art.png", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := parseCoverTag([]byte(c.data))
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, got)
		})
	}
}
