//go:build linux

// Package cachebuild implements the offline build step: a deterministic
// walk of a source tree that produces a cache tree plus a cover image
// database, bundled together into a single archive consumed later by the
// overlay.
package cachebuild

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/finnboeger/ultrastarfs/internal/cachearchive"
	"github.com/finnboeger/ultrastarfs/internal/cachetree"
	"github.com/finnboeger/ultrastarfs/internal/coverdb"
	"github.com/finnboeger/ultrastarfs/internal/rawfs"
	"github.com/finnboeger/ultrastarfs/internal/statrecord"
)

// DefaultAudioPrefixLen is how many leading bytes of an audio file are
// cached in full when no override is configured.
const DefaultAudioPrefixLen = 16384

// DefaultLyricExtensions lists the file suffixes treated as lyric files,
// cached in full.
var DefaultLyricExtensions = []string{".txt"}

// DefaultAudioExtensions lists the file suffixes treated as audio files,
// whose leading bytes are cached.
var DefaultAudioExtensions = []string{".mp3", ".m4a", ".ogg", ".wav", ".wma", ".flac"}

// DefaultCoverExtensions lists image suffixes eligible for the cover
// database.
var DefaultCoverExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// coverTagPrefix is the lyric-file header line that names a song's cover
// image, e.g. "#COVER:folder.jpg".
const coverTagPrefix = "#COVER:"

// Config controls one build run.
type Config struct {
	SourceRoot      string
	ArchivePath     string
	AudioPrefixLen  int
	LyricExtensions []string
	AudioExtensions []string
	CoverExtensions []string

	// IncludeAudioPrefix controls whether audio files get a cached leading
	// ".part" member at all. Disabling it shrinks the archive for callers
	// who only need lyric files and cover art.
	IncludeAudioPrefix bool

	// IncludeImageDB controls whether a cover.db member is built. Disabling
	// it skips image decoding and thumbnailing entirely.
	IncludeImageDB bool
}

// withDefaults fills in zero-valued fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.AudioPrefixLen == 0 {
		c.AudioPrefixLen = DefaultAudioPrefixLen
	}
	if len(c.LyricExtensions) == 0 {
		c.LyricExtensions = DefaultLyricExtensions
	}
	if len(c.AudioExtensions) == 0 {
		c.AudioExtensions = DefaultAudioExtensions
	}
	if len(c.CoverExtensions) == 0 {
		c.CoverExtensions = DefaultCoverExtensions
	}
	return c
}

func hasExt(name string, exts []string) bool {
	lower := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if lower == e {
			return true
		}
	}
	return false
}

// Build walks cfg.SourceRoot, assembling a cache tree and (optionally) a
// cover database, streaming cached lyric and audio-prefix content into the
// archive as real members as it goes. Per-entry failures (a file disappears
// mid-walk, a permission is denied on one subtree) are logged and skipped;
// only a failure to read the root itself, or to create the archive, is
// fatal.
func Build(cfg Config, log *logrus.Logger) error {
	cfg = cfg.withDefaults()

	rootSt, err := rawfs.Lstat(cfg.SourceRoot)
	if err != nil {
		return fmt.Errorf("cachebuild: stat root: %w", err)
	}
	rootRec, err := statrecord.FromStat(&rootSt)
	if err != nil {
		return fmt.Errorf("cachebuild: stat root: %w", err)
	}
	root := cachetree.NewDirectory(".", rootRec)

	var db *coverdb.DB
	var dbFile string
	if cfg.IncludeImageDB {
		dbPath, err := rawfs.MkdirTemp("", "ultrastarfs-coverdb-*")
		if err != nil {
			return fmt.Errorf("cachebuild: scratch dir: %w", err)
		}
		defer os.RemoveAll(dbPath)
		dbFile = filepath.Join(dbPath, cachearchive.CoverDBName)

		db, err = coverdb.Open(dbFile)
		if err != nil {
			return fmt.Errorf("cachebuild: open cover database: %w", err)
		}
		defer db.Close()
	}

	archive, err := cachearchive.Create(cfg.ArchivePath)
	if err != nil {
		return err
	}

	coversAdded := 0

	walkErr := filepath.WalkDir(cfg.SourceRoot, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if fullPath == cfg.SourceRoot {
				return fmt.Errorf("cachebuild: walk root: %w", err)
			}
			log.WithError(err).WithField("path", fullPath).Warn("skipping entry after walk error")
			return nil
		}

		rel, err := filepath.Rel(cfg.SourceRoot, fullPath)
		if err != nil {
			return fmt.Errorf("cachebuild: relative path for %s: %w", fullPath, err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		st, err := rawfs.Lstat(fullPath)
		if err != nil {
			log.WithError(err).WithField("path", fullPath).Warn("skipping entry: lstat failed")
			return nil
		}
		rec, err := statrecord.FromStat(&st)
		if err != nil {
			log.WithError(err).WithField("path", fullPath).Warn("skipping entry: unsupported file type")
			return nil
		}

		if d.IsDir() {
			return cachetree.Insert(root, rel, cachetree.NewDirectory("", rec))
		}

		switch {
		case hasExt(d.Name(), cfg.LyricExtensions):
			// Permissions of lyric files are read-only in the cache: the
			// cached copy can never be written back through the overlay.
			entry := cachetree.NewFile("", rec.ClearWriteBits())

			data, err := os.ReadFile(fullPath)
			if err != nil {
				log.WithError(err).WithField("path", fullPath).Warn("skipping lyric content: read failed")
				return cachetree.Insert(root, rel, entry)
			}
			if err := archive.WriteLyricFile(rel, data); err != nil {
				return fmt.Errorf("cachebuild: write lyric member %s: %w", rel, err)
			}
			entry.LyricCached = true

			if cover, ok := parseCoverTag(data); ok && db != nil && hasExt(cover, cfg.CoverExtensions) {
				coverPath := filepath.Join(filepath.Dir(fullPath), cover)
				if coverData, err := os.ReadFile(coverPath); err == nil {
					coverRel := filepath.ToSlash(filepath.Join(filepath.Dir(rel), cover))
					coverDate := rec.Mtime.Sec
					if coverSt, statErr := rawfs.Lstat(coverPath); statErr == nil {
						if coverRec, recErr := statrecord.FromStat(&coverSt); recErr == nil {
							coverDate = coverRec.Mtime.Sec
						}
					}
					if _, addErr := db.AddCover(coverRel, coverData, coverDate); addErr != nil {
						log.WithError(addErr).WithField("path", coverPath).Warn("skipping cover image: add failed")
					} else {
						entry.CoverPath = coverRel
						coversAdded++
					}
				} else {
					log.WithError(err).WithField("path", coverPath).Warn("cover tag points at unreadable file")
				}
			}
			return cachetree.Insert(root, rel, entry)

		case hasExt(d.Name(), cfg.AudioExtensions):
			entry := cachetree.NewFile("", rec)
			if cfg.IncludeAudioPrefix {
				prefix, err := readPrefix(fullPath, cfg.AudioPrefixLen)
				if err != nil {
					log.WithError(err).WithField("path", fullPath).Warn("skipping audio prefix: read failed")
					return cachetree.Insert(root, rel, entry)
				}
				if err := archive.WriteAudioPrefix(rel, prefix); err != nil {
					return fmt.Errorf("cachebuild: write audio prefix member %s: %w", rel, err)
				}
				entry.AudioPrefixCached = true
			}
			return cachetree.Insert(root, rel, entry)

		default:
			return cachetree.Insert(root, rel, cachetree.NewFile("", rec))
		}
	})
	if walkErr != nil {
		archive.Close()
		return walkErr
	}

	if err := archive.WriteManifest(root); err != nil {
		archive.Close()
		return err
	}
	if cfg.IncludeImageDB && coversAdded > 0 {
		if err := archive.WriteCoverDB(dbFile); err != nil {
			archive.Close()
			return err
		}
	}
	if err := archive.Close(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"archive": cfg.ArchivePath,
		"covers":  coversAdded,
	}).Info("cache build complete")
	return nil
}

// readPrefix reads up to n leading bytes of the file at path.
func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// parseCoverTag scans a lyric file's header lines for a "#COVER:" tag,
// stopping at the first line that isn't a "#TAG:value" header (the lyric
// body proper). Header tags may appear in any order.
func parseCoverTag(data []byte) (coverFile string, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if strings.HasPrefix(strings.ToUpper(line), coverTagPrefix) {
			return strings.TrimSpace(line[len(coverTagPrefix):]), true
		}
	}
	return "", false
}
