// Package cachearchive defines the on-disk container format the builder
// produces and the overlay consumes: a zip file holding the serialized
// cache tree under a reserved name alongside the cover image database.
// Deflate entries are compressed with klauspost/compress rather than the
// standard library's own (slower) implementation.
package cachearchive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/finnboeger/ultrastarfs/internal/cachetree"
)

// Reserved entry names within the archive. The builder writes other members
// only for lyric files (under their own path) and audio prefixes (with
// PartSuffix); it does not check source names against these.
const (
	ManifestName = "files.json"
	CoverDBName  = "cover.db"
)

// PartSuffix is appended to an audio file's source-relative path to name
// the archive member holding its cached leading bytes, e.g. "song.mp3"
// becomes the member "song.mp3.part".
const PartSuffix = ".part"

var registerOnce sync.Once

// registerCompressor wires klauspost/compress's flate into archive/zip's
// Deflate slot. Safe to call repeatedly; archive/zip has no unregister, so
// this only ever needs to happen once per process.
func registerCompressor() {
	registerOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		})
		zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
			return flate.NewReader(r)
		})
	})
}

// Writer accumulates the manifest and cover database into a new archive.
type Writer struct {
	f *os.File
	z *zip.Writer
}

// Create opens path for writing and returns a Writer ready for
// WriteManifest/WriteCoverDB.
func Create(path string) (*Writer, error) {
	registerCompressor()
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cachearchive: create %s: %w", path, err)
	}
	return &Writer{f: f, z: zip.NewWriter(f)}, nil
}

// WriteManifest serializes root as the archive's files.json entry.
func (w *Writer) WriteManifest(root *cachetree.Entry) error {
	entry, err := w.z.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("cachearchive: create %s entry: %w", ManifestName, err)
	}
	if err := cachetree.Encode(entry, root); err != nil {
		return fmt.Errorf("cachearchive: encode manifest: %w", err)
	}
	return nil
}

// WriteMember stores data under name as a Deflate-compressed archive
// member.
func (w *Writer) WriteMember(name string, data []byte) error {
	entry, err := w.z.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("cachearchive: create %s entry: %w", name, err)
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("cachearchive: write %s: %w", name, err)
	}
	return nil
}

// WriteLyricFile stores a lyric file's full contents under its
// source-relative path, per the "for each qualifying lyric file" archive
// layout rule.
func (w *Writer) WriteLyricFile(relPath string, data []byte) error {
	return w.WriteMember(relPath, data)
}

// WriteAudioPrefix stores an audio file's cached leading bytes under its
// source-relative path with PartSuffix appended.
func (w *Writer) WriteAudioPrefix(relPath string, data []byte) error {
	return w.WriteMember(relPath+PartSuffix, data)
}

// WriteCoverDB copies the file at dbPath into the archive's cover.db entry.
// The entry is stored (zip.Store) rather than deflated.
func (w *Writer) WriteCoverDB(dbPath string) error {
	src, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("cachearchive: open %s: %w", dbPath, err)
	}
	defer src.Close()

	entry, err := w.z.CreateHeader(&zip.FileHeader{Name: CoverDBName, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("cachearchive: create %s entry: %w", CoverDBName, err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("cachearchive: write %s: %w", CoverDBName, err)
	}
	return nil
}

// Close flushes and finalizes the zip central directory, then closes the
// underlying file.
func (w *Writer) Close() error {
	if err := w.z.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("cachearchive: close zip writer: %w", err)
	}
	return w.f.Close()
}

// Reader opens an existing archive for lookups by the overlay and the
// importer.
type Reader struct {
	rc *zip.ReadCloser
}

// Open opens the archive at path for reading.
func Open(path string) (*Reader, error) {
	registerCompressor()
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("cachearchive: open %s: %w", path, err)
	}
	return &Reader{rc: rc}, nil
}

// Close releases the underlying archive file.
func (r *Reader) Close() error {
	return r.rc.Close()
}

func (r *Reader) find(name string) (*zip.File, error) {
	for _, f := range r.rc.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("cachearchive: entry %q not found", name)
}

// Manifest decodes the archive's files.json entry into a cache tree.
func (r *Reader) Manifest() (*cachetree.Entry, error) {
	f, err := r.find(ManifestName)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("cachearchive: open %s: %w", ManifestName, err)
	}
	defer rc.Close()
	return cachetree.Decode(rc)
}

// HasCoverDB reports whether the archive carries a cover database entry.
func (r *Reader) HasCoverDB() bool {
	_, err := r.find(CoverDBName)
	return err == nil
}

// HasMember reports whether name exists as an archive member.
func (r *Reader) HasMember(name string) bool {
	_, err := r.find(name)
	return err == nil
}

// ReadMember opens and fully reads the member named name.
func (r *Reader) ReadMember(name string) ([]byte, error) {
	f, err := r.find(name)
	if err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("cachearchive: open %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("cachearchive: read %s: %w", name, err)
	}
	return data, nil
}

// LyricFile returns a cached lyric file's full contents.
func (r *Reader) LyricFile(relPath string) ([]byte, error) {
	return r.ReadMember(relPath)
}

// AudioPrefix returns an audio file's cached leading bytes, if the archive
// carries a PartSuffix member for relPath.
func (r *Reader) AudioPrefix(relPath string) (data []byte, ok bool, err error) {
	name := relPath + PartSuffix
	if !r.HasMember(name) {
		return nil, false, nil
	}
	data, err = r.ReadMember(name)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ExtractCoverDB copies the archive's cover.db entry out to destPath, so
// database/sql can open it directly (sqlite needs a real path, not an
// in-archive reader).
func (r *Reader) ExtractCoverDB(destPath string) error {
	f, err := r.find(CoverDBName)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("cachearchive: open %s: %w", CoverDBName, err)
	}
	defer rc.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("cachearchive: create %s: %w", destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("cachearchive: extract %s: %w", CoverDBName, err)
	}
	return nil
}
