//go:build linux

// Package overlayfs wires the cache tree, the handle table, and the
// descriptor state machine together behind a pathfs.FileSystem: every read
// path is served from the cache when the cache has an answer, and falls
// through to the real source tree otherwise. The mount is read-only:
// mutating operations return ENOSYS, and writing or truncating file
// content returns EACCES.
package overlayfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/finnboeger/ultrastarfs/internal/cachearchive"
	"github.com/finnboeger/ultrastarfs/internal/cachetree"
	"github.com/finnboeger/ultrastarfs/internal/coverdb"
	"github.com/finnboeger/ultrastarfs/internal/descriptor"
	"github.com/finnboeger/ultrastarfs/internal/handletable"
	"github.com/finnboeger/ultrastarfs/internal/rawfs"
	"github.com/finnboeger/ultrastarfs/internal/statrecord"
)

// Overlay is the read-accelerating filesystem. It embeds pathfs's default
// implementation so every operation this package doesn't explicitly
// override already answers sensibly (ENOSYS); the mutating operations are
// also answered explicitly below.
type Overlay struct {
	pathfs.FileSystem

	sourceRoot string
	tree       *cachetree.Entry
	archive    *cachearchive.Reader
	handles    *handletable.Table[descriptor.Descriptor]
	log        *logrus.Logger
}

// Options configures a new Overlay.
type Options struct {
	SourceRoot  string
	ArchivePath string
	Log         *logrus.Logger

	// ImportDBPath, when non-empty, names a destination cover database that
	// the archive's cover.db (if any) is imported into once at mount time.
	// The import is transient: both databases are opened, the rows copied,
	// and both closed again before New returns. No cover database is held
	// open for the life of the mount, since no filesystem operation ever
	// queries one.
	ImportDBPath string
}

// New opens the archive at opts.ArchivePath and returns an Overlay ready to
// be mounted over opts.SourceRoot.
func New(opts Options) (*Overlay, error) {
	archive, err := cachearchive.Open(opts.ArchivePath)
	if err != nil {
		return nil, err
	}
	tree, err := archive.Manifest()
	if err != nil {
		archive.Close()
		return nil, err
	}

	o := &Overlay{
		FileSystem: pathfs.NewDefaultFileSystem(),
		sourceRoot: opts.SourceRoot,
		tree:       tree,
		archive:    archive,
		handles:    handletable.New[descriptor.Descriptor](),
		log:        opts.Log,
	}

	if opts.ImportDBPath != "" && archive.HasCoverDB() {
		if err := o.importCoverDB(opts.ImportDBPath); err != nil {
			o.log.WithError(err).Warn("cover database import failed")
		}
	}

	return o, nil
}

// importCoverDB extracts the archive's cover.db to a scratch file, opens
// destPath (creating it if needed), and copies every importable row into
// it with each source-relative filename prefixed by the last path
// component of the mount's source root. Failure
// here is never fatal to the mount: it's logged by the caller and New
// proceeds regardless.
func (o *Overlay) importCoverDB(destPath string) error {
	scratch := filepath.Join(os.TempDir(), "ultrastarfs-import-cover.db")
	defer os.Remove(scratch)
	if err := o.archive.ExtractCoverDB(scratch); err != nil {
		return fmt.Errorf("extract source cover database: %w", err)
	}

	src, err := coverdb.Open(scratch)
	if err != nil {
		return fmt.Errorf("open source cover database: %w", err)
	}
	defer src.Close()

	dest, err := coverdb.Open(destPath)
	if err != nil {
		return fmt.Errorf("open destination cover database: %w", err)
	}
	defer dest.Close()

	rewrite := func(name string) string {
		return filepath.Join(filepath.Base(o.sourceRoot), name)
	}

	imported, err := coverdb.Import(dest, src, rewrite, o.log)
	if err != nil {
		return fmt.Errorf("import rows: %w", err)
	}
	o.log.WithField("imported", imported).Info("cover database import complete")
	return nil
}

// Close releases the archive.
func (o *Overlay) Close() error {
	return o.archive.Close()
}

func (o *Overlay) realPath(name string) string {
	return filepath.Join(o.sourceRoot, name)
}

// GetAttr answers from the cache tree when the path is cached, and falls
// through to a real lstat otherwise.
func (o *Overlay) GetAttr(name string, _ *fuse.Context) (*fuse.Attr, fuse.Status) {
	if entry, err := cachetree.Find(o.tree, name); err == nil {
		attr := entry.Stat.ToAttr()
		return &attr, fuse.OK
	}

	st, err := rawfs.Lstat(o.realPath(name))
	if err != nil {
		return nil, errnoToStatus(err)
	}
	rec, err := statrecord.FromStat(&st)
	if err != nil {
		return nil, fuse.EIO
	}
	attr := rec.ToAttr()
	return &attr, fuse.OK
}

// OpenDir answers from the cache tree's sorted children when the directory
// is cached, and falls through to a raw directory read otherwise.
func (o *Overlay) OpenDir(name string, _ *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	if entry, err := cachetree.Find(o.tree, name); err == nil {
		if entry.Kind != cachetree.KindDirectory {
			return nil, fuse.ENOTDIR
		}
		out := make([]fuse.DirEntry, 0, len(entry.Children))
		for _, child := range entry.Children {
			out = append(out, fuse.DirEntry{
				Name: child.Name,
				Mode: child.Stat.ModeBits(),
			})
		}
		return out, fuse.OK
	}

	fd, err := rawfs.OpenDir(o.realPath(name))
	if err != nil {
		return nil, errnoToStatus(err)
	}
	defer rawfs.CloseDir(fd)

	raw, err := rawfs.ReadDir(fd)
	if err != nil {
		return nil, fuse.EIO
	}
	out := make([]fuse.DirEntry, 0, len(raw))
	for _, e := range raw {
		mode := dTypeToMode(e.Type)
		if e.Type == unix.DT_UNKNOWN {
			if st, err := rawfs.Lstat(filepath.Join(o.realPath(name), e.Name)); err == nil {
				mode = uint32(st.Mode) & unix.S_IFMT
			}
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return out, fuse.OK
}

// Open resolves name against the cache tree first: a lyric file with cached
// content opens as an in-memory File descriptor, an audio file with a
// cached prefix opens as a Composite descriptor backed by a lazily opened
// real file, and everything else (including anything not in the cache at
// all) opens the real path directly, returning the open's error if it
// fails. A cached entry whose archive member turns out to be missing falls
// back to a Lazy descriptor over the real path.
func (o *Overlay) Open(name string, flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	if flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		return nil, fuse.EACCES
	}

	real := o.realPath(name)
	relPath := strings.TrimPrefix(name, "/")
	var desc *descriptor.Descriptor

	entry, err := cachetree.Find(o.tree, name)
	switch {
	case err == nil && entry.Kind == cachetree.KindFile && entry.LyricCached:
		data, rerr := o.archive.LyricFile(relPath)
		if rerr != nil {
			o.log.WithError(rerr).WithField("path", relPath).Warn("cached lyric member missing from archive")
			desc = descriptor.NewLazy(func() (int, error) {
				return rawfs.Open(real, unix.O_RDONLY)
			})
			break
		}
		desc = descriptor.NewFile(name, data)

	case err == nil && entry.Kind == cachetree.KindFile && entry.AudioPrefixCached:
		prefix, ok, rerr := o.archive.AudioPrefix(relPath)
		if rerr != nil || !ok {
			if rerr != nil {
				o.log.WithError(rerr).WithField("path", relPath).Warn("cached audio prefix missing from archive")
			}
			desc = descriptor.NewLazy(func() (int, error) {
				return rawfs.Open(real, unix.O_RDONLY)
			})
			break
		}
		tail := descriptor.NewLazy(func() (int, error) {
			return rawfs.Open(real, unix.O_RDONLY)
		})
		desc = descriptor.NewComposite(name, prefix, tail)

	default:
		fd, oerr := rawfs.Open(real, unix.O_RDONLY)
		if oerr != nil {
			return nil, errnoToStatus(oerr)
		}
		desc = descriptor.NewHandle(fd)
	}

	handle := o.handles.Register(desc)
	return &overlayFile{
		File:    nodefs.NewDefaultFile(),
		desc:    desc,
		handle:  handle,
		handles: o.handles,
	}, fuse.OK
}

// Readlink passes through to the real filesystem; symlink targets aren't
// cached.
func (o *Overlay) Readlink(name string, _ *fuse.Context) (string, fuse.Status) {
	target, err := rawfs.Readlink(o.realPath(name))
	if err != nil {
		return "", errnoToStatus(err)
	}
	return target, fuse.OK
}

// GetXAttr passes through to the real filesystem.
func (o *Overlay) GetXAttr(name string, attribute string, _ *fuse.Context) ([]byte, fuse.Status) {
	size, err := rawfs.Lgetxattr(o.realPath(name), attribute, nil)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	buf := make([]byte, size)
	n, err := rawfs.Lgetxattr(o.realPath(name), attribute, buf)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	return buf[:n], fuse.OK
}

// ListXAttr passes through to the real filesystem.
func (o *Overlay) ListXAttr(name string, _ *fuse.Context) ([]string, fuse.Status) {
	size, err := rawfs.Llistxattr(o.realPath(name), nil)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	buf := make([]byte, size)
	n, err := rawfs.Llistxattr(o.realPath(name), buf)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	return splitXAttrNames(buf[:n]), fuse.OK
}

// StatFs reports real free-space information from the backing filesystem,
// since the cache archive itself isn't what's being measured.
func (o *Overlay) StatFs(name string) *fuse.StatfsOut {
	st, err := rawfs.Statfs(o.realPath(name))
	if err != nil {
		return nil
	}
	out := statrecord.StatfsFromRaw(&st)
	return &out
}

// Every mutating operation is explicitly refused: the mount is read-only by
// design. Truncating a path is a write to file content and gets EACCES;
// everything else gets ENOSYS.

func (o *Overlay) Chmod(string, uint32, *fuse.Context) fuse.Status         { return fuse.ENOSYS }
func (o *Overlay) Chown(string, uint32, uint32, *fuse.Context) fuse.Status { return fuse.ENOSYS }
func (o *Overlay) Truncate(string, uint64, *fuse.Context) fuse.Status      { return fuse.EACCES }
func (o *Overlay) Link(string, string, *fuse.Context) fuse.Status          { return fuse.ENOSYS }
func (o *Overlay) Mkdir(string, uint32, *fuse.Context) fuse.Status         { return fuse.ENOSYS }
func (o *Overlay) Mknod(string, uint32, uint32, *fuse.Context) fuse.Status { return fuse.ENOSYS }
func (o *Overlay) Rename(string, string, *fuse.Context) fuse.Status        { return fuse.ENOSYS }
func (o *Overlay) Rmdir(string, *fuse.Context) fuse.Status                 { return fuse.ENOSYS }
func (o *Overlay) Unlink(string, *fuse.Context) fuse.Status                { return fuse.ENOSYS }
func (o *Overlay) Symlink(string, string, *fuse.Context) fuse.Status       { return fuse.ENOSYS }
func (o *Overlay) RemoveXAttr(string, string, *fuse.Context) fuse.Status   { return fuse.ENOSYS }

func (o *Overlay) Utimens(string, *time.Time, *time.Time, *fuse.Context) fuse.Status {
	return fuse.ENOSYS
}

func (o *Overlay) SetXAttr(string, string, []byte, int, *fuse.Context) fuse.Status {
	return fuse.ENOSYS
}

func (o *Overlay) Create(string, uint32, uint32, *fuse.Context) (nodefs.File, fuse.Status) {
	return nil, fuse.ENOSYS
}

// errnoToStatus maps a syscall error into the nearest fuse.Status.
func errnoToStatus(err error) fuse.Status {
	errno, ok := err.(unix.Errno)
	if !ok {
		return fuse.EIO
	}
	return fuse.Status(errno)
}

// dTypeToMode converts a getdents64 d_type byte into the type bits of a
// stat mode, since that's all fuse.DirEntry.Mode needs for rendering the
// right icon/type in a directory listing.
func dTypeToMode(dtype uint8) uint32 {
	switch dtype {
	case unix.DT_DIR:
		return unix.S_IFDIR
	case unix.DT_REG:
		return unix.S_IFREG
	case unix.DT_LNK:
		return unix.S_IFLNK
	case unix.DT_BLK:
		return unix.S_IFBLK
	case unix.DT_CHR:
		return unix.S_IFCHR
	case unix.DT_FIFO:
		return unix.S_IFIFO
	case unix.DT_SOCK:
		return unix.S_IFSOCK
	default:
		return unix.S_IFREG
	}
}

// splitXAttrNames splits the NUL-separated buffer llistxattr fills.
func splitXAttrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
