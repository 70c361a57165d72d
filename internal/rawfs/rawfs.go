//go:build linux

// Package rawfs is the libc-wrapper boundary: a thin adapter exposing the
// blocking open/stat/readdir/close primitives the overlay needs as narrow Go
// functions over golang.org/x/sys/unix, returning syscall.Errno the way the
// functions they wrap would. Nothing here is policy; it's the named external
// interface the rest of the module is built against so that descriptor
// resolution and pass-through handling have one place to mock in tests.
package rawfs

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DirEntry is one entry returned by ReadDir, mirroring the name+type pair
// the kernel hands back from getdents64 without a full lstat.
type DirEntry struct {
	Name string
	Type uint8 // one of unix.DT_*, or unix.DT_UNKNOWN
}

// Open issues a blocking open(2) against path with the given flags.
func Open(path string, flags int) (fd int, err error) {
	fd, err = unix.Open(path, flags, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Close issues a blocking close(2).
func Close(fd int) error {
	return unix.Close(fd)
}

// Pread reads up to len(buf) bytes from fd at offset without disturbing the
// descriptor's own file position, so concurrent readers sharing one lazily
// opened fd never race each other's seeks.
func Pread(fd int, buf []byte, offset int64) (int, error) {
	return unix.Pread(fd, buf, offset)
}

// Fstat stats an already-open descriptor.
func Fstat(fd int) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstat(fd, &st)
	return st, err
}

// Lstat stats a path without following a trailing symlink.
func Lstat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Lstat(path, &st)
	return st, err
}

// Statfs passes through filesystem-level free-space information.
func Statfs(path string) (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	return st, err
}

// Readlink reads the target of a symlink.
func Readlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Lgetxattr reads an extended attribute without following symlinks. When
// dst is empty it returns the size the attribute would require.
func Lgetxattr(path, name string, dst []byte) (int, error) {
	return unix.Lgetxattr(path, name, dst)
}

// Llistxattr lists extended attribute names without following symlinks.
func Llistxattr(path string, dst []byte) (int, error) {
	return unix.Llistxattr(path, dst)
}

// OpenDir opens a directory for raw iteration, returning a descriptor
// suitable for ReadDir/CloseDir.
func OpenDir(path string) (fd int, err error) {
	return Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC)
}

// CloseDir closes a directory descriptor obtained from OpenDir.
func CloseDir(fd int) error {
	return unix.Close(fd)
}

// ReadDir drains every directory entry from fd via getdents64, skipping "."
// and "..". The descriptor's read offset is consumed; call it once per open
// directory.
func ReadDir(fd int) ([]DirEntry, error) {
	var entries []DirEntry
	buf := make([]byte, 8192)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return entries, err
		}
		if n <= 0 {
			return entries, nil
		}
		names, types, _ := parseDirent(buf[:n])
		for i, name := range names {
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, DirEntry{Name: name, Type: types[i]})
		}
	}
}

// parseDirent walks a getdents64 buffer, returning names alongside their
// d_type byte (unix.DT_UNKNOWN when the filesystem doesn't populate it).
func parseDirent(buf []byte) (names []string, types []uint8, consumed int) {
	origlen := len(buf)
	for len(buf) > 0 {
		reclen, ok := direntReclen(buf)
		if !ok || reclen > uint64(len(buf)) {
			break
		}
		rec := buf[:reclen]
		buf = buf[reclen:]
		name, ok := direntName(rec)
		if ok {
			names = append(names, name)
			types = append(types, direntType(rec))
		}
	}
	return names, types, origlen - len(buf)
}

// MkdirTemp is a small convenience used by the builder for the scratch
// directory that holds the cover database while it is being assembled.
func MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}
