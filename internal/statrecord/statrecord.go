//go:build linux

// Package statrecord converts between raw OS stat results and a
// serializable, endian-stable attribute record that can be round-tripped
// through JSON as part of the cache tree.
package statrecord

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind identifies the type of a filesystem entry. It mirrors the subset of
// POSIX file types the cache can describe.
type Kind int

const (
	KindDirectory Kind = iota
	KindRegular
	KindSymlink
	KindBlockDevice
	KindCharDevice
	KindNamedPipe
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegular:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindBlockDevice:
		return "block-device"
	case KindCharDevice:
		return "char-device"
	case KindNamedPipe:
		return "named-pipe"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Time is a bit-exact, JSON-stable timestamp: seconds and nanoseconds since
// the Unix epoch, stored separately so serialization never runs through a
// lossy floating point or locale-dependent representation.
type Time struct {
	Sec  int64 `json:"sec"`
	Nsec int32 `json:"nsec"`
}

// Record is the transport-neutral stat bundle stored in the cache tree and
// served back to FUSE callers.
type Record struct {
	Size    uint64 `json:"size"`
	Blocks  uint64 `json:"blocks"`
	Atime   Time   `json:"atime"`
	Mtime   Time   `json:"mtime"`
	Ctime   Time   `json:"ctime"`
	Crtime  Time   `json:"crtime"`
	Kind    Kind   `json:"kind"`
	Perm    uint16 `json:"perm"`
	Nlink   uint32 `json:"nlink"`
	Uid     uint32 `json:"uid"`
	Gid     uint32 `json:"gid"`
	Rdev    uint32 `json:"rdev"`
	Flags   uint32 `json:"flags"`
}

// KindFromMode derives a Kind from the type bits of a raw stat mode. Unknown
// type bits are a fatal error during cache construction: the source tree is
// required to contain only the supported kinds.
func KindFromMode(mode uint32) (Kind, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return KindDirectory, nil
	case unix.S_IFREG:
		return KindRegular, nil
	case unix.S_IFLNK:
		return KindSymlink, nil
	case unix.S_IFBLK:
		return KindBlockDevice, nil
	case unix.S_IFCHR:
		return KindCharDevice, nil
	case unix.S_IFIFO:
		return KindNamedPipe, nil
	case unix.S_IFSOCK:
		return KindSocket, nil
	default:
		return 0, fmt.Errorf("unknown file type in mode %#o", mode)
	}
}

// FromStat converts a raw stat_t into a Record. crtime is always zero: this
// codec targets Linux, where birth time isn't reliably available through the
// stat/statx fallback path rawfs uses.
func FromStat(st *unix.Stat_t) (Record, error) {
	kind, err := KindFromMode(uint32(st.Mode))
	if err != nil {
		return Record{}, err
	}
	return Record{
		Size:   uint64(st.Size),
		Blocks: uint64(st.Blocks),
		Atime:  Time{Sec: int64(st.Atim.Sec), Nsec: int32(st.Atim.Nsec)},
		Mtime:  Time{Sec: int64(st.Mtim.Sec), Nsec: int32(st.Mtim.Nsec)},
		Ctime:  Time{Sec: int64(st.Ctim.Sec), Nsec: int32(st.Ctim.Nsec)},
		Kind:   kind,
		Perm:   uint16(st.Mode) & 07777,
		Nlink:  uint32(st.Nlink),
		Uid:    st.Uid,
		Gid:    st.Gid,
		Rdev:   uint32(st.Rdev),
	}, nil
}

// ClearWriteBits reflects that lyric files are served read-only regardless
// of their permissions on the backing store: perm &= 0o5555.
func (r Record) ClearWriteBits() Record {
	r.Perm &= 05555
	return r
}

// ModeBits reconstructs a full st_mode-shaped value (type bits | perm) for
// callers that want to hand the kind+perm pair to something mode-shaped.
func (r Record) ModeBits() uint32 {
	var typeBits uint32
	switch r.Kind {
	case KindDirectory:
		typeBits = unix.S_IFDIR
	case KindRegular:
		typeBits = unix.S_IFREG
	case KindSymlink:
		typeBits = unix.S_IFLNK
	case KindBlockDevice:
		typeBits = unix.S_IFBLK
	case KindCharDevice:
		typeBits = unix.S_IFCHR
	case KindNamedPipe:
		typeBits = unix.S_IFIFO
	case KindSocket:
		typeBits = unix.S_IFSOCK
	}
	return typeBits | uint32(r.Perm)
}
