//go:build linux

package statrecord

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// ToAttr re-emits the record as a fuse.Attr for overlay responses. atime,
// mtime and ctime round-trip to the nanosecond; crtime has no fuse.Attr
// counterpart and is dropped here (FUSE has no birth-time field).
func (r Record) ToAttr() fuse.Attr {
	return fuse.Attr{
		Size:      r.Size,
		Blocks:    r.Blocks,
		Atime:     uint64(r.Atime.Sec),
		Atimensec: uint32(r.Atime.Nsec),
		Mtime:     uint64(r.Mtime.Sec),
		Mtimensec: uint32(r.Mtime.Nsec),
		Ctime:     uint64(r.Ctime.Sec),
		Ctimensec: uint32(r.Ctime.Nsec),
		Mode:      r.ModeBits(),
		Nlink:     r.Nlink,
		Owner:     fuse.Owner{Uid: r.Uid, Gid: r.Gid},
		Rdev:      r.Rdev,
	}
}

// StatfsFromRaw converts a raw statfs_t into a fuse.StatfsOut, passed
// through from the backing filesystem. namelen/frsize are only meaningful
// on Linux, which is the only platform rawfs targets.
func StatfsFromRaw(st *unix.Statfs_t) fuse.StatfsOut {
	return fuse.StatfsOut{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		NameLen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}
}
