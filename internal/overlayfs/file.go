//go:build linux

package overlayfs

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"

	"github.com/finnboeger/ultrastarfs/internal/descriptor"
	"github.com/finnboeger/ultrastarfs/internal/handletable"
	"github.com/finnboeger/ultrastarfs/internal/rawfs"
)

// overlayFile is the nodefs.File handed back by Overlay.Open. It owns the
// handle-table entry for as long as the kernel keeps the file open, and
// forwards reads to the underlying descriptor state machine.
type overlayFile struct {
	nodefs.File

	desc    *descriptor.Descriptor
	handle  uint64
	handles *handletable.Table[descriptor.Descriptor]
}

func realRead(fd int, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := rawfs.Pread(fd, buf, offset)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Read serves size bytes at off from whichever source the descriptor
// currently resolves to, transparently awaiting a lazy open on first
// crossing into real-file territory.
func (f *overlayFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	data, err := f.desc.Read(off, len(dest), realRead)
	if err != nil {
		return nil, errnoToStatus(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

// Write always fails: the mount is read-only.
func (f *overlayFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	return 0, fuse.EACCES
}

// Flush is a no-op: there is never unwritten state to push back.
func (f *overlayFile) Flush() fuse.Status {
	return fuse.OK
}

// Fsync is a no-op for the same reason Flush is.
func (f *overlayFile) Fsync(flags int) fuse.Status {
	return fuse.OK
}

// Truncate always fails: the mount is read-only.
func (f *overlayFile) Truncate(size uint64) fuse.Status {
	return fuse.EACCES
}

// Release frees the handle-table entry and closes any OS descriptor the
// underlying Descriptor ended up opening.
func (f *overlayFile) Release() {
	if err := f.desc.Release(); err != nil {
		_ = err // best-effort close; nothing actionable for the caller
	}
	f.handles.Free(f.handle)
}
