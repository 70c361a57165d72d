// Package descriptor implements the per-open-file state machine described
// in the design: a tagged variant over a bare path, a resolved OS handle, a
// pending lazy open, an in-memory byte cursor, or a composite
// prefix-then-tail reader. All but Path/Handle/File/Error may mutate
// in-place the first time they're used; callers always go through Resolve
// before Read/Write/stat-by-handle.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/finnboeger/ultrastarfs/internal/rawfs"
)

// Kind discriminates the descriptor variant.
type Kind int

const (
	KindPath Kind = iota
	KindHandle
	KindLazy
	KindFile
	KindComposite
	KindError
)

// ErrIsDirectory is returned by Read when called on a Path descriptor
// (opendir placeholder), matching EISDIR at the overlay boundary.
var ErrIsDirectory = errors.New("is a directory")

// lazyResult is what a lazy-open worker goroutine sends, exactly once, on
// its result channel.
type lazyResult struct {
	fd  int
	err error
}

// OpenFunc performs the blocking open that a Lazy descriptor waits on.
type OpenFunc func() (fd int, err error)

// Descriptor is the tagged variant. The zero value is not valid; use one of
// the New* constructors.
type Descriptor struct {
	mu sync.Mutex

	kind Kind
	path string // Path, File, Composite

	fd int // Handle

	lazyCh chan lazyResult // Lazy
	err    error           // Error (sticky)

	cursor *bytes.Reader // File

	prefix    []byte      // Composite
	prefixLen int64       // Composite
	tail      *Descriptor // Composite: boxed Lazy/Handle/Error
}

// NewPath builds a placeholder descriptor for an opened cached entry or a
// directory open.
func NewPath(path string) *Descriptor {
	return &Descriptor{kind: KindPath, path: path}
}

// NewHandle wraps an already-resolved OS descriptor.
func NewHandle(fd int) *Descriptor {
	return &Descriptor{kind: KindHandle, fd: fd}
}

// NewFile wraps fully-cached in-memory bytes behind a seekable cursor.
func NewFile(path string, data []byte) *Descriptor {
	return &Descriptor{kind: KindFile, path: path, cursor: bytes.NewReader(data)}
}

// NewLazy spawns a goroutine that runs open and stores its outcome on a
// buffered (capacity 1) channel; the caller keeps the receiver side
// immediately while the open proceeds concurrently.
func NewLazy(open OpenFunc) *Descriptor {
	ch := make(chan lazyResult, 1)
	go func() {
		fd, err := open()
		ch <- lazyResult{fd: fd, err: err}
	}()
	return &Descriptor{kind: KindLazy, lazyCh: ch}
}

// NewComposite builds a descriptor that serves prefix from memory for reads
// below len(prefix), and proxies to tail (normally a Lazy real open) once
// the read offset reaches or exceeds the prefix length.
func NewComposite(path string, prefix []byte, tail *Descriptor) *Descriptor {
	return &Descriptor{
		kind:      KindComposite,
		path:      path,
		prefix:    prefix,
		prefixLen: int64(len(prefix)),
		tail:      tail,
	}
}

// Kind reports the descriptor's current variant. For Lazy/Composite this
// reflects state *before* any resolution; call Resolve first if you need
// the post-resolution kind.
func (d *Descriptor) Kind() Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kind
}

// Path returns the path associated with a Path/File/Composite descriptor.
func (d *Descriptor) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// resolveLocked blocks once on the lazy channel if we're still Lazy,
// transitioning to Handle or Error. Must be called with d.mu held.
func (d *Descriptor) resolveLocked() {
	if d.kind != KindLazy {
		return
	}
	res, ok := <-d.lazyCh
	if !ok {
		// The worker is documented to send exactly once; a closed channel
		// with no value is a programming error, not a runtime condition to
		// recover from.
		panic("descriptor: lazy open channel closed without a result")
	}
	if res.err != nil {
		d.kind = KindError
		d.err = res.err
		return
	}
	d.kind = KindHandle
	d.fd = res.fd
}

// Resolve advances Lazy to Handle/Error unconditionally, and advances a
// Composite's tail once offset reaches or exceeds the prefix length. It is
// a no-op for Path/Handle/File/Error. Any sequence of reads whose offsets
// never reach the prefix length never blocks on the lazy open underneath a
// Composite.
func (d *Descriptor) Resolve(offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.kind {
	case KindLazy:
		d.resolveLocked()
	case KindComposite:
		if offset >= d.prefixLen {
			d.tail.mu.Lock()
			d.tail.resolveLocked()
			d.tail.mu.Unlock()
		}
	}
	if d.kind == KindError {
		return d.err
	}
	return nil
}

// Fd returns the resolved OS descriptor. Callers must have already called
// Resolve (directly, or via Read/Release) so the variant is settled.
func (d *Descriptor) Fd() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kind == KindHandle {
		return d.fd, true
	}
	if d.kind == KindComposite {
		d.tail.mu.Lock()
		defer d.tail.mu.Unlock()
		if d.tail.kind == KindHandle {
			return d.tail.fd, true
		}
	}
	return 0, false
}

// Read serves size bytes starting at offset from whichever source is
// currently appropriate, resolving lazily opened state as needed.
//
// realRead is used for Handle/Composite-tail variants to perform the actual
// pread against the backing descriptor; it's injected so this package never
// needs rawfs's platform build tag itself beyond the thin realRead call.
func (d *Descriptor) Read(offset int64, size int, realRead func(fd int, offset int64, size int) ([]byte, error)) ([]byte, error) {
	if err := d.Resolve(offset); err != nil {
		return nil, err
	}
	d.mu.Lock()
	kind := d.kind
	d.mu.Unlock()

	switch kind {
	case KindPath:
		return nil, ErrIsDirectory
	case KindFile:
		return readCursor(d.cursor, offset, size)
	case KindHandle:
		return realRead(d.fd, offset, size)
	case KindComposite:
		return d.readComposite(offset, size, realRead)
	case KindError:
		return nil, d.err
	default:
		return nil, fmt.Errorf("descriptor: unexpected kind %d", kind)
	}
}

func (d *Descriptor) readComposite(offset int64, size int, realRead func(fd int, offset int64, size int) ([]byte, error)) ([]byte, error) {
	if offset < d.prefixLen {
		end := offset + int64(size)
		if end > d.prefixLen {
			end = d.prefixLen
		}
		if offset >= end {
			return nil, nil
		}
		return append([]byte(nil), d.prefix[offset:end]...), nil
	}
	fd, ok := d.Fd()
	if !ok {
		d.tail.mu.Lock()
		err := d.tail.err
		d.tail.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, errors.New("descriptor: composite tail not resolved")
	}
	return realRead(fd, offset, size)
}

func readCursor(r *bytes.Reader, offset int64, size int) ([]byte, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Release tears down the descriptor. An open still in flight (a Lazy
// descriptor, or a Composite's tail) is waited for first, so a descriptor
// it produces is not leaked; the backing OS descriptor is then closed when
// one was opened (Handle, or a Composite whose tail resolved to a Handle).
// Path/File/Error release for free.
func (d *Descriptor) Release() error {
	d.mu.Lock()
	d.resolveLocked()
	if d.kind == KindComposite && d.tail != nil {
		d.tail.mu.Lock()
		d.tail.resolveLocked()
		d.tail.mu.Unlock()
	}
	kind := d.kind
	fd := d.fd
	tail := d.tail
	d.mu.Unlock()

	switch kind {
	case KindHandle:
		return rawfs.Close(fd)
	case KindComposite:
		if tail == nil {
			return nil
		}
		tail.mu.Lock()
		tk, tfd := tail.kind, tail.fd
		tail.mu.Unlock()
		if tk == KindHandle {
			return rawfs.Close(tfd)
		}
		return nil
	default:
		return nil
	}
}
