package descriptor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRead(contents map[int][]byte) func(fd int, offset int64, size int) ([]byte, error) {
	return func(fd int, offset int64, size int) ([]byte, error) {
		data, ok := contents[fd]
		if !ok {
			return nil, errors.New("unknown fd")
		}
		end := offset + int64(size)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if offset >= end {
			return nil, nil
		}
		return data[offset:end], nil
	}
}

func TestFileDescriptorReadsFromMemory(t *testing.T) {
	d := NewFile("lyrics.txt", []byte("hello world"))
	data, err := d.Read(0, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = d.Read(6, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
}

func TestPathDescriptorRejectsRead(t *testing.T) {
	d := NewPath("some/dir")
	_, err := d.Read(0, 10, nil)
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestLazyResolvesToHandleOnFirstUse(t *testing.T) {
	d := NewLazy(func() (int, error) { return 42, nil })
	assert.Equal(t, KindLazy, d.Kind())

	read := fakeRead(map[int][]byte{42: []byte("abcdef")})
	data, err := d.Read(0, 3, read)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, KindHandle, d.Kind())

	fd, ok := d.Fd()
	require.True(t, ok)
	assert.Equal(t, 42, fd)
}

func TestLazyResolvesToErrorOnFailure(t *testing.T) {
	boom := errors.New("boom")
	d := NewLazy(func() (int, error) { return -1, boom })

	_, err := d.Read(0, 3, fakeRead(nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindError, d.Kind())

	// A second read must fail the same way without panicking on a
	// second channel receive.
	_, err = d.Read(0, 3, fakeRead(nil))
	assert.ErrorIs(t, err, boom)
}

func TestLazyOpenRunsConcurrentlyWithCallerSetup(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := NewLazy(func() (int, error) {
		close(started)
		<-release
		return 7, nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("lazy open never started")
	}

	// The descriptor must still be usable for inspection without blocking
	// on the open.
	assert.Equal(t, KindLazy, d.Kind())

	close(release)
	read := fakeRead(map[int][]byte{7: []byte("xyz")})
	data, err := d.Read(0, 3, read)
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), data)
}

func TestCompositeServesPrefixThenProxiesToTail(t *testing.T) {
	prefix := []byte("PREFIX")
	opened := false
	release := make(chan struct{})
	tail := NewLazy(func() (int, error) {
		// The open starts at construction but is held here, so the prefix
		// read below only returns if it never waits on it.
		<-release
		opened = true
		return 9, nil
	})
	d := NewComposite("audio.mp3", prefix, tail)

	data, err := d.Read(0, len(prefix), nil)
	require.NoError(t, err)
	assert.Equal(t, prefix, data)
	assert.False(t, opened, "reading inside the prefix must not wait on the lazy open")

	close(release)
	read := fakeRead(map[int][]byte{9: append(append([]byte{}, prefix...), []byte("-REST")...)})
	data, err = d.Read(int64(len(prefix)), 5, read)
	require.NoError(t, err)
	assert.Equal(t, []byte("-REST"), data)
	assert.True(t, opened)
}

func TestHandleDescriptorReadsViaRealRead(t *testing.T) {
	d := NewHandle(3)
	read := fakeRead(map[int][]byte{3: []byte("0123456789")})
	data, err := d.Read(2, 4, read)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), data)
}
