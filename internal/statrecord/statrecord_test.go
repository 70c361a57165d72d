//go:build linux

package statrecord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestKindFromMode(t *testing.T) {
	cases := []struct {
		mode uint32
		want Kind
	}{
		{unix.S_IFDIR | 0755, KindDirectory},
		{unix.S_IFREG | 0644, KindRegular},
		{unix.S_IFLNK | 0777, KindSymlink},
		{unix.S_IFBLK, KindBlockDevice},
		{unix.S_IFCHR, KindCharDevice},
		{unix.S_IFIFO, KindNamedPipe},
		{unix.S_IFSOCK, KindSocket},
	}
	for _, c := range cases {
		got, err := KindFromMode(c.mode)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestKindFromModeUnknown(t *testing.T) {
	_, err := KindFromMode(0)
	assert.Error(t, err)
}

func TestFromStatRoundTripsModeBits(t *testing.T) {
	var st unix.Stat_t
	st.Mode = unix.S_IFREG | 0644
	st.Size = 1024
	st.Uid = 1000
	st.Gid = 1000

	rec, err := FromStat(&st)
	require.NoError(t, err)
	assert.Equal(t, KindRegular, rec.Kind)
	assert.Equal(t, uint16(0644), rec.Perm)
	assert.Equal(t, uint64(1024), rec.Size)
	assert.Equal(t, uint32(unix.S_IFREG|0644), rec.ModeBits())
}

func TestClearWriteBitsStripsWritePermissions(t *testing.T) {
	rec := Record{Perm: 0777}
	cleared := rec.ClearWriteBits()
	assert.Equal(t, uint16(0555), cleared.Perm)

	// Original is untouched; ClearWriteBits returns a copy.
	assert.Equal(t, uint16(0777), rec.Perm)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "directory", KindDirectory.String())
	assert.Equal(t, "file", KindRegular.String())
	assert.Equal(t, "symlink", KindSymlink.String())
}
