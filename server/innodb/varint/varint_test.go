package varint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip32(t *testing.T) {
	values := []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0x0FFFFFFF, 0x10000000, 0xFFFFFFFF}
	for _, v := range values {
		buf := Write32(nil, v)
		require.Equal(t, Len32(v), len(buf))
		got, n, err := Read32(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestRoundTrip64(t *testing.T) {
	values := []uint64{0, 1, 0xFFFFFFFF, 0x100000000, 1 << 40, 1<<63 - 1}
	for _, v := range values {
		buf := Write64(nil, v)
		require.Equal(t, Len64(v), len(buf))
		got, n, err := Read64(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestRead32Truncated(t *testing.T) {
	buf := Write32(nil, 0x4000)
	_, _, err := Read32(buf[:1])
	require.Error(t, err)
}

func TestElidesZeroHighHalf(t *testing.T) {
	buf := Write64(nil, 42)
	require.Equal(t, byte(0), buf[0])
	buf2 := Write64(nil, 1<<40)
	require.Equal(t, byte(1), buf2[0])
}
