package gfx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBuffer_WriteRejectsOutOfBounds(t *testing.T) {
	buf := NewMemoryBuffer("test", 4)
	require.ErrorIs(t, buf.Write(2, []byte{1, 2, 3}), ErrBufferTooSmall)
}

func TestMemoryBuffer_MapReadReturnsACopyNotTheLiveSlice(t *testing.T) {
	buf := NewMemoryBuffer("test", 4)
	require.NoError(t, buf.Write(0, []byte{1, 2, 3, 4}))

	snapshot, err := buf.MapRead()
	require.NoError(t, err)

	require.NoError(t, buf.Write(0, []byte{9, 9, 9, 9}))
	require.Equal(t, []byte{1, 2, 3, 4}, snapshot)
	require.Equal(t, []byte{9, 9, 9, 9}, buf.Bytes())
}

func TestMemoryBuffer_ResizePreservesOverlappingPrefix(t *testing.T) {
	buf := NewMemoryBuffer("test", 4)
	require.NoError(t, buf.Write(0, []byte{1, 2, 3, 4}))

	buf.Resize(8)
	require.Equal(t, uint64(8), buf.Size())
	require.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0}, buf.Bytes())
}

func TestMemoryTexture_MipLevelsHalveUntilOne(t *testing.T) {
	tex := NewMemoryTexture("hiz", 8, 4, 4)
	require.Equal(t, uint32(4), tex.MipLevels())

	w, h, data := tex.Mip(2)
	require.Equal(t, uint32(2), w)
	require.Equal(t, uint32(1), h)
	require.Len(t, data, 2)
}

func TestSoftwareDevice_MemoryBarrierIncrementsBarrierCount(t *testing.T) {
	d := NewSoftwareDevice()
	require.Equal(t, 0, d.BarrierCount())

	d.MemoryBarrier()
	d.MemoryBarrier()
	require.Equal(t, 2, d.BarrierCount())
}
