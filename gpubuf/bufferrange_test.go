package gpubuf

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/BlackJaxDev/xrengine-indirect/gfx"
)

func TestWriteAt_RejectsStrideMismatch(t *testing.T) {
	buf := gfx.NewMemoryBuffer("test", 64)
	err := WriteAt(buf, 0, 12, make([]byte, 10))
	require.ErrorIs(t, err, ErrStrideMismatch)
}

func TestWriteAt_WritesAtIndexTimesStride(t *testing.T) {
	buf := gfx.NewMemoryBuffer("test", 64)
	data := PutFloat32LE([]float32{1, 2, 3})
	require.NoError(t, WriteAt(buf, 1, 12, data))

	raw := buf.Bytes()
	require.Equal(t, data, raw[12:24])
}

func TestWriteVec3Range_UploadsOnlyTheGivenSlice(t *testing.T) {
	buf := gfx.NewMemoryBuffer("test", 36)
	values := []mgl32.Vec3{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}}
	require.NoError(t, WriteVec3Range(buf, values, 1, 3))

	raw := buf.Bytes()
	require.Equal(t, PutFloat32LE([]float32{2, 2, 2, 3, 3, 3}), raw[12:36])
}

func TestWriteUint32Range_UploadsLittleEndian(t *testing.T) {
	buf := gfx.NewMemoryBuffer("test", 16)
	require.NoError(t, WriteUint32Range(buf, []uint32{10, 20, 30, 40}, 0, 4))

	raw := buf.Bytes()
	require.Equal(t, byte(10), raw[0])
	require.Equal(t, byte(20), raw[4])
}
