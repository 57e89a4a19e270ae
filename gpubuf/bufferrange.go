// Package gpubuf encapsulates the raw byte moves mesh append/compaction
// and scene-command upload require into a safe, stride-checked helper,
// so every caller writes fixed-size elements at an index rather than
// hand-computing byte offsets.
package gpubuf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/gfx"
)

// ErrStrideMismatch is returned when a caller's element size does not
// match the stride WriteAt was built to assume.
var ErrStrideMismatch = fmt.Errorf("gpubuf: element size does not match buffer stride")

// WriteAt writes a contiguous run of fixed-size elements into buf at
// index*stride, asserting the caller's stride matches.
func WriteAt(buf gfx.Buffer, index int, stride int, data []byte) error {
	if len(data)%stride != 0 {
		return ErrStrideMismatch
	}
	return buf.Write(uint64(index*stride), data)
}

// PutFloat32LE encodes n little-endian float32 values.
func PutFloat32LE(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

// WriteVec3Range uploads values[lo:hi] of a vec3 array to buf at the
// matching byte range (stride 12).
func WriteVec3Range(buf gfx.Buffer, values []mgl32.Vec3, lo, hi int) error {
	flat := make([]float32, 0, (hi-lo)*3)
	for _, v := range values[lo:hi] {
		flat = append(flat, v.X(), v.Y(), v.Z())
	}
	return WriteAt(buf, lo, 12, PutFloat32LE(flat))
}

// WriteVec4Range uploads values[lo:hi] of a vec4 array (stride 16).
func WriteVec4Range(buf gfx.Buffer, values []mgl32.Vec4, lo, hi int) error {
	flat := make([]float32, 0, (hi-lo)*4)
	for _, v := range values[lo:hi] {
		flat = append(flat, v.X(), v.Y(), v.Z(), v.W())
	}
	return WriteAt(buf, lo, 16, PutFloat32LE(flat))
}

// WriteVec2Range uploads values[lo:hi] of a vec2 array (stride 8).
func WriteVec2Range(buf gfx.Buffer, values []mgl32.Vec2, lo, hi int) error {
	flat := make([]float32, 0, (hi-lo)*2)
	for _, v := range values[lo:hi] {
		flat = append(flat, v.X(), v.Y())
	}
	return WriteAt(buf, lo, 8, PutFloat32LE(flat))
}

// WriteUint32Range uploads values[lo:hi] of a u32 array (stride 4).
func WriteUint32Range(buf gfx.Buffer, values []uint32, lo, hi int) error {
	out := make([]byte, (hi-lo)*4)
	for i, v := range values[lo:hi] {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], v)
	}
	return WriteAt(buf, lo, 4, out)
}
