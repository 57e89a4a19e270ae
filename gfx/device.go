// Package gfx names the abstract graphics-API surface the indirect
// rendering core requires from its host: storage buffer
// create/resize/map-read/unmap, compute dispatch, binding, memory
// barriers, MultiDrawElementsIndirectCount, and mip-chain textures.
//
// The core never authors shaders or owns a swapchain — those stay the
// host's concern, passed in as opaque collaborators. What lives here is
// only the seam: a Device interface plus two implementations, a
// cogentcore/webgpu-backed one for real buffer/texture residency and a
// software one used by the compute-stage reference implementation in
// package renderpass and by tests.
package gfx

import "fmt"

// Buffer is a GPU-resident byte range. MapRead/Unmap model a
// persistently-mapped readback: always the previous frame's values,
// never a same-frame stall.
type Buffer interface {
	Label() string
	Size() uint64
	Write(offset uint64, data []byte) error
	MapRead() ([]byte, error)
	Unmap()
}

// Texture is a 2D mip-chained image, used for the Hi-Z pyramid.
type Texture interface {
	Label() string
	Width() uint32
	Height() uint32
	MipLevels() uint32
}

// ComputeProgram is an opaque handle to a compiled compute kernel; this
// module never constructs one from source, shader authoring is a host
// concern.
type ComputeProgram interface {
	Name() string
}

// Device is the abstract graphics API a RenderPass and OcclusionEngine
// are built against.
type Device interface {
	CreateStorageBuffer(label string, size uint64) (Buffer, error)
	ResizeStorageBuffer(buf Buffer, newSize uint64) (Buffer, error)
	// CreateParameterBuffer allocates a count/parameter buffer. These
	// are explicitly NOT persistently mapped (driver stall risk) —
	// mapping happens read-only, on demand, via MapRead.
	CreateParameterBuffer(label string, size uint64) (Buffer, error)
	// CreatePersistentBuffer allocates a flag/stats buffer. Unlike a
	// parameter buffer, it is left mapped after MapRead until Unmap.
	CreatePersistentBuffer(label string, size uint64) (Buffer, error)

	CreateComputeProgram(label string) (ComputeProgram, error)
	Dispatch(prog ComputeProgram, groupsX, groupsY, groupsZ uint32)
	BindStorage(slot uint32, buf Buffer)
	BindParameter(slot uint32, buf Buffer)
	BindIndirectDraw(buf Buffer)
	SetUniforms(data []byte)
	MemoryBarrier()
	MultiDrawIndirectCount(indirect Buffer, countBuf Buffer, maxDraws uint32, stride uint32)

	CreateMipTexture(label string, width, height, mipLevels uint32) (Texture, error)
	BindImage(slot uint32, tex Texture, mip uint32)
	BindSampler(slot uint32, tex Texture)
}

// ErrBufferTooSmall is returned by Write when data would overrun buf.
var ErrBufferTooSmall = fmt.Errorf("gfx: write would overrun buffer")
