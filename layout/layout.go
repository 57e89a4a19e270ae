// Package layout defines every GPU-shared, packed little-endian record
// used across the indirect rendering core and validates their byte sizes
// at process start.
//
// Every record is shared with compute shaders; a struct whose Go layout
// silently drifts from its documented byte size would corrupt every
// downstream buffer. New panics the moment any size check
// fails, mirroring a static_assert failing at process start.
package layout

import (
	"fmt"
	"unsafe"
)

// IndirectDraw is the standard 20-byte MultiDrawElementsIndirect record.
type IndirectDraw struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    uint32
	BaseInstance  uint32
}

const ExpectedIndirectDrawSize = 20

// SceneCommand is the 192-byte GPU-shared record describing one renderable
// submesh. reserved1 doubles as source_index: the command's
// own live slot, rewritten on every swap-remove.
type SceneCommand struct {
	MeshID           uint32
	SubmeshID        uint32
	MaterialID       uint32
	RenderPass       uint32
	InstanceCount    uint32
	LayerMask        uint32
	RenderDistance   float32
	WorldMatrix      [16]float32
	PrevWorldMatrix  [16]float32
	Flags            uint32
	LOD              uint32
	ShaderProgramID  uint32
	BoundingSphere   [4]float32
	Reserved0        uint32
	Reserved1        uint32 // source_index: own live slot index
}

const ExpectedSceneCommandSize = 192

// MeshDataEntry maps a mesh id to its atlas offsets.
type MeshDataEntry struct {
	IndexCount   uint32
	FirstIndex   uint32
	FirstVertex  uint32
	BaseInstance uint32
}

const ExpectedMeshDataEntrySize = 16

// SortKey is the packed quad used by the GPU-batching BuildKeys stage.
type SortKey struct {
	PassPipelineState uint32
	MaterialID        uint32
	MeshID            uint32
	SourceIndex       uint32
}

const ExpectedSortKeySize = 16

// BatchRangeEntry describes one contiguous material batch within the
// culled/sorted command range.
type BatchRangeEntry struct {
	DrawOffset uint32
	DrawCount  uint32
	MaterialID uint32
}

const ExpectedBatchRangeEntrySize = 12

// StatsBlock is the per-pass counter block; it pads to 64
// bytes with reserved slots, matching the "bvh_* timing counters (lo/hi
// pairs)" field described in the wire layout.
type StatsBlock struct {
	InputCount       uint32
	CulledCount      uint32
	DrawnCount       uint32
	RejectedFrustum  uint32
	RejectedDistance uint32
	BVHBuildMicrosLo uint32
	BVHBuildMicrosHi uint32
	BVHRefitMicrosLo uint32
	BVHRefitMicrosHi uint32
	Reserved         [7]uint32
}

const ExpectedStatsBlockSize = 64

// ViewDescriptor carries the render-pass mask and view kind/params.
type ViewDescriptor struct {
	RenderPassMask uint64
	ViewKind       uint32
	Flags          uint32
	Viewport       [4]float32
}

const ExpectedViewDescriptorSize = 32

// ViewConstants carries the per-view matrices and camera parameters
// uploaded to the triple-buffered ring.
type ViewConstants struct {
	ViewProj       [16]float32
	View           [16]float32
	Proj           [16]float32
	PrevViewProj   [16]float32
	CameraPosition [4]float32
	Near           float32
	Far            float32
	Flags          uint32
	Reserved       uint32
}

const ExpectedViewConstantsSize = 288

// Registry exposes the validated constants; every other component takes
// one by reference instead of reading package-level values directly, so a
// future "two registries with different shader variants" embedding stays
// possible without global state.
type Registry struct {
	IndirectDrawStride  int
	SceneCommandStride  int
	MeshDataEntryStride int
	SortKeyStride       int
	BatchRangeStride    int
	StatsBlockStride    int
	ViewDescriptorSize  int
	ViewConstantsSize   int
}

// New validates every record's byte size and returns the registry.
// It panics on mismatch: a LayoutMismatch is fatal at init.
func New() *Registry {
	check("IndirectDraw", unsafe.Sizeof(IndirectDraw{}), ExpectedIndirectDrawSize)
	check("SceneCommand", unsafe.Sizeof(SceneCommand{}), ExpectedSceneCommandSize)
	check("MeshDataEntry", unsafe.Sizeof(MeshDataEntry{}), ExpectedMeshDataEntrySize)
	check("SortKey", unsafe.Sizeof(SortKey{}), ExpectedSortKeySize)
	check("BatchRangeEntry", unsafe.Sizeof(BatchRangeEntry{}), ExpectedBatchRangeEntrySize)
	check("StatsBlock", unsafe.Sizeof(StatsBlock{}), ExpectedStatsBlockSize)
	check("ViewDescriptor", unsafe.Sizeof(ViewDescriptor{}), ExpectedViewDescriptorSize)
	check("ViewConstants", unsafe.Sizeof(ViewConstants{}), ExpectedViewConstantsSize)

	return &Registry{
		IndirectDrawStride:  ExpectedIndirectDrawSize,
		SceneCommandStride:  ExpectedSceneCommandSize,
		MeshDataEntryStride: ExpectedMeshDataEntrySize,
		SortKeyStride:       ExpectedSortKeySize,
		BatchRangeStride:    ExpectedBatchRangeEntrySize,
		StatsBlockStride:    ExpectedStatsBlockSize,
		ViewDescriptorSize:  ExpectedViewDescriptorSize,
		ViewConstantsSize:   ExpectedViewConstantsSize,
	}
}

func check(name string, got uintptr, want int) {
	if got != uintptr(want) {
		panic(fmt.Sprintf("layout mismatch: sizeof(%s) = %d, expected %d — refusing to initialize", name, got, want))
	}
}
