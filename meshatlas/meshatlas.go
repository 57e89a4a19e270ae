// Package meshatlas implements the bindless vertex/index store: five
// parallel GPU buffers (positions, normals, tangents, uv0, triangle
// indices) holding every resident mesh, indexed by per-mesh
// (first_vertex, first_index, index_count) offsets, refcounted by the
// number of live scene commands that reference each mesh.
//
// Structured after a sparse-voxel-brick pool's compaction-on-removal and
// buffer-growth idiom, generalized from fixed-size bricks to
// variable-length triangle meshes.
package meshatlas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/gpubuf"
	"github.com/BlackJaxDev/xrengine-indirect/internal/mathutil"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
)

var (
	ErrAlreadyResident           = errors.New("meshatlas: mesh already resident")
	ErrNotResident               = errors.New("meshatlas: mesh not resident")
	ErrEmptyVertices             = errors.New("meshatlas: mesh has no vertices")
	ErrNoIndices                 = errors.New("meshatlas: mesh has no indices")
	ErrUnsupportedTopology       = errors.New("meshatlas: only triangle-list topology is supported")
	ErrIndexCountNotMultipleOfThree = errors.New("meshatlas: index count is not a multiple of three")
)

// Topology names the primitive topology a Mesh was authored with. Only
// TriangleList is supported.
type Topology int

const (
	TriangleList Topology = iota
	TriangleStrip
	LineList
	PointList
)

// Mesh is the CPU-side description of one triangle-list mesh to append:
// vertex position (vec3), normal (vec3), tangent (vec4), uv0 (vec2), and
// triangle indices.
type Mesh struct {
	Topology  Topology
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	Tangents  []mgl32.Vec4
	UV0       []mgl32.Vec2
	Indices   []uint32
}

type offset struct {
	firstVertex uint32
	firstIndex  uint32
	indexCount  uint32
}

// Atlas is the bindless vertex/index store. All mutation happens on a
// single update thread (no concurrent writers); the render thread only
// reads the rebuilt GPU buffers.
type Atlas struct {
	ctx    *config.GpuRenderContext
	device gfx.Device

	mu sync.Mutex // serializes Append/Remove/refcount mutation against RebuildIfDirty

	positions []mgl32.Vec3
	normals   []mgl32.Vec3
	tangents  []mgl32.Vec4
	uv0       []mgl32.Vec2
	indices   []uint32

	offsets  map[uint32]offset
	refcount map[uint32]uint32

	dirty       bool
	dirtyVtxMin int
	dirtyVtxMax int
	dirtyIdxMin int
	dirtyIdxMax int

	version        uint64
	generationTag  string
	subscriber     chan uint64

	vertexCapacity uint32
	indexCapacity  uint32

	positionsBuf gfx.Buffer
	normalsBuf   gfx.Buffer
	tangentsBuf  gfx.Buffer
	uv0Buf       gfx.Buffer
	indexBuf     gfx.Buffer

	meshData []layout.MeshDataEntry // indexed by mesh id; slot 0 unused (ids are nonzero)
}

func New(ctx *config.GpuRenderContext, device gfx.Device) *Atlas {
	return &Atlas{
		ctx:        ctx,
		device:     device,
		offsets:    make(map[uint32]offset),
		refcount:   make(map[uint32]uint32),
		subscriber: make(chan uint64, 1),
		meshData:   make([]layout.MeshDataEntry, 1),
	}
}

// EnsureBuffers lazily creates the four vertex-attribute buffers
// (positions, normals, tangents, uv0) and the index buffer at a minimal
// starting capacity.
func (a *Atlas) EnsureBuffers() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureBuffersLocked()
}

func (a *Atlas) ensureBuffersLocked() error {
	if a.positionsBuf != nil {
		return nil
	}
	const startCap = 64
	a.vertexCapacity = startCap
	a.indexCapacity = startCap * 3

	var err error
	if a.positionsBuf, err = a.device.CreateStorageBuffer("atlas.positions", uint64(a.vertexCapacity)*12); err != nil {
		return err
	}
	if a.normalsBuf, err = a.device.CreateStorageBuffer("atlas.normals", uint64(a.vertexCapacity)*12); err != nil {
		return err
	}
	if a.tangentsBuf, err = a.device.CreateStorageBuffer("atlas.tangents", uint64(a.vertexCapacity)*16); err != nil {
		return err
	}
	if a.uv0Buf, err = a.device.CreateStorageBuffer("atlas.uv0", uint64(a.vertexCapacity)*8); err != nil {
		return err
	}
	if a.indexBuf, err = a.device.CreateStorageBuffer("atlas.indices", uint64(a.indexCapacity)*4); err != nil {
		return err
	}
	return nil
}

// Append registers a new mesh's geometry. Returns ErrAlreadyResident if
// meshID is already tracked.
func (a *Atlas) Append(meshID uint32, mesh Mesh) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.offsets[meshID]; ok {
		return ErrAlreadyResident
	}
	if mesh.Topology != TriangleList {
		return ErrUnsupportedTopology
	}
	if len(mesh.Positions) == 0 {
		return ErrEmptyVertices
	}
	if len(mesh.Indices) < 3 {
		return ErrNoIndices
	}

	indices := mesh.Indices
	if len(indices)%3 != 0 {
		a.ctx.Log().Warnf("meshatlas: mesh %d has %d indices, not a multiple of three; truncating", meshID, len(indices))
		indices = indices[:len(indices)-len(indices)%3]
	}

	if err := a.ensureBuffersLocked(); err != nil {
		return err
	}

	firstVertex := uint32(len(a.positions))
	firstIndex := uint32(len(a.indices))

	a.positions = append(a.positions, mesh.Positions...)
	a.normals = append(a.normals, padVec3(mesh.Normals, len(mesh.Positions))...)
	a.tangents = append(a.tangents, padVec4(mesh.Tangents, len(mesh.Positions))...)
	a.uv0 = append(a.uv0, padVec2(mesh.UV0, len(mesh.Positions))...)

	// Indices are authored local to the mesh; rebase them into the
	// atlas-global vertex index space at firstVertex.
	rebased := make([]uint32, len(indices))
	for i, idx := range indices {
		rebased[i] = idx + firstVertex
	}
	a.indices = append(a.indices, rebased...)

	a.offsets[meshID] = offset{firstVertex: firstVertex, firstIndex: firstIndex, indexCount: uint32(len(indices))}
	a.growMeshDataLocked(meshID)
	a.meshData[meshID] = layout.MeshDataEntry{
		IndexCount:   uint32(len(indices)),
		FirstIndex:   firstIndex,
		FirstVertex:  firstVertex,
		BaseInstance: 0,
	}

	a.markDirtyLocked(int(firstVertex), len(a.positions), int(firstIndex), len(a.indices))
	return nil
}

// Remove evicts a mesh's geometry and compacts the client-side buffers so
// every later mesh keeps valid offsets. GPU buffers are
// never shrunk; only rebuilt ranges shrink.
func (a *Atlas) Remove(meshID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(meshID)
}

func (a *Atlas) removeLocked(meshID uint32) error {
	off, ok := a.offsets[meshID]
	if !ok {
		return ErrNotResident
	}
	// Derive removed vertex count from the gap to the next mesh's
	// firstVertex, or the tail if none follows.
	removedVtxCount := a.vertexSpan(off.firstVertex)
	removedIdxCount := off.indexCount

	// Slide vertex attribute arrays down over the freed span.
	a.positions = spliceVec3(a.positions, int(off.firstVertex), int(removedVtxCount))
	a.normals = spliceVec3(a.normals, int(off.firstVertex), int(removedVtxCount))
	a.tangents = spliceVec4(a.tangents, int(off.firstVertex), int(removedVtxCount))
	a.uv0 = spliceVec2(a.uv0, int(off.firstVertex), int(removedVtxCount))

	// Slide the index array down over the freed span, then rebase every
	// remaining index that pointed past the removed vertex range.
	a.indices = spliceUint32(a.indices, int(off.firstIndex), int(removedIdxCount))
	for i, idx := range a.indices {
		if idx >= off.firstVertex+removedVtxCount {
			a.indices[i] = idx - removedVtxCount
		}
	}

	delete(a.offsets, meshID)
	delete(a.refcount, meshID)
	if int(meshID) < len(a.meshData) {
		a.meshData[meshID] = layout.MeshDataEntry{}
	}

	// Adjust the offsets of every still-resident mesh that sat after the
	// removed range.
	for id, o := range a.offsets {
		changed := o
		if o.firstVertex > off.firstVertex {
			changed.firstVertex -= removedVtxCount
		}
		if o.firstIndex > off.firstIndex {
			changed.firstIndex -= removedIdxCount
		}
		if changed != o {
			a.offsets[id] = changed
			a.meshData[id] = layout.MeshDataEntry{
				IndexCount:   changed.indexCount,
				FirstIndex:   changed.firstIndex,
				FirstVertex:  changed.firstVertex,
				BaseInstance: 0,
			}
		}
	}

	a.markDirtyLocked(int(off.firstVertex), len(a.positions), int(off.firstIndex), len(a.indices))
	return nil
}

// vertexSpan returns how many vertices belong to the mesh starting at
// firstVertex, by finding the smallest firstVertex strictly greater than
// it among resident meshes (or the end of the array if none).
func (a *Atlas) vertexSpan(firstVertex uint32) uint32 {
	next := uint32(len(a.positions))
	for _, o := range a.offsets {
		if o.firstVertex > firstVertex && o.firstVertex < next {
			next = o.firstVertex
		}
	}
	return next - firstVertex
}

// IncRef increments the live-reference count for a resident mesh.
func (a *Atlas) IncRef(meshID uint32) {
	a.mu.Lock()
	a.refcount[meshID]++
	a.mu.Unlock()
}

// DecRef decrements the live-reference count; when it reaches zero, the
// mesh's atlas geometry is reclaimed immediately.
func (a *Atlas) DecRef(meshID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.refcount[meshID]
	if !ok || n == 0 {
		return nil
	}
	n--
	if n == 0 {
		delete(a.refcount, meshID)
		return a.removeLocked(meshID)
	}
	a.refcount[meshID] = n
	return nil
}

// RefCount reports the live reference count for a mesh (0 if unknown).
func (a *Atlas) RefCount(meshID uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount[meshID]
}

// IsResident reports whether meshID currently has atlas geometry.
func (a *Atlas) IsResident(meshID uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.offsets[meshID]
	return ok
}

func (a *Atlas) growMeshDataLocked(meshID uint32) {
	if int(meshID) < len(a.meshData) {
		return
	}
	grown := make([]layout.MeshDataEntry, meshID+1)
	copy(grown, a.meshData)
	a.meshData = grown
}

func (a *Atlas) markDirtyLocked(vtxMin, vtxMax, idxMin, idxMax int) {
	if !a.dirty {
		a.dirty = true
		a.dirtyVtxMin, a.dirtyVtxMax = vtxMin, vtxMax
		a.dirtyIdxMin, a.dirtyIdxMax = idxMin, idxMax
		return
	}
	if vtxMin < a.dirtyVtxMin {
		a.dirtyVtxMin = vtxMin
	}
	if vtxMax > a.dirtyVtxMax {
		a.dirtyVtxMax = vtxMax
	}
	if idxMin < a.dirtyIdxMin {
		a.dirtyIdxMin = idxMin
	}
	if idxMax > a.dirtyIdxMax {
		a.dirtyIdxMax = idxMax
	}
}

// RebuildIfDirty grows GPU buffers to the current counts (never shrinking),
// uploads the dirty ranges, repopulates the mesh-data table, and — on
// success — publishes a new atlas version to at most one subscriber.
func (a *Atlas) RebuildIfDirty() (version uint64, rebuilt bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty {
		return a.version, false, nil
	}

	if err := a.growLocked(); err != nil {
		return a.version, false, err
	}
	if err := a.uploadLocked(); err != nil {
		return a.version, false, err
	}

	a.dirty = false
	a.version++
	a.generationTag = uuid.NewString()
	a.ctx.Log().Debugf("meshatlas: rebuilt to version %d, generation %s", a.version, a.generationTag)
	a.publishLocked()
	return a.version, true, nil
}

// GenerationTag returns a correlation id minted for the most recent
// successful rebuild, so overlapping rebuild/readback log lines across
// goroutines can be tied back to the same publish.
func (a *Atlas) GenerationTag() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generationTag
}

func (a *Atlas) growLocked() error {
	neededVerts := mathutil.NextPow2(uint32(len(a.positions)))
	if neededVerts < config.MinCommandCount {
		neededVerts = config.MinCommandCount
	}
	if neededVerts > a.vertexCapacity {
		a.vertexCapacity = neededVerts
		var err error
		if a.positionsBuf, err = a.device.ResizeStorageBuffer(a.positionsBuf, uint64(neededVerts)*12); err != nil {
			return fmt.Errorf("meshatlas: resize positions: %w", err)
		}
		if a.normalsBuf, err = a.device.ResizeStorageBuffer(a.normalsBuf, uint64(neededVerts)*12); err != nil {
			return fmt.Errorf("meshatlas: resize normals: %w", err)
		}
		if a.tangentsBuf, err = a.device.ResizeStorageBuffer(a.tangentsBuf, uint64(neededVerts)*16); err != nil {
			return fmt.Errorf("meshatlas: resize tangents: %w", err)
		}
		if a.uv0Buf, err = a.device.ResizeStorageBuffer(a.uv0Buf, uint64(neededVerts)*8); err != nil {
			return fmt.Errorf("meshatlas: resize uv0: %w", err)
		}
	}

	neededIdx := mathutil.NextPow2(uint32(len(a.indices)))
	if neededIdx < config.MinCommandCount {
		neededIdx = config.MinCommandCount
	}
	if neededIdx > a.indexCapacity {
		a.indexCapacity = neededIdx
		var err error
		if a.indexBuf, err = a.device.ResizeStorageBuffer(a.indexBuf, uint64(neededIdx)*4); err != nil {
			return fmt.Errorf("meshatlas: resize indices: %w", err)
		}
	}
	return nil
}

func (a *Atlas) uploadLocked() error {
	if a.dirtyVtxMax > a.dirtyVtxMin {
		if err := gpubuf.WriteVec3Range(a.positionsBuf, a.positions, a.dirtyVtxMin, a.dirtyVtxMax); err != nil {
			return err
		}
		if err := gpubuf.WriteVec3Range(a.normalsBuf, a.normals, a.dirtyVtxMin, a.dirtyVtxMax); err != nil {
			return err
		}
		if err := gpubuf.WriteVec4Range(a.tangentsBuf, a.tangents, a.dirtyVtxMin, a.dirtyVtxMax); err != nil {
			return err
		}
		if err := gpubuf.WriteVec2Range(a.uv0Buf, a.uv0, a.dirtyVtxMin, a.dirtyVtxMax); err != nil {
			return err
		}
	}
	if a.dirtyIdxMax > a.dirtyIdxMin {
		if err := gpubuf.WriteUint32Range(a.indexBuf, a.indices, a.dirtyIdxMin, a.dirtyIdxMax); err != nil {
			return err
		}
	}
	return nil
}

func (a *Atlas) publishLocked() {
	select {
	case a.subscriber <- a.version:
	default:
		// Drain the stale version and replace it — downstream only ever
		// cares about resyncing to the newest atlas version.
		select {
		case <-a.subscriber:
		default:
		}
		a.subscriber <- a.version
	}
}

// Subscribe returns the channel RenderPass.EnsureAtlasSynced watches for
// AtlasRebuilt(version) events. There is exactly one logical subscriber
// per atlas
func (a *Atlas) Subscribe() <-chan uint64 { return a.subscriber }

// Version returns the current atlas version without consuming a
// subscription event.
func (a *Atlas) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// MeshData returns the atlas entry for meshID, if resident.
func (a *Atlas) MeshData(meshID uint32) (layout.MeshDataEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(meshID) >= len(a.meshData) {
		return layout.MeshDataEntry{}, false
	}
	e := a.meshData[meshID]
	if e.IndexCount == 0 {
		return layout.MeshDataEntry{}, false
	}
	return e, true
}

func padVec3(v []mgl32.Vec3, n int) []mgl32.Vec3 {
	if len(v) >= n {
		return v[:n]
	}
	out := make([]mgl32.Vec3, n)
	copy(out, v)
	return out
}

func padVec4(v []mgl32.Vec4, n int) []mgl32.Vec4 {
	if len(v) >= n {
		return v[:n]
	}
	out := make([]mgl32.Vec4, n)
	copy(out, v)
	return out
}

func padVec2(v []mgl32.Vec2, n int) []mgl32.Vec2 {
	if len(v) >= n {
		return v[:n]
	}
	out := make([]mgl32.Vec2, n)
	copy(out, v)
	return out
}

func spliceVec3(s []mgl32.Vec3, at, n int) []mgl32.Vec3 { return append(s[:at], s[at+n:]...) }
func spliceVec4(s []mgl32.Vec4, at, n int) []mgl32.Vec4 { return append(s[:at], s[at+n:]...) }
func spliceVec2(s []mgl32.Vec2, at, n int) []mgl32.Vec2 { return append(s[:at], s[at+n:]...) }
func spliceUint32(s []uint32, at, n int) []uint32       { return append(s[:at], s[at+n:]...) }
