// Package scenestore implements the double-buffered GPUScene: the single
// source of truth for which renderables are in the scene, encoded as
// SceneCommands shared with the GPU.
//
// Structured after a scene graph's per-object AABB/transform bookkeeping
// and world-matrix composition, generalized from a per-frame-rederived
// object list to an add/remove/update/swap contract with swap-remove
// compaction and a GPU-mirrored double buffer, so the render thread never
// observes a half-written command list.
package scenestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/bvh"
	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/culling"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/gpubuf"
	"github.com/BlackJaxDev/xrengine-indirect/ids"
	"github.com/BlackJaxDev/xrengine-indirect/internal/mathutil"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
)

var (
	ErrMeshUnsupported        = errors.New("scenestore: mesh is unsupported")
	ErrCommandSpaceExhausted  = errors.New("scenestore: command index space exhausted at uint32 max")
	ErrTooManySubcommands     = errors.New("scenestore: renderable exceeds the per-call subcommand limit")
)

// MaxSubcommandsPerAdd bounds how many submesh commands a single Add call
// accepts ("At most subcommand-count insertions per
// call").
const MaxSubcommandsPerAdd = 256

// MeshRef and MaterialRef are the opaque host handles names;
// the scene graph and material system own their concrete types.
type MeshRef = any
type MaterialRef = any

// EntityRef identifies the higher-level renderable a group of submesh
// commands belongs to, so Remove/Update can find every slot it owns.
type EntityRef = any

// RenderableMeshCommand is one submesh command from the scene graph
// collaborator.
type RenderableMeshCommand struct {
	Mesh               MeshRef
	MaterialOverride   MaterialRef
	WorldMatrix        mgl32.Mat4
	WorldMatrixIsModel bool
	Instances          uint32
	RenderPass         uint32
	RenderDistance     float32
	Layer              uint8
	CastsShadow        bool
	ReceivesShadows    bool
	// GpuCommandIndex is written back by Add/Update so the caller can
	// correlate its renderable with a live slot.
	GpuCommandIndex uint32
}

// Sphere is a local-space bounding sphere, supplied by the mesh geometry
// provider alongside vertex/index data.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// MaterialFlags are the opaque per-material bits names.
type MaterialFlags struct {
	ExcludeFromGpuIndirect      bool
	SupportsInstanceAggregation bool
}

// MeshGeometryProvider resolves a MeshRef to atlas-ready geometry plus its
// local bounding sphere, the first time a mesh is referenced.
type MeshGeometryProvider func(MeshRef) (meshatlas.Mesh, Sphere, bool)

const (
	flagCastsShadow     uint32 = 1 << 0
	flagReceivesShadows uint32 = 1 << 1
)

// Store is the double-buffered scene command list.
type Store struct {
	ctx    *config.GpuRenderContext
	atlas  *meshatlas.Atlas
	device gfx.Device

	geometryProvider MeshGeometryProvider

	meshIDs     *ids.Registry[MeshRef]
	materialIDs *ids.Registry[MaterialRef]

	mu sync.Mutex // guards updating, entityIndices, slotOwner, and Swap

	updating      []layout.SceneCommand
	entityIndices map[EntityRef][]uint32
	slotOwner     []EntityRef

	meshLocalSphere  map[uint32]Sphere
	meshUnsupported  map[uint32]error
	materialFlags    map[uint32]MaterialFlags

	dirtyMin, dirtyMax int
	updatingCap        uint32
	updatingBuf        gfx.Buffer

	loaded      []layout.SceneCommand
	loadedCap   uint32
	loadedBuf   gfx.Buffer
	totalCount  uint32

	bvhTree *bvh.Tree
	stats   Stats
}

// Stats mirrors the scene-store slice of StatsBlock: counts
// this component can report without a render pass having run yet.
type Stats struct {
	LastSwapCount   uint32
	BVHRebuilt      bool
	BVHRefit        bool
}

func New(ctx *config.GpuRenderContext, atlas *meshatlas.Atlas, device gfx.Device, provider MeshGeometryProvider) *Store {
	return &Store{
		ctx:              ctx,
		atlas:            atlas,
		device:           device,
		geometryProvider: provider,
		meshIDs:          ids.New[MeshRef](),
		materialIDs:      ids.New[MaterialRef](),
		entityIndices:    make(map[EntityRef][]uint32),
		meshLocalSphere:  make(map[uint32]Sphere),
		meshUnsupported:  make(map[uint32]error),
		materialFlags:    make(map[uint32]MaterialFlags),
	}
}

// SetMaterialFlags registers the opaque aggregation/exclusion bits for a
// material; material compilation itself is out of scope.
func (s *Store) SetMaterialFlags(material MaterialRef, flags MaterialFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _, _ := s.materialIDs.Acquire(material)
	s.materialFlags[id] = flags
}

// MaterialFlagsByID returns the flags for an already-assigned material id.
func (s *Store) MaterialFlagsByID(materialID uint32) MaterialFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materialFlags[materialID]
}

func (s *Store) ensureUpdatingBuffer() error {
	if s.updatingBuf != nil {
		return nil
	}
	s.updatingCap = config.MinCommandCount
	buf, err := s.device.CreateStorageBuffer("scene.updating", uint64(s.updatingCap)*layout.ExpectedSceneCommandSize)
	if err != nil {
		return fmt.Errorf("scenestore: create updating buffer: %w", err)
	}
	s.updatingBuf = buf
	return nil
}

func (s *Store) ensureLoadedBuffer() error {
	if s.loadedBuf != nil {
		return nil
	}
	s.loadedCap = config.MinCommandCount
	buf, err := s.device.CreateStorageBuffer("scene.loaded", uint64(s.loadedCap)*layout.ExpectedSceneCommandSize)
	if err != nil {
		return fmt.Errorf("scenestore: create loaded buffer: %w", err)
	}
	s.loadedBuf = buf
	return nil
}

func (s *Store) growUpdatingLocked(need int) error {
	if err := s.ensureUpdatingBuffer(); err != nil {
		return err
	}
	capNeeded := mathutil.NextPow2(uint32(need))
	if capNeeded < config.MinCommandCount {
		capNeeded = config.MinCommandCount
	}
	if capNeeded <= s.updatingCap {
		return nil
	}
	buf, err := s.device.ResizeStorageBuffer(s.updatingBuf, uint64(capNeeded)*layout.ExpectedSceneCommandSize)
	if err != nil {
		return fmt.Errorf("scenestore: grow updating buffer: %w", err)
	}
	s.updatingBuf = buf
	s.updatingCap = capNeeded
	return nil
}

func (s *Store) growLoadedLocked(need int) error {
	if err := s.ensureLoadedBuffer(); err != nil {
		return err
	}
	capNeeded := mathutil.NextPow2(uint32(need))
	if capNeeded < config.MinCommandCount {
		capNeeded = config.MinCommandCount
	}
	if capNeeded <= s.loadedCap {
		return nil
	}
	buf, err := s.device.ResizeStorageBuffer(s.loadedBuf, uint64(capNeeded)*layout.ExpectedSceneCommandSize)
	if err != nil {
		return fmt.Errorf("scenestore: grow loaded buffer: %w", err)
	}
	s.loadedBuf = buf
	s.loadedCap = capNeeded
	return nil
}

func (s *Store) markDirtyLocked(lo, hi int) {
	if hi <= lo {
		return
	}
	if s.dirtyMax == s.dirtyMin {
		s.dirtyMin, s.dirtyMax = lo, hi
		return
	}
	if lo < s.dirtyMin {
		s.dirtyMin = lo
	}
	if hi > s.dirtyMax {
		s.dirtyMax = hi
	}
}

// resolveMesh acquires/validates a mesh id for cmd.Mesh, ensuring atlas
// residency on first reference. It returns ErrMeshUnsupported (cached)
// without re-validating on subsequent calls for the same mesh.
func (s *Store) resolveMesh(ref MeshRef) (uint32, error) {
	meshID, _, err := s.meshIDs.Acquire(ref)
	if err != nil {
		return 0, err
	}
	if cached, bad := s.meshUnsupported[meshID]; bad {
		return meshID, cached
	}
	if s.atlas.IsResident(meshID) {
		return meshID, nil
	}

	geom, sphere, ok := s.geometryProvider(ref)
	if !ok {
		s.meshUnsupported[meshID] = ErrMeshUnsupported
		return meshID, ErrMeshUnsupported
	}
	if err := s.atlas.Append(meshID, geom); err != nil {
		s.meshUnsupported[meshID] = err
		return meshID, err
	}
	s.meshLocalSphere[meshID] = sphere
	return meshID, nil
}

func packFlags(cmd RenderableMeshCommand) uint32 {
	var f uint32
	if cmd.CastsShadow {
		f |= flagCastsShadow
	}
	if cmd.ReceivesShadows {
		f |= flagReceivesShadows
	}
	return f
}

func mat4ToArray(m mgl32.Mat4) [16]float32 {
	var out [16]float32
	copy(out[:], m[:])
	return out
}

// Add appends one SceneCommand per submesh command, assigning mesh and
// material ids on first reference, acquiring atlas residency, and
// publishing the written byte range to the GPU-resident updating buffer.
// Returns the slot index of each accepted command, in order.
func (s *Store) Add(entity EntityRef, cmds []RenderableMeshCommand) ([]uint32, error) {
	if len(cmds) > MaxSubcommandsPerAdd {
		s.ctx.Log().Warnf("scenestore: renderable requested %d submeshes, truncating to %d", len(cmds), MaxSubcommandsPerAdd)
		cmds = cmds[:MaxSubcommandsPerAdd]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]uint32, 0, len(cmds))
	for i := range cmds {
		cmd := &cmds[i]

		if uint64(len(s.updating)) >= uint64(math.MaxUint32) {
			s.ctx.Log().Errorf("scenestore: command index space exhausted, refusing insert")
			return indices, ErrCommandSpaceExhausted
		}

		meshID, err := s.resolveMesh(cmd.Mesh)
		if err != nil {
			s.ctx.Log().Warnf("scenestore: skipping unsupported mesh: %v", err)
			continue
		}
		materialRef := cmd.MaterialOverride
		materialID, _, err := s.materialIDs.Acquire(materialRef)
		if err != nil {
			s.ctx.Log().Errorf("scenestore: material id acquisition failed: %v", err)
			continue
		}

		s.atlas.IncRef(meshID)

		localSphere := s.meshLocalSphere[meshID]
		worldCenter, worldRadius := culling.TransformSphere(localSphere.Center, localSphere.Radius, cmd.WorldMatrix)

		slot := uint32(len(s.updating))
		sc := layout.SceneCommand{
			MeshID:          meshID,
			SubmeshID:       uint32(i),
			MaterialID:      materialID,
			RenderPass:      cmd.RenderPass,
			InstanceCount:   cmd.Instances,
			LayerMask:       uint32(1) << uint32(cmd.Layer),
			RenderDistance:  cmd.RenderDistance,
			WorldMatrix:     mat4ToArray(cmd.WorldMatrix),
			PrevWorldMatrix: mat4ToArray(cmd.WorldMatrix),
			Flags:           packFlags(*cmd),
			BoundingSphere:  [4]float32{worldCenter.X(), worldCenter.Y(), worldCenter.Z(), worldRadius},
			Reserved1:       slot,
		}
		if cmd.Instances == 0 {
			sc.InstanceCount = 1
		}

		s.updating = append(s.updating, sc)
		s.slotOwner = append(s.slotOwner, entity)
		s.entityIndices[entity] = append(s.entityIndices[entity], slot)
		indices = append(indices, slot)
		cmds[i].GpuCommandIndex = slot

		if err := s.growUpdatingLocked(len(s.updating)); err != nil {
			return indices, err
		}
		if err := gpubuf.WriteAt(s.updatingBuf, int(slot), layout.ExpectedSceneCommandSize, encodeSceneCommand(sc)); err != nil {
			return indices, fmt.Errorf("scenestore: write command %d: %w", slot, err)
		}
		s.markDirtyLocked(int(slot), int(slot)+1)
	}
	return indices, nil
}

// Remove evicts every slot owned by entity, swap-removing each against
// the current tail and rewriting the tail's new owner's index list and
// reserved1 field.
func (s *Store) Remove(entity EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(entity)
}

func (s *Store) removeLocked(entity EntityRef) error {
	indices, ok := s.entityIndices[entity]
	if !ok {
		return nil
	}
	delete(s.entityIndices, entity)

	// Removing from the highest slot down keeps earlier slots in this
	// same batch stable while the tail shrinks underneath them.
	sorted := append([]uint32(nil), indices...)
	sortDesc(sorted)

	for _, idx := range sorted {
		s.swapRemoveSlotLocked(idx)
	}
	return nil
}

func (s *Store) swapRemoveSlotLocked(idx uint32) {
	last := uint32(len(s.updating) - 1)
	removedMeshID := s.updating[idx].MeshID

	if idx != last {
		tail := s.updating[last]
		tail.Reserved1 = idx
		s.updating[idx] = tail
		s.slotOwner[idx] = s.slotOwner[last]

		owner := s.slotOwner[last]
		s.replaceEntityIndexLocked(owner, last, idx)

		if err := gpubuf.WriteAt(s.updatingBuf, int(idx), layout.ExpectedSceneCommandSize, encodeSceneCommand(tail)); err != nil {
			s.ctx.Log().Errorf("scenestore: write after swap-remove: %v", err)
		}
	}

	s.updating = s.updating[:last]
	s.slotOwner = s.slotOwner[:last]
	s.markDirtyLocked(int(idx), int(last)+1)

	if err := s.atlas.DecRef(removedMeshID); err != nil {
		s.ctx.Log().Errorf("scenestore: decrementing mesh refcount: %v", err)
	}
}

func (s *Store) replaceEntityIndexLocked(owner EntityRef, oldSlot, newSlot uint32) {
	list := s.entityIndices[owner]
	for i, v := range list {
		if v == oldSlot {
			list[i] = newSlot
			return
		}
	}
}

func sortDesc(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Update recomputes the scene commands for entity's existing slots in
// place. If the submesh count changed, or a mesh became unsupported, it
// falls back to Remove followed by Add.
func (s *Store) Update(entity EntityRef, cmds []RenderableMeshCommand) ([]uint32, error) {
	s.mu.Lock()
	indices, ok := s.entityIndices[entity]
	structurallyCompatible := ok && len(indices) == len(cmds)
	s.mu.Unlock()

	if !structurallyCompatible {
		s.Remove(entity)
		return s.Add(entity, cmds)
	}

	fellBackToReplace := false

	s.mu.Lock()
	out := make([]uint32, 0, len(cmds))
	for i := range cmds {
		cmd := &cmds[i]
		slot := indices[i]
		old := s.updating[slot]

		meshID, err := s.resolveMesh(cmd.Mesh)
		if err != nil {
			fellBackToReplace = true
			break
		}
		if meshID != old.MeshID {
			s.atlas.IncRef(meshID)
			if err := s.atlas.DecRef(old.MeshID); err != nil {
				s.ctx.Log().Errorf("scenestore: decref old mesh during update: %v", err)
			}
		}

		materialID, _, err := s.materialIDs.Acquire(cmd.MaterialOverride)
		if err != nil {
			s.ctx.Log().Errorf("scenestore: material id acquisition failed during update: %v", err)
			continue
		}

		localSphere := s.meshLocalSphere[meshID]
		worldCenter, worldRadius := culling.TransformSphere(localSphere.Center, localSphere.Radius, cmd.WorldMatrix)

		instanceCount := cmd.Instances
		if instanceCount == 0 {
			instanceCount = 1
		}

		updated := layout.SceneCommand{
			MeshID:          meshID,
			SubmeshID:       uint32(i),
			MaterialID:      materialID,
			RenderPass:      cmd.RenderPass,
			InstanceCount:   instanceCount,
			LayerMask:       uint32(1) << uint32(cmd.Layer),
			RenderDistance:  cmd.RenderDistance,
			WorldMatrix:     mat4ToArray(cmd.WorldMatrix),
			PrevWorldMatrix: old.WorldMatrix, // motion-vector continuity: yesterday's world becomes today's prev
			Flags:           packFlags(*cmd),
			BoundingSphere:  [4]float32{worldCenter.X(), worldCenter.Y(), worldCenter.Z(), worldRadius},
			Reserved1:       slot,
		}

		s.updating[slot] = updated
		if err := gpubuf.WriteAt(s.updatingBuf, int(slot), layout.ExpectedSceneCommandSize, encodeSceneCommand(updated)); err != nil {
			s.mu.Unlock()
			return out, fmt.Errorf("scenestore: write updated command %d: %w", slot, err)
		}
		s.markDirtyLocked(int(slot), int(slot)+1)
		out = append(out, slot)
		cmds[i].GpuCommandIndex = slot
	}
	s.mu.Unlock()

	if fellBackToReplace {
		s.Remove(entity)
		return s.Add(entity, cmds)
	}
	return out, nil
}

// Swap copies the live portion of the updating buffer into the loaded
// buffer and publishes a new total_command_count
// The render thread must only read the loaded buffer outside this call.
func (s *Store) Swap() (totalCommandCount uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.updating)
	if err := s.growLoadedLocked(count); err != nil {
		return s.totalCount, err
	}

	s.loaded = append(s.loaded[:0], s.updating...)
	if count > 0 {
		buf := make([]byte, 0, count*layout.ExpectedSceneCommandSize)
		for _, sc := range s.loaded {
			buf = append(buf, encodeSceneCommand(sc)...)
		}
		if err := s.loadedBuf.Write(0, buf); err != nil {
			return s.totalCount, fmt.Errorf("scenestore: publish loaded buffer: %w", err)
		}
	}

	s.totalCount = uint32(count)
	s.dirtyMin, s.dirtyMax = 0, 0

	s.stats = Stats{LastSwapCount: s.totalCount}
	s.refreshBVHLocked()

	return s.totalCount, nil
}

func (s *Store) refreshBVHLocked() {
	aabbs := make([][2]mgl32.Vec3, len(s.loaded))
	for i, sc := range s.loaded {
		c := mgl32.Vec3{sc.BoundingSphere[0], sc.BoundingSphere[1], sc.BoundingSphere[2]}
		r := sc.BoundingSphere[3]
		aabbs[i] = [2]mgl32.Vec3{c.Sub(mgl32.Vec3{r, r, r}), c.Add(mgl32.Vec3{r, r, r})}
	}

	if s.bvhTree != nil && s.bvhTree.CanRefit(aabbs) {
		s.bvhTree.Refit(aabbs)
		s.stats.BVHRefit = true
	} else {
		s.bvhTree = bvh.Build(aabbs)
		s.stats.BVHRebuilt = true
	}
}

// TotalCommandCount returns the count published by the most recent Swap.
func (s *Store) TotalCommandCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCount
}

// LoadedCommand returns LoadedBuffer[i] after the most recent Swap. The
// render thread must call this only outside of a frame's critical
// section.
func (s *Store) LoadedCommand(i uint32) (layout.SceneCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(i) >= len(s.loaded) {
		return layout.SceneCommand{}, false
	}
	return s.loaded[i], true
}

// LoadedSnapshot returns a copy of the entire loaded command range, for
// RenderPass's Cull stage.
func (s *Store) LoadedSnapshot() []layout.SceneCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]layout.SceneCommand, len(s.loaded))
	copy(out, s.loaded)
	return out
}

// TryGetMeshData hydrates atlas residency on demand if possible and
// returns the atlas entry for meshID.
func (s *Store) TryGetMeshData(meshID uint32) (layout.MeshDataEntry, bool) {
	if entry, ok := s.atlas.MeshData(meshID); ok {
		return entry, true
	}
	ref, ok := s.meshIDs.ReverseLookup(meshID)
	if !ok {
		return layout.MeshDataEntry{}, false
	}
	if _, err := s.resolveMesh(ref); err != nil {
		return layout.MeshDataEntry{}, false
	}
	return s.atlas.MeshData(meshID)
}

// LastStats returns the snapshot recorded by the most recent Swap.
func (s *Store) LastStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func encodeSceneCommand(sc layout.SceneCommand) []byte {
	out := make([]byte, layout.ExpectedSceneCommandSize)
	putU32 := func(off int, v uint32) { binary.LittleEndian.PutUint32(out[off:off+4], v) }
	putF32 := func(off int, v float32) { binary.LittleEndian.PutUint32(out[off:off+4], math.Float32bits(v)) }

	putU32(0, sc.MeshID)
	putU32(4, sc.SubmeshID)
	putU32(8, sc.MaterialID)
	putU32(12, sc.RenderPass)
	putU32(16, sc.InstanceCount)
	putU32(20, sc.LayerMask)
	putF32(24, sc.RenderDistance)
	for i, v := range sc.WorldMatrix {
		putF32(28+i*4, v)
	}
	for i, v := range sc.PrevWorldMatrix {
		putF32(28+64+i*4, v)
	}
	putU32(156, sc.Flags)
	putU32(160, sc.LOD)
	putU32(164, sc.ShaderProgramID)
	for i, v := range sc.BoundingSphere {
		putF32(168+i*4, v)
	}
	putU32(184, sc.Reserved0)
	putU32(188, sc.Reserved1)
	return out
}
