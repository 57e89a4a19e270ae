// Package renderpass implements the per-pass compute pipeline that turns
// a loaded scene command range into a populated indirect draw buffer:
// reset, cull, optional occlusion refine, build sort keys, build material
// batches, and a multi-draw-indirect-with-count submission.
//
// Every stage is expressed as a plain Go function operating against the
// gfx.Device abstraction (MapRead/Write plus an explicit MemoryBarrier
// between stages) rather than a compiled compute shader, since shader
// authoring stays a host concern. This lets the exact same stage code run
// against gfx.SoftwareDevice (the reference/test backend, reading and
// writing its buffers directly with no latency) or gfx.WebGPUDevice (a
// real GPU backend, where MapRead/Write round-trip an actual mapped
// buffer).
package renderpass

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/bvh"
	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/culling"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/internal/mathutil"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
	"github.com/BlackJaxDev/xrengine-indirect/scenestore"
)

// Lifecycle mirrors the RenderPass state machine: Uninitialized ->
// Initialized -> Disposed, with capacity-change and atlas-resync
// transitions staying within Initialized.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Initialized
	Disposed
)

// Camera is the per-frame view the Cull and OcclusionRefine stages read.
type Camera struct {
	WorldMatrix      mgl32.Mat4
	ProjectionMatrix mgl32.Mat4
	Near, Far        float32
	ReversedDepth    bool
}

func (c Camera) viewProj() mgl32.Mat4 {
	view := c.WorldMatrix.Inv()
	return c.ProjectionMatrix.Mul4(view)
}

// OcclusionRefiner is the interface package occlusion implements; kept
// narrow so renderpass never imports occlusion and occlusion may import
// renderpass's Buffers without a cycle.
type OcclusionRefiner interface {
	Refine(pass *RenderPass, camera Camera) error
}

// Stats is the CPU-readable mirror of layout.StatsBlock.
type Stats struct {
	InputCount       uint32
	CulledCount      uint32
	DrawnCount       uint32
	RejectedFrustum  uint32
	RejectedDistance uint32
}

// Buffers holds every per-pass GPU resource, sized to command_capacity.
type Buffers struct {
	CulledCommands    gfx.Buffer
	CulledCountBuffer gfx.Buffer // {draw_count, instance_count, overflow}
	CullCountScratch  gfx.Buffer
	DrawCountBuffer   gfx.Buffer
	IndirectDraw      gfx.Buffer

	CullingOverflowFlag    gfx.Buffer
	IndirectOverflowFlag   gfx.Buffer
	OcclusionOverflowFlag  gfx.Buffer
	TruncationFlag         gfx.Buffer

	StatsBuffer gfx.Buffer

	SortKeyBuffer    gfx.Buffer
	BatchRangeBuffer gfx.Buffer
	BatchCountBuffer gfx.Buffer

	InstanceTransformBuffer  gfx.Buffer
	InstanceSourceIndexBuffer gfx.Buffer
	MaterialAggregationBuffer gfx.Buffer

	CommandAabbBuffer gfx.Buffer
	HiZPyramid        gfx.Texture
	OcclusionCulled    gfx.Buffer
	GpuBvhTree         *bvh.Tree

	occlusionActive bool // pointer-swap flag: OcclusionCulled is the live buffer
}

// RenderPass owns one per-pass compute pipeline.
type RenderPass struct {
	ctx    *config.GpuRenderContext
	device gfx.Device
	atlas  *meshatlas.Atlas
	scene  *scenestore.Store

	mu    sync.Mutex
	state Lifecycle

	capacity     uint32
	renderPassID uint32
	layerMask    uint32

	buf Buffers

	atlasVersion uint64

	lastStats Stats

	Occlusion OcclusionRefiner
}

// New constructs a RenderPass in Uninitialized state; call
// PreRenderInitialize before the first frame.
func New(ctx *config.GpuRenderContext, device gfx.Device, atlas *meshatlas.Atlas, scene *scenestore.Store, renderPassID uint32, layerMask uint32) *RenderPass {
	return &RenderPass{
		ctx:          ctx,
		device:       device,
		atlas:        atlas,
		scene:        scene,
		renderPassID: renderPassID,
		layerMask:    layerMask,
	}
}

// PreRenderInitialize allocates every per-pass buffer at the given
// capacity (rounded up to a power of two >= MinCommandCount) and
// transitions Uninitialized -> Initialized.
func (p *RenderPass) PreRenderInitialize(capacity uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Disposed {
		return nil
	}
	if err := p.allocateLocked(capacity); err != nil {
		return err
	}
	p.state = Initialized
	return nil
}

// Resize regenerates every per-pass buffer at a new capacity, a
// transition that stays within Initialized.
func (p *RenderPass) Resize(capacity uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateLocked(capacity)
}

func (p *RenderPass) allocateLocked(capacity uint32) error {
	cap32 := mathutil.NextPow2(capacity)
	if cap32 < config.MinCommandCount {
		cap32 = config.MinCommandCount
	}
	p.capacity = cap32

	var err error
	mk := func(label string, size uint64) gfx.Buffer {
		if err != nil {
			return nil
		}
		var b gfx.Buffer
		b, err = p.device.CreateStorageBuffer(label, size)
		return b
	}
	mkParam := func(label string, size uint64) gfx.Buffer {
		if err != nil {
			return nil
		}
		var b gfx.Buffer
		b, err = p.device.CreateParameterBuffer(label, size)
		return b
	}
	mkPersist := func(label string, size uint64) gfx.Buffer {
		if err != nil {
			return nil
		}
		var b gfx.Buffer
		b, err = p.device.CreatePersistentBuffer(label, size)
		return b
	}

	p.buf.CulledCommands = mk("pass.culled_commands", uint64(cap32)*layout.ExpectedSceneCommandSize)
	p.buf.CulledCountBuffer = mkPersist("pass.culled_count", 12)
	p.buf.CullCountScratch = mk("pass.cull_count_scratch", 12)
	p.buf.DrawCountBuffer = mkParam("pass.draw_count", 4)
	p.buf.IndirectDraw = mk("pass.indirect_draw", uint64(cap32)*layout.ExpectedIndirectDrawSize)

	p.buf.CullingOverflowFlag = mkPersist("pass.culling_overflow", 4)
	p.buf.IndirectOverflowFlag = mkPersist("pass.indirect_overflow", 4)
	p.buf.OcclusionOverflowFlag = mkPersist("pass.occlusion_overflow", 4)
	p.buf.TruncationFlag = mkPersist("pass.truncation", 4)

	p.buf.StatsBuffer = mkPersist("pass.stats", layout.ExpectedStatsBlockSize)

	p.buf.SortKeyBuffer = mk("pass.sort_keys", uint64(cap32)*layout.ExpectedSortKeySize)
	p.buf.BatchRangeBuffer = mk("pass.batch_ranges", uint64(cap32)*layout.ExpectedBatchRangeEntrySize)
	p.buf.BatchCountBuffer = mkParam("pass.batch_count", 4)

	p.buf.InstanceTransformBuffer = mk("pass.instance_transforms", uint64(cap32)*64)
	p.buf.InstanceSourceIndexBuffer = mk("pass.instance_source_index", uint64(cap32)*4)
	p.buf.MaterialAggregationBuffer = mk("pass.material_aggregation", uint64(cap32)*4)

	p.buf.CommandAabbBuffer = mk("pass.command_aabb", uint64(cap32)*32)
	p.buf.OcclusionCulled = mk("pass.occlusion_culled", uint64(cap32)*layout.ExpectedSceneCommandSize)

	if err == nil {
		levels := hizMipLevels(config.HiZPyramidWidth, config.HiZPyramidHeight)
		p.buf.HiZPyramid, err = p.device.CreateMipTexture("pass.hiz_pyramid", config.HiZPyramidWidth, config.HiZPyramidHeight, levels)
	}

	return err
}

// hizMipLevels returns the number of mips a full chain from w x h down to
// 1x1 needs.
func hizMipLevels(w, h uint32) uint32 {
	levels := uint32(1)
	for w > 1 || h > 1 {
		if w > 1 {
			w >>= 1
		}
		if h > 1 {
			h >>= 1
		}
		levels++
	}
	return levels
}

// EnsureAtlasSynced drains the atlas's AtlasRebuilt subscription and
// remembers the new version; it never blocks.
func (p *RenderPass) EnsureAtlasSynced() {
	select {
	case v := <-p.atlas.Subscribe():
		p.mu.Lock()
		p.atlasVersion = v
		p.mu.Unlock()
	default:
	}
}

// BuildHiZPyramid writes depth into the pyramid's mip 0 and generates
// every coarser mip with a 2x2 reduction: min for reverse-Z depth, max
// otherwise. The GpuHiZ occlusion refine samples the resulting pyramid.
// On the WebGPU backend this would be a per-mip compute dispatch; the
// software backend has no compute pipeline to drive, so it reduces the
// mips directly against the MemoryTexture's backing slices.
func (p *RenderPass) BuildHiZPyramid(depth []float32, reversedDepth bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	memTex, ok := p.buf.HiZPyramid.(*gfx.MemoryTexture)
	if !ok {
		return nil
	}

	w0, h0, mip0 := memTex.Mip(0)
	if uint32(len(depth)) != w0*h0 {
		return fmt.Errorf("renderpass: depth attachment has %d texels, want %d for HiZ mip 0 (%dx%d)", len(depth), w0*h0, w0, h0)
	}
	copy(mip0, depth)

	for level := uint32(1); level < memTex.MipLevels(); level++ {
		pw, ph, prev := memTex.Mip(level - 1)
		w, h, cur := memTex.Mip(level)
		for y := uint32(0); y < h; y++ {
			for x := uint32(0); x < w; x++ {
				x0, y0 := x*2, y*2
				x1, y1 := minu32(x0+1, pw-1), minu32(y0+1, ph-1)
				v00 := prev[y0*pw+x0]
				v10 := prev[y0*pw+x1]
				v01 := prev[y1*pw+x0]
				v11 := prev[y1*pw+x1]

				v := v00
				if reversedDepth {
					v = minf32(v, v10, v01, v11)
				} else {
					v = maxf32(v, v10, v01, v11)
				}
				cur[y*w+x] = v
			}
		}
	}

	p.device.MemoryBarrier()
	return nil
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func minf32(a, b, c, d float32) float32 {
	m := a
	for _, v := range [3]float32{b, c, d} {
		if v < m {
			m = v
		}
	}
	return m
}

func maxf32(a, b, c, d float32) float32 {
	m := a
	for _, v := range [3]float32{b, c, d} {
		if v > m {
			m = v
		}
	}
	return m
}

// Dispose releases the per-pass state; Initialized -> Disposed.
func (p *RenderPass) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Disposed
	p.buf = Buffers{}
}

func (p *RenderPass) State() Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *RenderPass) Capacity() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

func (p *RenderPass) Buffers() *Buffers {
	return &p.buf
}

func (p *RenderPass) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStats
}

func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func get32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off : off+4]) }

func decodeSceneCommand(b []byte) layout.SceneCommand {
	var sc layout.SceneCommand
	sc.MeshID = get32(b, 0)
	sc.SubmeshID = get32(b, 4)
	sc.MaterialID = get32(b, 8)
	sc.RenderPass = get32(b, 12)
	sc.InstanceCount = get32(b, 16)
	sc.LayerMask = get32(b, 20)
	sc.RenderDistance = math.Float32frombits(get32(b, 24))
	for i := range sc.WorldMatrix {
		sc.WorldMatrix[i] = math.Float32frombits(get32(b, 28+i*4))
	}
	for i := range sc.PrevWorldMatrix {
		sc.PrevWorldMatrix[i] = math.Float32frombits(get32(b, 28+64+i*4))
	}
	sc.Flags = get32(b, 156)
	sc.LOD = get32(b, 160)
	sc.ShaderProgramID = get32(b, 164)
	for i := range sc.BoundingSphere {
		sc.BoundingSphere[i] = math.Float32frombits(get32(b, 168+i*4))
	}
	sc.Reserved0 = get32(b, 184)
	sc.Reserved1 = get32(b, 188)
	return sc
}

func encodeSceneCommandInto(b []byte, sc layout.SceneCommand) {
	put32(b, 0, sc.MeshID)
	put32(b, 4, sc.SubmeshID)
	put32(b, 8, sc.MaterialID)
	put32(b, 12, sc.RenderPass)
	put32(b, 16, sc.InstanceCount)
	put32(b, 20, sc.LayerMask)
	put32(b, 24, math.Float32bits(sc.RenderDistance))
	for i, v := range sc.WorldMatrix {
		put32(b, 28+i*4, math.Float32bits(v))
	}
	for i, v := range sc.PrevWorldMatrix {
		put32(b, 28+64+i*4, math.Float32bits(v))
	}
	put32(b, 156, sc.Flags)
	put32(b, 160, sc.LOD)
	put32(b, 164, sc.ShaderProgramID)
	for i, v := range sc.BoundingSphere {
		put32(b, 168+i*4, math.Float32bits(v))
	}
	put32(b, 184, sc.Reserved0)
	put32(b, 188, sc.Reserved1)
}

func readSceneCommands(buf gfx.Buffer, count uint32) ([]layout.SceneCommand, error) {
	raw, err := buf.MapRead()
	if err != nil {
		return nil, err
	}
	defer buf.Unmap()
	out := make([]layout.SceneCommand, count)
	for i := uint32(0); i < count; i++ {
		lo := int(i) * layout.ExpectedSceneCommandSize
		out[i] = decodeSceneCommand(raw[lo : lo+layout.ExpectedSceneCommandSize])
	}
	return out, nil
}

func writeSceneCommands(buf gfx.Buffer, commands []layout.SceneCommand) error {
	out := make([]byte, len(commands)*layout.ExpectedSceneCommandSize)
	for i, sc := range commands {
		encodeSceneCommandInto(out[i*layout.ExpectedSceneCommandSize:(i+1)*layout.ExpectedSceneCommandSize], sc)
	}
	return buf.Write(0, out)
}

// Reset zeroes every per-pass count buffer, overflow flag, the
// truncation flag, and the stats block.
func (p *RenderPass) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	zeros12 := make([]byte, 12)
	if err := p.buf.CulledCountBuffer.Write(0, zeros12); err != nil {
		return err
	}
	if err := p.buf.CullCountScratch.Write(0, zeros12); err != nil {
		return err
	}
	if err := p.buf.DrawCountBuffer.Write(0, make([]byte, 4)); err != nil {
		return err
	}
	for _, flag := range []gfx.Buffer{p.buf.CullingOverflowFlag, p.buf.IndirectOverflowFlag, p.buf.OcclusionOverflowFlag, p.buf.TruncationFlag, p.buf.BatchCountBuffer} {
		if err := flag.Write(0, make([]byte, 4)); err != nil {
			return err
		}
	}
	if err := p.buf.StatsBuffer.Write(0, make([]byte, layout.ExpectedStatsBlockSize)); err != nil {
		return err
	}
	p.buf.occlusionActive = false
	p.device.MemoryBarrier()
	return nil
}

func readU32(buf gfx.Buffer) (uint32, error) {
	raw, err := buf.MapRead()
	if err != nil {
		return 0, err
	}
	defer buf.Unmap()
	if len(raw) < 4 {
		return 0, nil
	}
	return get32(raw, 0), nil
}

func writeU32(buf gfx.Buffer, v uint32) error {
	b := make([]byte, 4)
	put32(b, 0, v)
	return buf.Write(0, b)
}

// Cull reads LoadedCommands[0..totalCommandCount), tests each against the
// camera's six frustum planes and render_distance, writes survivors into
// CulledCommands in source order (a passthrough copy kernel substitutes
// when ForcePassthroughCulling is set), and records rejection counters.
func (p *RenderPass) Cull(camera Camera, totalCommandCount uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := p.scene.LoadedSnapshot()
	if uint32(len(all)) > totalCommandCount {
		all = all[:totalCommandCount]
	}

	planes := culling.ExtractFrustumPlanes(camera.viewProj())

	var stats Stats
	stats.InputCount = uint32(len(all))

	survivors := make([]layout.SceneCommand, 0, len(all))
	passthrough := p.ctx.Debug.ForcePassthroughCulling

	for _, sc := range all {
		if sc.RenderPass != p.renderPassID {
			continue
		}
		if p.layerMask != 0 && sc.LayerMask&p.layerMask == 0 {
			continue
		}

		if !passthrough {
			center := mgl32.Vec3{sc.BoundingSphere[0], sc.BoundingSphere[1], sc.BoundingSphere[2]}
			radius := sc.BoundingSphere[3]
			if !culling.SphereInFrustum(center, radius, planes) {
				stats.RejectedFrustum++
				continue
			}
			if sc.RenderDistance > 0 && camera.Far > 0 && sc.RenderDistance > camera.Far {
				stats.RejectedDistance++
				continue
			}
		}

		survivors = append(survivors, sc)
	}

	overflow := uint32(0)
	if uint32(len(survivors)) > p.capacity {
		survivors = survivors[:p.capacity]
		overflow = 1
	}

	if err := writeSceneCommands(p.buf.CulledCommands, survivors); err != nil {
		return err
	}
	countRec := make([]byte, 12)
	put32(countRec, 0, uint32(len(survivors)))
	put32(countRec, 4, sumInstances(survivors))
	put32(countRec, 8, overflow)
	if err := p.buf.CulledCountBuffer.Write(0, countRec); err != nil {
		return err
	}
	if err := writeU32(p.buf.CullingOverflowFlag, overflow); err != nil {
		return err
	}

	stats.CulledCount = uint32(len(survivors))
	p.lastStats = stats
	p.writeStatsLocked(stats)

	p.device.MemoryBarrier()
	return nil
}

func sumInstances(commands []layout.SceneCommand) uint32 {
	var total uint32
	for _, c := range commands {
		n := c.InstanceCount
		if n == 0 {
			n = 1
		}
		total += n
	}
	return total
}

func (p *RenderPass) writeStatsLocked(stats Stats) {
	b := make([]byte, layout.ExpectedStatsBlockSize)
	put32(b, 0, stats.InputCount)
	put32(b, 4, stats.CulledCount)
	put32(b, 8, stats.DrawnCount)
	put32(b, 12, stats.RejectedFrustum)
	put32(b, 16, stats.RejectedDistance)
	p.buf.StatsBuffer.Write(0, b)
}

// ActiveCommandsCount returns the live count in whichever buffer the
// pipeline currently treats as authoritative: OcclusionCulled after a
// successful refine, CulledCommands otherwise.
func (p *RenderPass) ActiveCommandsCount() (uint32, error) {
	p.mu.Lock()
	buf := p.buf.CulledCountBuffer
	if p.buf.occlusionActive {
		buf = p.buf.CullCountScratch
	}
	p.mu.Unlock()
	n, err := readU32(buf)
	return n, err
}

// ActiveCommands returns the live command slice for BuildKeys/BuildBatches.
func (p *RenderPass) ActiveCommands() ([]layout.SceneCommand, error) {
	count, err := p.ActiveCommandsCount()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	buf := p.buf.CulledCommands
	if p.buf.occlusionActive {
		buf = p.buf.OcclusionCulled
	}
	p.mu.Unlock()
	return readSceneCommands(buf, count)
}

// SwapToOcclusionCulled is called by package occlusion after a
// successful refine to pointer-swap the active buffer.
func (p *RenderPass) SwapToOcclusionCulled() {
	p.mu.Lock()
	p.buf.occlusionActive = true
	p.mu.Unlock()
}

// BuildKeys writes one SortKey per active command.
func (p *RenderPass) BuildKeys() ([]layout.SortKey, error) {
	commands, err := p.ActiveCommands()
	if err != nil {
		return nil, err
	}
	keys := make([]layout.SortKey, len(commands))
	for i, sc := range commands {
		keys[i] = layout.SortKey{
			PassPipelineState: sc.RenderPass,
			MaterialID:        sc.MaterialID,
			MeshID:            sc.MeshID,
			SourceIndex:       sc.Reserved1,
		}
	}

	out := make([]byte, len(keys)*layout.ExpectedSortKeySize)
	for i, k := range keys {
		off := i * layout.ExpectedSortKeySize
		put32(out, off, k.PassPipelineState)
		put32(out, off+4, k.MaterialID)
		put32(out, off+8, k.MeshID)
		put32(out, off+12, k.SourceIndex)
	}
	if err := p.buf.SortKeyBuffer.Write(0, out); err != nil {
		return nil, err
	}
	p.device.MemoryBarrier()
	return keys, nil
}

// BuildBatches groups consecutive same-material keys into
// BatchRangeEntry ranges, writes IndirectDraw records from MeshDataBuffer
// plus per-command instance counts, and (when instance aggregation is
// enabled and the material allows it) collapses consecutive
// same-mesh-same-material commands into a single draw with an
// incremented instance_count and appended InstanceTransformBuffer
// entries.
func (p *RenderPass) BuildBatches(keys []layout.SortKey, commands []layout.SceneCommand, enableMaterialSort, enableInstanceAggregation bool) ([]layout.BatchRangeEntry, error) {
	if enableMaterialSort {
		keys, commands = sortByMaterial(keys, commands)
	}

	var draws []layout.IndirectDraw
	var instanceTransforms []mgl32.Mat4
	var instanceSourceIndices []uint32
	var ranges []layout.BatchRangeEntry

	i := 0
	overflow := uint32(0)
	truncated := uint32(0)

	for i < len(commands) {
		material := commands[i].MaterialID
		batchStart := len(draws)

		j := i
		for j < len(commands) && commands[j].MaterialID == material {
			sc := commands[j]
			aggregates := enableInstanceAggregation && p.scene.MaterialFlagsByID(material).SupportsInstanceAggregation

			if aggregates && j+1 < len(commands) && commands[j+1].MaterialID == material && commands[j+1].MeshID == sc.MeshID {
				mesh, ok := p.scene.TryGetMeshData(sc.MeshID)
				if !ok {
					j++
					continue
				}
				instanceCount := uint32(0)
				k := j
				for k < len(commands) && commands[k].MaterialID == material && commands[k].MeshID == sc.MeshID {
					instanceCount += maxU32(commands[k].InstanceCount, 1)
					instanceTransforms = append(instanceTransforms, matFromArray(commands[k].WorldMatrix))
					instanceSourceIndices = append(instanceSourceIndices, commands[k].Reserved1)
					k++
				}
				draws = append(draws, layout.IndirectDraw{
					IndexCount:    mesh.IndexCount,
					InstanceCount: instanceCount,
					FirstIndex:    mesh.FirstIndex,
					BaseVertex:    mesh.FirstVertex,
					BaseInstance:  uint32(len(instanceTransforms)) - instanceCount,
				})
				j = k
				continue
			}

			mesh, ok := p.scene.TryGetMeshData(sc.MeshID)
			if !ok {
				j++
				continue
			}
			instances := maxU32(sc.InstanceCount, 1)
			draws = append(draws, layout.IndirectDraw{
				IndexCount:    mesh.IndexCount,
				InstanceCount: instances,
				FirstIndex:    mesh.FirstIndex,
				BaseVertex:    mesh.FirstVertex,
				BaseInstance:  0,
			})
			j++
		}

		if uint32(len(draws)) > p.capacity {
			draws = draws[:p.capacity]
			overflow = 1
			truncated = 1
			i = len(commands)
			break
		}

		ranges = append(ranges, layout.BatchRangeEntry{
			DrawOffset: uint32(batchStart),
			DrawCount:  uint32(len(draws) - batchStart),
			MaterialID: material,
		})
		i = j
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, len(draws)*layout.ExpectedIndirectDrawSize)
	for idx, d := range draws {
		off := idx * layout.ExpectedIndirectDrawSize
		put32(out, off, d.IndexCount)
		put32(out, off+4, d.InstanceCount)
		put32(out, off+8, d.FirstIndex)
		put32(out, off+12, d.BaseVertex)
		put32(out, off+16, d.BaseInstance)
	}
	if err := p.buf.IndirectDraw.Write(0, out); err != nil {
		return nil, err
	}

	rangesOut := make([]byte, len(ranges)*layout.ExpectedBatchRangeEntrySize)
	for idx, r := range ranges {
		off := idx * layout.ExpectedBatchRangeEntrySize
		put32(rangesOut, off, r.DrawOffset)
		put32(rangesOut, off+4, r.DrawCount)
		put32(rangesOut, off+8, r.MaterialID)
	}
	if err := p.buf.BatchRangeBuffer.Write(0, rangesOut); err != nil {
		return nil, err
	}

	if err := writeU32(p.buf.DrawCountBuffer, uint32(len(draws))); err != nil {
		return nil, err
	}
	if err := writeU32(p.buf.IndirectOverflowFlag, overflow); err != nil {
		return nil, err
	}
	if err := writeU32(p.buf.TruncationFlag, truncated); err != nil {
		return nil, err
	}

	itOut := make([]byte, len(instanceTransforms)*64)
	for idx, m := range instanceTransforms {
		off := idx * 64
		for c, v := range m {
			put32(itOut, off+c*4, math.Float32bits(v))
		}
	}
	p.buf.InstanceTransformBuffer.Write(0, itOut)

	isOut := make([]byte, len(instanceSourceIndices)*4)
	for idx, v := range instanceSourceIndices {
		put32(isOut, idx*4, v)
	}
	p.buf.InstanceSourceIndexBuffer.Write(0, isOut)

	p.lastStats.DrawnCount = uint32(len(draws))
	p.writeStatsLocked(p.lastStats)

	p.device.MemoryBarrier()
	return ranges, nil
}

func matFromArray(a [16]float32) mgl32.Mat4 {
	var m mgl32.Mat4
	copy(m[:], a[:])
	return m
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func sortByMaterial(keys []layout.SortKey, commands []layout.SceneCommand) ([]layout.SortKey, []layout.SceneCommand) {
	type pair struct {
		k layout.SortKey
		c layout.SceneCommand
	}
	pairs := make([]pair, len(keys))
	for i := range keys {
		pairs[i] = pair{keys[i], commands[i]}
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j-1].k.MaterialID > pairs[j].k.MaterialID; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
	outKeys := make([]layout.SortKey, len(pairs))
	outCommands := make([]layout.SceneCommand, len(pairs))
	for i, pr := range pairs {
		outKeys[i] = pr.k
		outCommands[i] = pr.c
	}
	return outKeys, outCommands
}

// DrawCount reads back DrawCountBuffer, the authority the multi-draw
// submission binds against.
func (p *RenderPass) DrawCount() (uint32, error) {
	return readU32(p.buf.DrawCountBuffer)
}

// Submit issues MultiDrawIndirectCount once per batch range, binding
// each range's material before the call.
func (p *RenderPass) Submit(ranges []layout.BatchRangeEntry, bindMaterial func(materialID uint32)) error {
	drawCount, err := p.DrawCount()
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if bindMaterial != nil {
			bindMaterial(r.MaterialID)
		}
		p.device.MultiDrawIndirectCount(p.buf.IndirectDraw, p.buf.DrawCountBuffer, drawCount, layout.ExpectedIndirectDrawSize)
	}
	return nil
}
