package renderpass

import (
	"encoding/binary"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
	"github.com/BlackJaxDev/xrengine-indirect/scenestore"
)

func triangle() meshatlas.Mesh {
	return meshatlas.Mesh{
		Topology:  meshatlas.TriangleList,
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2},
	}
}

func newHarness(t *testing.T) (*config.GpuRenderContext, gfx.Device, *meshatlas.Atlas, *scenestore.Store) {
	t.Helper()
	ctx := config.NewGpuRenderContext()
	device := gfx.NewSoftwareDevice()
	atlas := meshatlas.New(ctx, device)
	provider := func(ref scenestore.MeshRef) (meshatlas.Mesh, scenestore.Sphere, bool) {
		if ref != "tri" {
			return meshatlas.Mesh{}, scenestore.Sphere{}, false
		}
		return triangle(), scenestore.Sphere{Center: mgl32.Vec3{0, 0, 0}, Radius: 1}, true
	}
	store := scenestore.New(ctx, atlas, device, provider)
	return ctx, device, atlas, store
}

func addVisibleTriangle(t *testing.T, store *scenestore.Store, zOffset float32) {
	t.Helper()
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh:           "tri",
		WorldMatrix:    mgl32.Translate3D(0, 0, zOffset),
		Instances:      1,
		RenderPass:     0,
		RenderDistance: 100,
	}})
	require.NoError(t, err)
}

func basicCamera() Camera {
	return Camera{
		WorldMatrix:      mgl32.Ident4(),
		ProjectionMatrix: mgl32.Perspective(mgl32.DegToRad(60), 16.0 / 9.0, 0.1, 1000),
		Near:             0.1,
		Far:              1000,
	}
}

func TestCull_AcceptsCommandInFrustum(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	addVisibleTriangle(t, store, -5)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	count, err := pass.ActiveCommandsCount()
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)
}

func TestCull_RejectsCommandBehindCamera(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	addVisibleTriangle(t, store, -5)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())

	camera := basicCamera()
	camera.WorldMatrix = mgl32.Translate3D(0, 0, -20)
	require.NoError(t, pass.Cull(camera, total))

	count, err := pass.ActiveCommandsCount()
	require.NoError(t, err)
	require.Equal(t, uint32(0), count)
}

func TestCull_PassthroughSkipsFrustumTest(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	ctx.Debug.ForcePassthroughCulling = true
	addVisibleTriangle(t, store, -5)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())

	camera := basicCamera()
	camera.WorldMatrix = mgl32.Translate3D(0, 0, -20)
	require.NoError(t, pass.Cull(camera, total))

	count, err := pass.ActiveCommandsCount()
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)
}

func TestBuildBatches_ProducesOneDrawPerCommand(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	addVisibleTriangle(t, store, -5)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	keys, err := pass.BuildKeys()
	require.NoError(t, err)
	commands, err := pass.ActiveCommands()
	require.NoError(t, err)

	ranges, err := pass.BuildBatches(keys, commands, true, false)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	require.Equal(t, uint32(1), ranges[0].DrawCount)

	drawCount, err := pass.DrawCount()
	require.NoError(t, err)
	require.Equal(t, uint32(1), drawCount)
}

func TestReset_IssuesMemoryBarrier(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))

	sw := device.(*gfx.SoftwareDevice)
	before := sw.BarrierCount()
	require.NoError(t, pass.Reset())
	require.Greater(t, sw.BarrierCount(), before)
}

// TestBuildBatches_MaterialSortGroupsSameMaterialCommandsTogether covers
// the material-sort scenario: three commands alternating between two
// materials collapse into one batch per distinct material once sorted.
func TestBuildBatches_MaterialSortGroupsSameMaterialCommandsTogether(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{
		{Mesh: "tri", MaterialOverride: "matB", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100},
		{Mesh: "tri", MaterialOverride: "matA", WorldMatrix: mgl32.Translate3D(1, 0, -5), Instances: 1, RenderDistance: 100},
		{Mesh: "tri", MaterialOverride: "matB", WorldMatrix: mgl32.Translate3D(2, 0, -5), Instances: 1, RenderDistance: 100},
	})
	require.NoError(t, err)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	keys, err := pass.BuildKeys()
	require.NoError(t, err)
	commands, err := pass.ActiveCommands()
	require.NoError(t, err)

	ranges, err := pass.BuildBatches(keys, commands, true, false)
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	var drawTotal uint32
	for _, r := range ranges {
		drawTotal += r.DrawCount
	}
	require.Equal(t, uint32(3), drawTotal)
}

// TestBuildBatches_RangesStayContiguousAcrossMaterialBoundaries asserts
// batch ranges tile the draw buffer with no gaps or overlaps: each
// range's DrawOffset picks up exactly where the previous one ended, and
// the last range ends at DrawCount.
func TestBuildBatches_RangesStayContiguousAcrossMaterialBoundaries(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{
		{Mesh: "tri", MaterialOverride: "matB", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100},
		{Mesh: "tri", MaterialOverride: "matA", WorldMatrix: mgl32.Translate3D(1, 0, -5), Instances: 1, RenderDistance: 100},
		{Mesh: "tri", MaterialOverride: "matB", WorldMatrix: mgl32.Translate3D(2, 0, -5), Instances: 1, RenderDistance: 100},
	})
	require.NoError(t, err)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	keys, err := pass.BuildKeys()
	require.NoError(t, err)
	commands, err := pass.ActiveCommands()
	require.NoError(t, err)

	ranges, err := pass.BuildBatches(keys, commands, true, false)
	require.NoError(t, err)

	var offset uint32
	for _, r := range ranges {
		require.Equal(t, offset, r.DrawOffset)
		offset += r.DrawCount
	}
	drawCount, err := pass.DrawCount()
	require.NoError(t, err)
	require.Equal(t, offset, drawCount)
}

// TestCull_SetsOverflowFlagWhenSurvivorsExceedCapacity covers the
// capacity-overflow scenario: more in-frustum commands than the pass's
// capacity sets CullingOverflowFlag and truncates ActiveCommandsCount.
func TestCull_SetsOverflowFlagWhenSurvivorsExceedCapacity(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	cmds := make([]scenestore.RenderableMeshCommand, config.MinCommandCount+1)
	for i := range cmds {
		cmds[i] = scenestore.RenderableMeshCommand{
			Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
		}
	}
	_, err := store.Add("e", cmds)
	require.NoError(t, err)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	count, err := pass.ActiveCommandsCount()
	require.NoError(t, err)
	require.Equal(t, uint32(config.MinCommandCount), count)

	raw, err := pass.Buffers().CullingOverflowFlag.MapRead()
	require.NoError(t, err)
	require.NotZero(t, binary.LittleEndian.Uint32(raw[0:4]))
}

// TestBuildBatches_InstanceAggregationCollapsesConsecutiveSameMeshCommands
// covers instance aggregation: two consecutive commands sharing a mesh
// and a SupportsInstanceAggregation material collapse into one draw with
// instance_count=2 and two InstanceSourceIndexBuffer entries.
func TestBuildBatches_InstanceAggregationCollapsesConsecutiveSameMeshCommands(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	store.SetMaterialFlags("matAgg", scenestore.MaterialFlags{SupportsInstanceAggregation: true})
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{
		{Mesh: "tri", MaterialOverride: "matAgg", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100},
		{Mesh: "tri", MaterialOverride: "matAgg", WorldMatrix: mgl32.Translate3D(1, 0, -5), Instances: 1, RenderDistance: 100},
	})
	require.NoError(t, err)
	atlas.RebuildIfDirty()
	total, err := store.Swap()
	require.NoError(t, err)

	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(basicCamera(), total))

	keys, err := pass.BuildKeys()
	require.NoError(t, err)
	commands, err := pass.ActiveCommands()
	require.NoError(t, err)

	ranges, err := pass.BuildBatches(keys, commands, false, true)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	require.Equal(t, uint32(1), ranges[0].DrawCount)

	drawCount, err := pass.DrawCount()
	require.NoError(t, err)
	require.Equal(t, uint32(1), drawCount)

	rawDraw, err := pass.Buffers().IndirectDraw.MapRead()
	require.NoError(t, err)
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(rawDraw[4:8]))

	rawIdx, err := pass.Buffers().InstanceSourceIndexBuffer.MapRead()
	require.NoError(t, err)
	idx0 := binary.LittleEndian.Uint32(rawIdx[0:4])
	idx1 := binary.LittleEndian.Uint32(rawIdx[4:8])
	require.ElementsMatch(t, []uint32{0, 1}, []uint32{idx0, idx1})
}

// TestBuildHiZPyramid_MinReductionPropagatesAUniformDepthToTheCoarsestMip
// covers the pyramid-build operation itself: writing a uniform depth
// into mip 0 under the reverse-Z min reduction leaves the coarsest mip
// at the same value.
func TestBuildHiZPyramid_MinReductionPropagatesAUniformDepthToTheCoarsestMip(t *testing.T) {
	ctx, device, atlas, store := newHarness(t)
	pass := New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))

	depth := make([]float32, config.HiZPyramidWidth*config.HiZPyramidHeight)
	for i := range depth {
		depth[i] = 0.5
	}
	require.NoError(t, pass.BuildHiZPyramid(depth, true))

	memTex, ok := pass.Buffers().HiZPyramid.(*gfx.MemoryTexture)
	require.True(t, ok)

	_, _, coarsest := memTex.Mip(memTex.MipLevels() - 1)
	for _, v := range coarsest {
		require.Equal(t, float32(0.5), v)
	}
}
