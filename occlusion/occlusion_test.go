package occlusion

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
	"github.com/BlackJaxDev/xrengine-indirect/meshatlas"
	"github.com/BlackJaxDev/xrengine-indirect/renderpass"
	"github.com/BlackJaxDev/xrengine-indirect/scenestore"
)

func triangle() meshatlas.Mesh {
	return meshatlas.Mesh{
		Topology:  meshatlas.TriangleList,
		Positions: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2},
	}
}

func newHarness(t *testing.T, mode config.OcclusionMode) (*config.GpuRenderContext, gfx.Device, *renderpass.RenderPass, *scenestore.Store, *Engine) {
	t.Helper()
	ctx := config.NewGpuRenderContext()
	ctx.Settings.GpuOcclusionMode = mode
	device := gfx.NewSoftwareDevice()
	atlas := meshatlas.New(ctx, device)
	provider := func(ref scenestore.MeshRef) (meshatlas.Mesh, scenestore.Sphere, bool) {
		if ref != "tri" {
			return meshatlas.Mesh{}, scenestore.Sphere{}, false
		}
		return triangle(), scenestore.Sphere{Center: mgl32.Vec3{0, 0, 0}, Radius: 1}, true
	}
	store := scenestore.New(ctx, atlas, device, provider)
	pass := renderpass.New(ctx, device, atlas, store, 0, 0xFFFFFFFF)
	require.NoError(t, pass.PreRenderInitialize(config.MinCommandCount))
	engine := New(ctx, device)
	return ctx, device, pass, store, engine
}

func camera() renderpass.Camera {
	return renderpass.Camera{
		WorldMatrix:      mgl32.Ident4(),
		ProjectionMatrix: mgl32.Perspective(mgl32.DegToRad(60), 16.0 / 9.0, 0.1, 1000),
		Near:             0.1,
		Far:              1000,
	}
}

func TestRefine_DisabledModeLeavesStatsZero(t *testing.T) {
	_, _, pass, store, engine := newHarness(t, config.OcclusionDisabled)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	require.Equal(t, FrameStats{}, engine.Stats())
}

func TestRefine_PassthroughDebugFlagDisablesOcclusion(t *testing.T) {
	ctx, _, pass, store, engine := newHarness(t, config.OcclusionCpuQueryAsync)
	ctx.Debug.ForcePassthroughCulling = true
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	require.Equal(t, FrameStats{}, engine.Stats())
}

func TestRefine_CpuQueryFirstFrameIsACameraJumpOverride(t *testing.T) {
	_, _, pass, store, engine := newHarness(t, config.OcclusionCpuQueryAsync)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	stats := engine.Stats()
	require.Equal(t, uint32(1), stats.Candidates)
	require.Equal(t, uint32(1), stats.TemporalOverrides)
	require.Equal(t, uint32(1), stats.Accepted)
}

func TestRefine_CpuQuerySecondFrameNoLongerTreatsItAsAJump(t *testing.T) {
	_, _, pass, store, engine := newHarness(t, config.OcclusionCpuQueryAsync)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	require.Equal(t, uint32(0), engine.Stats().TemporalOverrides)
}

// TestRefine_CpuQueryHysteresisCullsAtThresholdAndRecoversOnASinglePass
// covers property 7: TemporalHysteresis consecutive zero-sample frames
// cull a command, and a single samples-passed frame afterward restores
// it and records a recovery.
func TestRefine_CpuQueryHysteresisCullsAtThresholdAndRecoversOnASinglePass(t *testing.T) {
	_, _, pass, store, engine := newHarness(t, config.OcclusionCpuQueryAsync)
	_, err := store.Add("e", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -5), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	visible := false
	engine.SetQuerySampleFunc(func(sc layout.SceneCommand) bool { return visible })

	// Frame 1 is always a camera-jump override (no prior camera state),
	// so it doesn't consume a hysteresis sample.
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	for i := 0; i < config.TemporalHysteresis; i++ {
		require.NoError(t, pass.Reset())
		require.NoError(t, pass.Cull(camera(), total))
		require.NoError(t, engine.Refine(pass, camera()))
	}
	require.Equal(t, uint32(0), engine.Stats().Accepted, "command should be culled once the hysteresis threshold is reached")

	visible = true
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(camera(), total))
	require.NoError(t, engine.Refine(pass, camera()))

	stats := engine.Stats()
	require.Equal(t, uint32(1), stats.Accepted)
	require.Equal(t, uint32(1), stats.Recoveries)
}

// TestRefine_GpuHiZOccludesDistantSphereBehindNearSphere covers S6: a
// near sphere fully covering the depth pyramid occludes a far sphere
// directly behind it, leaving DrawCount at 1.
func TestRefine_GpuHiZOccludesDistantSphereBehindNearSphere(t *testing.T) {
	_, _, pass, store, engine := newHarness(t, config.OcclusionGpuHiZ)
	_, err := store.Add("front", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -20), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	_, err = store.Add("back", []scenestore.RenderableMeshCommand{{
		Mesh: "tri", WorldMatrix: mgl32.Translate3D(0, 0, -40), Instances: 1, RenderDistance: 100,
	}})
	require.NoError(t, err)
	total, err := store.Swap()
	require.NoError(t, err)

	cam := camera()
	require.NoError(t, pass.Reset())
	require.NoError(t, pass.Cull(cam, total))

	viewProj := cam.ProjectionMatrix.Mul4(cam.WorldMatrix.Inv())
	frontClip := viewProj.Mul4x1(mgl32.Vec4{0, 0, -20, 1})
	backClip := viewProj.Mul4x1(mgl32.Vec4{0, 0, -40, 1})
	frontNDC := frontClip.Z() / frontClip.W()
	backNDC := backClip.Z() / backClip.W()
	occluderDepth := (frontNDC + backNDC) / 2

	depth := make([]float32, config.HiZPyramidWidth*config.HiZPyramidHeight)
	for i := range depth {
		depth[i] = occluderDepth
	}
	require.NoError(t, pass.BuildHiZPyramid(depth, cam.ReversedDepth))

	require.NoError(t, engine.Refine(pass, cam))

	count, err := pass.ActiveCommandsCount()
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	stats := engine.Stats()
	require.Equal(t, uint32(2), stats.Candidates)
	require.Equal(t, uint32(1), stats.Accepted)
}
