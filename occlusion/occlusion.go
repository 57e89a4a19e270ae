// Package occlusion implements OcclusionEngine, the second culling pass
// a RenderPass runs after frustum culling: a Hi-Z depth-pyramid test or a
// hardware-query-backed CPU readback, each narrowing CulledCommands down
// further before BuildKeys runs.
//
// Structured after a mip-chain downsample-and-readback pipeline: per-mip
// compute passes narrowing a full-resolution depth buffer into a small
// pyramid, then a row-aligned CopyTextureToBuffer readback unpacked on
// the CPU. The GPU-HiZ mode here keeps that shape; the CPU-query mode
// generalizes it to asynchronous hardware occlusion queries with
// temporal hysteresis instead of a depth pyramid.
package occlusion

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
	"github.com/BlackJaxDev/xrengine-indirect/renderpass"
)

// FrameStats summarizes one Apply call for diagnostics and tests.
type FrameStats struct {
	Candidates       uint32
	Accepted         uint32
	Recoveries       uint32
	TemporalOverrides uint32
}

type queryState struct {
	consecutiveZero uint32
	occluded        bool
}

// QuerySampleFunc reports whether a hardware occlusion query for the
// given source command returned any samples passed this frame. Engine
// calls this once per CPU-query candidate, up to CpuOccMaxPerFrame per
// frame; embedders wire in the real query readback here, and tests set
// a deterministic one via SetQuerySampleFunc to drive the hysteresis
// state machine.
type QuerySampleFunc func(sc layout.SceneCommand) bool

// defaultQuerySample stands in for the hardware query result when no
// QuerySampleFunc has been set: a command with a positive bounding
// radius never occupies zero screen pixels, which is the one case the
// reference pipeline can evaluate without a rasterizer.
func defaultQuerySample(sc layout.SceneCommand) bool {
	return sc.BoundingSphere[3] > 0
}

// Engine is the OcclusionEngine: mode-selected, stateful across frames
// for the CPU-query path's temporal hysteresis.
type Engine struct {
	ctx    *config.GpuRenderContext
	device gfx.Device

	mode config.OcclusionMode

	lastCameraWorld mgl32.Mat4
	lastProj        mgl32.Mat4
	haveLastCamera  bool

	queryBySource map[uint32]*queryState
	querySample   QuerySampleFunc

	lastStats FrameStats
}

// New builds an Engine reading its mode from ctx.Settings.GpuOcclusionMode.
func New(ctx *config.GpuRenderContext, device gfx.Device) *Engine {
	return &Engine{
		ctx:           ctx,
		device:        device,
		mode:          ctx.Settings.GpuOcclusionMode,
		queryBySource: make(map[uint32]*queryState),
		querySample:   defaultQuerySample,
	}
}

// SetQuerySampleFunc overrides the per-candidate hardware-query sample
// source for the CpuQueryAsync mode. Passing nil restores the default.
func (e *Engine) SetQuerySampleFunc(f QuerySampleFunc) {
	if f == nil {
		f = defaultQuerySample
	}
	e.querySample = f
}

func (e *Engine) Stats() FrameStats { return e.lastStats }

// Refine implements renderpass.OcclusionRefiner. OcclusionDisabled mode
// or ForcePassthroughCulling disables occlusion for the frame: Refine
// leaves CulledCommands as the active buffer and records zero stats.
// Refine does not detect shadow passes; it refines every pass it is
// called with.
func (e *Engine) Refine(pass *renderpass.RenderPass, camera renderpass.Camera) error {
	if e.mode == config.OcclusionDisabled || e.ctx.Debug.ForcePassthroughCulling {
		e.lastStats = FrameStats{}
		return nil
	}

	commands, err := pass.ActiveCommands()
	if err != nil {
		return err
	}

	switch e.mode {
	case config.OcclusionGpuHiZ:
		return e.refineGpuHiZ(pass, camera, commands)
	case config.OcclusionCpuQueryAsync:
		return e.refineCpuQuery(pass, camera, commands)
	}
	return nil
}

func (e *Engine) cameraJumped(camera renderpass.Camera) bool {
	if !e.haveLastCamera {
		return true
	}
	lastPos := e.lastCameraWorld.Col(3).Vec3()
	curPos := camera.WorldMatrix.Col(3).Vec3()
	if lastPos.Sub(curPos).Len() > config.TemporalCameraJump {
		return true
	}
	var projDelta float32
	for i := 0; i < 16; i++ {
		d := camera.ProjectionMatrix[i] - e.lastProj[i]
		projDelta += d * d
	}
	return float32(math.Sqrt(float64(projDelta))) > config.TemporalProjDelta
}

// refineGpuHiZ samples the Hi-Z pyramid at the mip pickMip selects for a
// command's screen-space footprint and rejects it if the nearest depth of
// its bounding sphere is farther than the sampled occluder depth.
func (e *Engine) refineGpuHiZ(pass *renderpass.RenderPass, camera renderpass.Camera, commands []layout.SceneCommand) error {
	buf := pass.Buffers()
	if buf.HiZPyramid == nil {
		e.lastStats = FrameStats{}
		return writeActiveUnchanged(pass, commands)
	}

	memTex, ok := buf.HiZPyramid.(*gfx.MemoryTexture)
	if !ok {
		// A real GPU texture needs a compute dispatch + readback host
		// round trip that isn't modeled here; treat as passthrough.
		e.lastStats = FrameStats{}
		return writeActiveUnchanged(pass, commands)
	}

	view := camera.WorldMatrix.Inv()
	viewProj := camera.ProjectionMatrix.Mul4(view)

	var stats FrameStats
	survivors := make([]layout.SceneCommand, 0, len(commands))
	for _, sc := range commands {
		stats.Candidates++
		center := mgl32.Vec3{sc.BoundingSphere[0], sc.BoundingSphere[1], sc.BoundingSphere[2]}
		radius := sc.BoundingSphere[3]

		clip := viewProj.Mul4x1(mgl32.Vec4{center.X(), center.Y(), center.Z(), 1})
		if clip.W() <= 0 {
			survivors = append(survivors, sc)
			stats.Accepted++
			continue
		}
		// The sphere's nearest point lies radius closer to the camera along
		// the view axis (the camera looks down -Z).
		nearView := view.Mul4x1(mgl32.Vec4{center.X(), center.Y(), center.Z(), 1}).Add(mgl32.Vec4{0, 0, radius, 0})
		nearClip := camera.ProjectionMatrix.Mul4x1(nearView)
		if nearClip.W() <= 0 {
			survivors = append(survivors, sc)
			stats.Accepted++
			continue
		}
		ndcDepth := nearClip.Z() / nearClip.W()

		level := pickMip(memTex, radius, clip.W())
		w, h, data := memTex.Mip(level)
		u := (clip.X()/clip.W()*0.5 + 0.5)
		v := (clip.Y()/clip.W()*0.5 + 0.5)
		px := clampi(int(u*float32(w)), 0, int(w)-1)
		py := clampi(int(v*float32(h)), 0, int(h)-1)
		occluderDepth := data[py*int(w)+px]

		if ndcDepth <= occluderDepth {
			survivors = append(survivors, sc)
			stats.Accepted++
		}
	}

	e.lastStats = stats
	return commitOcclusion(pass, survivors)
}

// pickMip returns the finest mip level at which one texel spans at least
// the sphere's approximate projected diameter (radius/viewDistance in NDC
// half-extent), clamped to the coarsest mip.
func pickMip(tex *gfx.MemoryTexture, radius, viewDistance float32) uint32 {
	texels := radius / maxf(viewDistance, 0.001) * float32(tex.Width())
	level := uint32(0)
	for level+1 < tex.MipLevels() && texels > 1 {
		texels *= 0.5
		level++
	}
	return level
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func clampi(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// refineCpuQuery models asynchronous hardware occlusion queries: each
// source command carries a sample count from the previous frame's
// query, and TemporalHysteresis consecutive zero-sample frames are
// required before a command is declared occluded. A camera jump or
// large projection change invalidates every query result for one
// frame, forcing every candidate through and counting it as a temporal
// override.
func (e *Engine) refineCpuQuery(pass *renderpass.RenderPass, camera renderpass.Camera, commands []layout.SceneCommand) error {
	invalidated := e.cameraJumped(camera)
	e.lastCameraWorld = camera.WorldMatrix
	e.lastProj = camera.ProjectionMatrix
	e.haveLastCamera = true

	limit := config.CpuOccMaxPerFrame
	var stats FrameStats
	survivors := make([]layout.SceneCommand, 0, len(commands))

	for i, sc := range commands {
		stats.Candidates++
		source := sc.Reserved1
		st, tracked := e.queryBySource[source]
		if !tracked {
			st = &queryState{}
			e.queryBySource[source] = st
		}

		if invalidated {
			st.consecutiveZero = 0
			st.occluded = false
			stats.TemporalOverrides++
			survivors = append(survivors, sc)
			stats.Accepted++
			continue
		}

		if i < limit {
			visible := e.querySample(sc)
			if visible {
				st.consecutiveZero = 0
				if st.occluded {
					stats.Recoveries++
				}
				st.occluded = false
			} else {
				st.consecutiveZero++
				if st.consecutiveZero >= config.TemporalHysteresis {
					st.occluded = true
				}
			}
		}

		if !st.occluded {
			survivors = append(survivors, sc)
			stats.Accepted++
		}
	}

	e.lastStats = stats
	return commitOcclusion(pass, survivors)
}

func writeActiveUnchanged(pass *renderpass.RenderPass, commands []layout.SceneCommand) error {
	return commitOcclusion(pass, commands)
}

func commitOcclusion(pass *renderpass.RenderPass, survivors []layout.SceneCommand) error {
	buf := pass.Buffers().OcclusionCulled
	out := make([]byte, len(survivors)*layout.ExpectedSceneCommandSize)
	for i, sc := range survivors {
		encodeInto(out[i*layout.ExpectedSceneCommandSize:(i+1)*layout.ExpectedSceneCommandSize], sc)
	}
	if err := buf.Write(0, out); err != nil {
		return err
	}
	countBuf := pass.Buffers().CullCountScratch
	rec := make([]byte, 12)
	putU32At(rec, 0, uint32(len(survivors)))
	if err := countBuf.Write(0, rec); err != nil {
		return err
	}
	pass.SwapToOcclusionCulled()
	return nil
}

func putU32At(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func encodeInto(b []byte, sc layout.SceneCommand) {
	putU32At(b, 0, sc.MeshID)
	putU32At(b, 4, sc.SubmeshID)
	putU32At(b, 8, sc.MaterialID)
	putU32At(b, 12, sc.RenderPass)
	putU32At(b, 16, sc.InstanceCount)
	putU32At(b, 20, sc.LayerMask)
	putF32At(b, 24, sc.RenderDistance)
	for i, v := range sc.WorldMatrix {
		putF32At(b, 28+i*4, v)
	}
	for i, v := range sc.PrevWorldMatrix {
		putF32At(b, 28+64+i*4, v)
	}
	putU32At(b, 156, sc.Flags)
	putU32At(b, 160, sc.LOD)
	putU32At(b, 164, sc.ShaderProgramID)
	for i, v := range sc.BoundingSphere {
		putF32At(b, 168+i*4, v)
	}
	putU32At(b, 184, sc.Reserved0)
	putU32At(b, 188, sc.Reserved1)
}

func putF32At(b []byte, off int, v float32) {
	putU32At(b, off, math.Float32bits(v))
}
