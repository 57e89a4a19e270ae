// Package viewset implements ViewSet: the triple-buffered ring of
// ViewDescriptor/ViewConstants records a frame's active views (main
// camera, shadow cascades, mirror/portal cameras) are uploaded into, and
// PrepareCommandViewMasks, which stamps each loaded scene command with a
// bitmask of which of those views it is visible to.
//
// Grounded on a per-camera view/projection upload ring generalized from
// one camera per frame to AbsoluteMaxViews concurrently active views
// sharing one GPU-visible buffer, triple-buffered so the render thread
// never writes the slice the GPU is still reading from two frames back.
package viewset

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/culling"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
)

const ringSize = 3

// View is one active view for a frame: a camera plus the render passes
// it contributes to.
type View struct {
	WorldMatrix      mgl32.Mat4
	ProjectionMatrix mgl32.Mat4
	Near, Far        float32
	RenderPassMask   uint64
	ViewKind         uint32
	Viewport         [4]float32
}

// ViewSet owns the triple-buffered descriptor/constants ring and the
// per-view visible-index/draw-count buffers.
type ViewSet struct {
	ctx    *config.GpuRenderContext
	device gfx.Device

	descriptorRing [ringSize]gfx.Buffer
	constantsRing  [ringSize]gfx.Buffer
	ringIndex      int

	PerViewVisibleIndices gfx.Buffer
	PerViewDrawCount      gfx.Buffer

	views []View
}

// New allocates the triple-buffered ring sized for AbsoluteMaxViews.
func New(ctx *config.GpuRenderContext, device gfx.Device, maxCommandsPerView uint32) (*ViewSet, error) {
	vs := &ViewSet{ctx: ctx, device: device}
	for i := 0; i < ringSize; i++ {
		d, err := device.CreateStorageBuffer("viewset.descriptors", uint64(config.AbsoluteMaxViews)*layout.ExpectedViewDescriptorSize)
		if err != nil {
			return nil, err
		}
		c, err := device.CreateStorageBuffer("viewset.constants", uint64(config.AbsoluteMaxViews)*layout.ExpectedViewConstantsSize)
		if err != nil {
			return nil, err
		}
		vs.descriptorRing[i] = d
		vs.constantsRing[i] = c
	}

	visIdx, err := device.CreateStorageBuffer("viewset.per_view_visible_indices", uint64(config.AbsoluteMaxViews)*uint64(maxCommandsPerView)*4)
	if err != nil {
		return nil, err
	}
	drawCount, err := device.CreateParameterBuffer("viewset.per_view_draw_count", uint64(config.AbsoluteMaxViews)*4)
	if err != nil {
		return nil, err
	}
	vs.PerViewVisibleIndices = visIdx
	vs.PerViewDrawCount = drawCount
	return vs, nil
}

// SetViews replaces the active view list for the coming frame; it is
// truncated (with the caller expected to log) at AbsoluteMaxViews.
func (vs *ViewSet) SetViews(views []View) []View {
	if len(views) > config.AbsoluteMaxViews {
		views = views[:config.AbsoluteMaxViews]
	}
	vs.views = views
	return views
}

func (vs *ViewSet) Views() []View { return vs.views }

// Upload writes the current frame's descriptor and constants records
// into the ring slot this frame owns, then advances the ring.
func (vs *ViewSet) Upload(prevViewProj []mgl32.Mat4) error {
	slot := vs.ringIndex
	descOut := make([]byte, len(vs.views)*layout.ExpectedViewDescriptorSize)
	constOut := make([]byte, len(vs.views)*layout.ExpectedViewConstantsSize)

	for i, v := range vs.views {
		dOff := i * layout.ExpectedViewDescriptorSize
		binary.LittleEndian.PutUint64(descOut[dOff:dOff+8], v.RenderPassMask)
		binary.LittleEndian.PutUint32(descOut[dOff+8:dOff+12], v.ViewKind)
		binary.LittleEndian.PutUint32(descOut[dOff+12:dOff+16], 0)
		for k, f := range v.Viewport {
			binary.LittleEndian.PutUint32(descOut[dOff+16+k*4:dOff+20+k*4], math.Float32bits(f))
		}

		view := v.WorldMatrix.Inv()
		viewProj := v.ProjectionMatrix.Mul4(view)

		var prev mgl32.Mat4
		if i < len(prevViewProj) {
			prev = prevViewProj[i]
		} else {
			prev = viewProj
		}

		cOff := i * layout.ExpectedViewConstantsSize
		writeMat4(constOut, cOff, viewProj)
		writeMat4(constOut, cOff+64, view)
		writeMat4(constOut, cOff+128, v.ProjectionMatrix)
		writeMat4(constOut, cOff+192, prev)
		pos := v.WorldMatrix.Col(3)
		for k := 0; k < 4; k++ {
			binary.LittleEndian.PutUint32(constOut[cOff+256+k*4:cOff+260+k*4], math.Float32bits(pos[k]))
		}
		binary.LittleEndian.PutUint32(constOut[cOff+272:cOff+276], math.Float32bits(v.Near))
		binary.LittleEndian.PutUint32(constOut[cOff+276:cOff+280], math.Float32bits(v.Far))
	}

	if err := vs.descriptorRing[slot].Write(0, descOut); err != nil {
		return err
	}
	if err := vs.constantsRing[slot].Write(0, constOut); err != nil {
		return err
	}
	vs.ringIndex = (vs.ringIndex + 1) % ringSize
	vs.device.MemoryBarrier()
	return nil
}

func writeMat4(out []byte, off int, m mgl32.Mat4) {
	for i, v := range m {
		binary.LittleEndian.PutUint32(out[off+i*4:off+i*4+4], math.Float32bits(v))
	}
}

// PrepareCommandViewMasks computes, for every loaded scene command, a
// bitmask of which active views its bounding sphere survives a frustum
// test against, and returns both the mask slice and per-view visible
// counts for PerViewDrawCount.
func PrepareCommandViewMasks(views []View, commands []layout.SceneCommand) ([]uint64, []uint32) {
	masks := make([]uint64, len(commands))
	counts := make([]uint32, len(views))

	planesByView := make([][6]mgl32.Vec4, len(views))
	for i, v := range views {
		viewProj := v.ProjectionMatrix.Mul4(v.WorldMatrix.Inv())
		planesByView[i] = culling.ExtractFrustumPlanes(viewProj)
	}

	for ci, sc := range commands {
		center := mgl32.Vec3{sc.BoundingSphere[0], sc.BoundingSphere[1], sc.BoundingSphere[2]}
		radius := sc.BoundingSphere[3]
		for vi, v := range views {
			if v.RenderPassMask&(uint64(1)<<sc.RenderPass) == 0 {
				continue
			}
			if culling.SphereInFrustum(center, radius, planesByView[vi]) {
				masks[ci] |= uint64(1) << uint(vi)
				counts[vi]++
			}
		}
	}
	return masks, counts
}
