package viewset

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/BlackJaxDev/xrengine-indirect/config"
	"github.com/BlackJaxDev/xrengine-indirect/gfx"
	"github.com/BlackJaxDev/xrengine-indirect/layout"
)

func TestSetViews_TruncatesAtAbsoluteMaxViews(t *testing.T) {
	ctx := config.NewGpuRenderContext()
	device := gfx.NewSoftwareDevice()
	vs, err := New(ctx, device, config.MinCommandCount)
	require.NoError(t, err)

	views := make([]View, config.AbsoluteMaxViews+5)
	got := vs.SetViews(views)
	require.Len(t, got, config.AbsoluteMaxViews)
}

func TestUpload_WritesOneRecordPerView(t *testing.T) {
	ctx := config.NewGpuRenderContext()
	device := gfx.NewSoftwareDevice()
	vs, err := New(ctx, device, config.MinCommandCount)
	require.NoError(t, err)

	vs.SetViews([]View{{
		WorldMatrix:      mgl32.Ident4(),
		ProjectionMatrix: mgl32.Perspective(mgl32.DegToRad(60), 16.0 / 9.0, 0.1, 1000),
		Near:             0.1,
		Far:              1000,
		RenderPassMask:   1,
	}})

	require.NoError(t, vs.Upload(nil))
}

func TestPrepareCommandViewMasks_MarksVisibleViewBit(t *testing.T) {
	views := []View{{
		WorldMatrix:      mgl32.Ident4(),
		ProjectionMatrix: mgl32.Perspective(mgl32.DegToRad(60), 16.0 / 9.0, 0.1, 1000),
		RenderPassMask:   1 << 0,
	}}

	visible := layout.SceneCommand{
		RenderPass:     0,
		BoundingSphere: [4]float32{0, 0, -5, 1},
	}
	behind := layout.SceneCommand{
		RenderPass:     0,
		BoundingSphere: [4]float32{0, 0, 5, 1},
	}

	masks, counts := PrepareCommandViewMasks(views, []layout.SceneCommand{visible, behind})
	require.Equal(t, uint64(1), masks[0])
	require.Equal(t, uint64(0), masks[1])
	require.Equal(t, uint32(1), counts[0])
}
