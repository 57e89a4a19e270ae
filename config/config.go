// Package config holds the embedding-facing settings and the
// GpuRenderContext that every component of the indirect rendering core is
// constructed with. Nothing in this module reaches for a package-level
// global; debug flags and shared caches live as fields here instead.
package config

import "github.com/BlackJaxDev/xrengine-indirect/logging"

// OcclusionMode selects which OcclusionEngine strategy a RenderPass runs.
type OcclusionMode int

const (
	OcclusionDisabled OcclusionMode = iota
	OcclusionGpuHiZ
	OcclusionCpuQueryAsync
)

func (m OcclusionMode) String() string {
	switch m {
	case OcclusionDisabled:
		return "Disabled"
	case OcclusionGpuHiZ:
		return "GpuHiZ"
	case OcclusionCpuQueryAsync:
		return "CpuQueryAsync"
	default:
		return "Unknown"
	}
}

// RenderingSettings are the embedder-facing toggles controlling how
// aggressively the indirect pipeline batches, instances, and culls.
type RenderingSettings struct {
	EnableGpuIndirectDebugLogging bool
	EnableGpuDrivenBatching       bool
	EnableGpuDrivenInstancing     bool
	UseGpuBvh                     bool
	CacheGpuHizOncePerFrame       bool
	GpuOcclusionMode              OcclusionMode
	EnableCpuMaterialSort         bool
}

// DefaultRenderingSettings returns conservative defaults: batching and
// instancing on, material sort and the GPU BVH off until an embedder
// opts in.
func DefaultRenderingSettings() RenderingSettings {
	return RenderingSettings{
		EnableGpuDrivenBatching:   true,
		EnableGpuDrivenInstancing: true,
		GpuOcclusionMode:          OcclusionDisabled,
	}
}

// IndirectDebug holds every debug/diagnostic toggle the pipeline honors.
type IndirectDebug struct {
	ForceCpuFallbackCount           bool
	DisableCountDrawPath            bool
	SkipIndirectTailClear           bool
	ForceCpuIndirectBuild            bool
	LogCountBufferWrites            bool
	ForceParameterRemap             bool
	ValidateBufferLayouts           bool
	ValidateLiveHandles             bool
	DisableCpuReadbackCount         bool
	EnableCpuBatching               bool
	ProbeSourceCommandsBeforeCopy   bool
	ProbeSourceCommandCount         uint32
	ValidateCopyCommandAtomicBounds bool
	ForcePassthroughCulling         bool
}

// Tunable constants shared across the rendering core.
const (
	MinCommandCount      = 64
	AbsoluteMaxViews     = 64
	CpuOccMaxPerFrame    = 256
	TemporalHysteresis   = 3
	TemporalCameraJump   = 2.0
	TemporalProjDelta    = 0.05
	ExpectedIndirectSize = 20
	ExpectedSceneCmdSize = 192
	ExpectedMeshDataSize = 16

	// HiZPyramidWidth/HiZPyramidHeight size the depth pyramid every
	// RenderPass allocates for the GpuHiZ occlusion mode.
	HiZPyramidWidth  = 256
	HiZPyramidHeight = 256
)

// GpuRenderContext is the single embedding handle passed by reference into
// every component constructor: settings, debug toggles, and the logger.
// Nothing else is shared mutable state across components.
type GpuRenderContext struct {
	Settings RenderingSettings
	Debug    IndirectDebug
	Logger   logging.Logger
}

// NewGpuRenderContext builds a context with default settings and a
// DefaultLogger tagged "gpuindirect".
func NewGpuRenderContext() *GpuRenderContext {
	return &GpuRenderContext{
		Settings: DefaultRenderingSettings(),
		Logger:   logging.NewDefaultLogger("gpuindirect", false),
	}
}

// Log returns a never-nil logger even if the context was constructed as a
// bare struct literal without one.
func (c *GpuRenderContext) Log() logging.Logger {
	if c == nil || c.Logger == nil {
		return logging.NewNopLogger()
	}
	return c.Logger
}
