package gfx

import "sync"

// MemoryBuffer is a software-backed Buffer: a byte slice with the same
// MapRead/Unmap contract a real persistently-mapped GPU buffer has. It is
// the backing store the compute-stage reference implementation in package
// renderpass reads and writes directly, and what the software Device hands
// out for every buffer kind.
type MemoryBuffer struct {
	mu     sync.RWMutex
	label  string
	data   []byte
	mapped bool
}

func NewMemoryBuffer(label string, size uint64) *MemoryBuffer {
	return &MemoryBuffer{label: label, data: make([]byte, size)}
}

func (b *MemoryBuffer) Label() string { return b.label }
func (b *MemoryBuffer) Size() uint64  { return uint64(len(b.data)) }

func (b *MemoryBuffer) Write(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return ErrBufferTooSmall
	}
	copy(b.data[offset:], data)
	return nil
}

// MapRead returns the buffer's current bytes. Real persistently-mapped
// buffers observe the previous frame's contents; the
// software backend has no frame latency to model since stage functions
// run synchronously, so it simply hands back the live bytes.
func (b *MemoryBuffer) MapRead() ([]byte, error) {
	b.mu.Lock()
	b.mapped = true
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.mu.Unlock()
	return out, nil
}

func (b *MemoryBuffer) Unmap() {
	b.mu.Lock()
	b.mapped = false
	b.mu.Unlock()
}

// Bytes exposes the live backing slice for the stage functions in package
// renderpass, which mutate it directly rather than Write-ing through
// Device (there is no separate shader compiler to dispatch to — the Go
// stage function *is* the kernel, for this backend).
func (b *MemoryBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// Resize grows or shrinks the backing slice in place, preserving the
// overlapping prefix — used by capacity growth, since buffer capacities
// grow monotonically in powers of two.
func (b *MemoryBuffer) Resize(newSize uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := make([]byte, newSize)
	copy(n, b.data)
	b.data = n
}

// MemoryTexture is the software-backed Texture, storing one float32 per
// texel per mip level — enough to model the Hi-Z pyramid without a real
// GPU.
type MemoryTexture struct {
	label string
	mips  []memMip
}

type memMip struct {
	w, h uint32
	data []float32
}

func NewMemoryTexture(label string, width, height, mipLevels uint32) *MemoryTexture {
	t := &MemoryTexture{label: label}
	w, h := width, height
	for i := uint32(0); i < mipLevels; i++ {
		t.mips = append(t.mips, memMip{w: w, h: h, data: make([]float32, w*h)})
		if w > 1 {
			w >>= 1
		}
		if h > 1 {
			h >>= 1
		}
	}
	return t
}

func (t *MemoryTexture) Label() string    { return t.label }
func (t *MemoryTexture) Width() uint32    { return t.mips[0].w }
func (t *MemoryTexture) Height() uint32   { return t.mips[0].h }
func (t *MemoryTexture) MipLevels() uint32 { return uint32(len(t.mips)) }

func (t *MemoryTexture) Mip(level uint32) (w, h uint32, data []float32) {
	m := t.mips[level]
	return m.w, m.h, m.data
}

// SoftwareDevice is the software-only Device implementation: the
// reference backend used by tests, the demo harness, and anywhere a real
// GPU is unavailable. Dispatch is a no-op — the stage logic in package
// renderpass and package occlusion operates on MemoryBuffer/MemoryTexture
// directly rather than through compiled kernels, running its culling and
// Hi-Z sampling directly in Go instead of through a compiled shader path.
type SoftwareDevice struct {
	mu       sync.Mutex
	barriers int
}

func NewSoftwareDevice() *SoftwareDevice { return &SoftwareDevice{} }

func (d *SoftwareDevice) CreateStorageBuffer(label string, size uint64) (Buffer, error) {
	return NewMemoryBuffer(label, size), nil
}

func (d *SoftwareDevice) ResizeStorageBuffer(buf Buffer, newSize uint64) (Buffer, error) {
	mb, ok := buf.(*MemoryBuffer)
	if !ok {
		return nil, ErrBufferTooSmall
	}
	mb.Resize(newSize)
	return mb, nil
}

func (d *SoftwareDevice) CreateParameterBuffer(label string, size uint64) (Buffer, error) {
	return NewMemoryBuffer(label, size), nil
}

func (d *SoftwareDevice) CreatePersistentBuffer(label string, size uint64) (Buffer, error) {
	return NewMemoryBuffer(label, size), nil
}

func (d *SoftwareDevice) CreateComputeProgram(label string) (ComputeProgram, error) {
	return softwareProgram{name: label}, nil
}

func (d *SoftwareDevice) Dispatch(prog ComputeProgram, gx, gy, gz uint32) {}

func (d *SoftwareDevice) BindStorage(slot uint32, buf Buffer)   {}
func (d *SoftwareDevice) BindParameter(slot uint32, buf Buffer) {}
func (d *SoftwareDevice) BindIndirectDraw(buf Buffer)           {}
func (d *SoftwareDevice) SetUniforms(data []byte)               {}

func (d *SoftwareDevice) MemoryBarrier() {
	d.mu.Lock()
	d.barriers++
	d.mu.Unlock()
}

// BarrierCount lets tests assert the pipeline issued the expected number
// of shader-storage barriers between stages.
func (d *SoftwareDevice) BarrierCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barriers
}

func (d *SoftwareDevice) MultiDrawIndirectCount(indirect Buffer, countBuf Buffer, maxDraws, stride uint32) {
}

func (d *SoftwareDevice) CreateMipTexture(label string, width, height, mipLevels uint32) (Texture, error) {
	return NewMemoryTexture(label, width, height, mipLevels), nil
}

func (d *SoftwareDevice) BindImage(slot uint32, tex Texture, mip uint32) {}
func (d *SoftwareDevice) BindSampler(slot uint32, tex Texture)           {}

type softwareProgram struct{ name string }

func (p softwareProgram) Name() string { return p.name }
