// Package softdevice implements device.Device entirely in CPU memory. Every enqueued
// operation executes immediately, which makes it suitable for headless tools and for
// verifying that all upload strategies leave textures in the same state.
package softdevice

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/pixfmt"
)

// Options configures a soft device
type Options struct {
	Capabilities device.Capabilities
	// MemoryLimit is the maximum number of bytes of buffers and textures that may be alive
	// at once. Zero means unlimited.
	MemoryLimit int
}

// Counters records how many of each operation a soft device has executed
type Counters struct {
	BuffersCreated    int
	BuffersDestroyed  int
	TexturesCreated   int
	TexturesDestroyed int
	BufferUpdates     int
	MemoryUpdates     int
	TextureCopies     int
	Locks             int
	Transitions       int
}

type Buffer struct {
	data      []byte
	destroyed bool
}

var _ device.Buffer = &Buffer{}

func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Size() int     { return len(b.data) }

type Texture struct {
	desc      device.TextureDesc
	info      pixfmt.Info
	rowPitch  int
	data      []byte
	state     device.ResourceState
	locked    bool
	destroyed bool
}

var _ device.Texture = &Texture{}

func (t *Texture) Label() string               { return t.desc.Label }
func (t *Texture) Desc() device.TextureDesc    { return t.desc }
func (t *Texture) RowPitch() int               { return t.rowPitch }
func (t *Texture) State() device.ResourceState { return t.state }

// Pixels returns the texture's backing memory. Rows of blocks are RowPitch bytes apart.
func (t *Texture) Pixels() []byte { return t.data }

// ReadRegion returns a tightly-packed copy of a block-aligned region of the texture
func (t *Texture) ReadRegion(region device.Rect2D) ([]byte, error) {
	rowStride := t.info.RowStride(region.Extent.Width)
	out := make([]byte, t.info.SurfaceSize(region.Extent.Width, region.Extent.Height))

	err := copyBlocks(t.info,
		out, rowStride, device.Offset2D{},
		t.data, t.rowPitch, region.Offset,
		region.Extent)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Device is an in-memory device.Device. Its methods are safe for concurrent use, and every
// copy runs under the device lock. The accessors on Texture are not synchronized with the device
// and should only be read once the operations on that texture have returned.
type Device struct {
	lock         sync.Mutex
	capabilities device.Capabilities
	memoryLimit  int
	memoryUsed   int
	counters     Counters
}

var _ device.Device = &Device{}

// New creates a soft device. A zero MaxTextureDimension2D is replaced with 16384.
func New(options Options) *Device {
	caps := options.Capabilities
	if caps.MaxTextureDimension2D == 0 {
		caps.MaxTextureDimension2D = 16384
	}

	return &Device{
		capabilities: caps,
		memoryLimit:  options.MemoryLimit,
	}
}

func (d *Device) Capabilities() device.Capabilities {
	return d.capabilities
}

// Counters returns a snapshot of the operations executed so far
func (d *Device) Counters() Counters {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.counters
}

// MemoryUsed returns the number of bytes of live buffers and textures
func (d *Device) MemoryUsed() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.memoryUsed
}

func (d *Device) reserve(size int) error {
	if d.memoryLimit > 0 && d.memoryUsed+size > d.memoryLimit {
		return errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(), "soft device cannot allocate %d bytes with %d of %d in use", size, d.memoryUsed, d.memoryLimit)
	}

	d.memoryUsed += size
	return nil
}

func (d *Device) CreateStagingBuffer(size int) (device.Buffer, error) {
	if size < 1 {
		return nil, errors.Newf("attempted to create a staging buffer of size %d", size)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	err := d.reserve(size)
	if err != nil {
		return nil, err
	}

	d.counters.BuffersCreated++
	return &Buffer{data: make([]byte, size)}, nil
}

func (d *Device) DestroyStagingBuffer(buffer device.Buffer) {
	b := buffer.(*Buffer)

	d.lock.Lock()
	defer d.lock.Unlock()

	if b.destroyed {
		panic("attempted to destroy a soft device buffer twice")
	}

	b.destroyed = true
	d.memoryUsed -= len(b.data)
	d.counters.BuffersDestroyed++
}

func (d *Device) CreateTexture(desc device.TextureDesc) (device.Texture, error) {
	info, err := pixfmt.Lookup(desc.Format)
	if err != nil {
		return nil, err
	}

	maxDim := d.capabilities.MaxTextureDimension2D
	if desc.Width < 1 || desc.Height < 1 || desc.Width > maxDim || desc.Height > maxDim {
		return nil, errors.Newf("texture %q has invalid dimensions %dx%d (max %d)", desc.Label, desc.Width, desc.Height, maxDim)
	}

	rowPitch := info.RowStride(desc.Width)
	size := rowPitch * info.BlocksHigh(desc.Height)

	d.lock.Lock()
	defer d.lock.Unlock()

	err = d.reserve(size)
	if err != nil {
		return nil, err
	}

	d.counters.TexturesCreated++
	return &Texture{
		desc:     desc,
		info:     info,
		rowPitch: rowPitch,
		data:     make([]byte, size),
		state:    device.StateShaderRead,
	}, nil
}

func (d *Device) DestroyTexture(texture device.Texture) {
	tex := texture.(*Texture)

	d.lock.Lock()
	defer d.lock.Unlock()

	if tex.destroyed {
		panic(fmt.Sprintf("attempted to destroy texture %q twice", tex.desc.Label))
	}

	tex.destroyed = true
	d.memoryUsed -= len(tex.data)
	d.counters.TexturesDestroyed++
}

func (d *Device) Transition(textures []device.Texture, state device.ResourceState) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, texture := range textures {
		tex, err := liveTexture(texture)
		if err != nil {
			return err
		}
		tex.state = state
		d.counters.Transitions++
	}

	return nil
}

func (d *Device) UpdateTextureFromBuffer(update device.BufferTextureUpdate) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	buffer, ok := update.Buffer.(*Buffer)
	if !ok || buffer == nil || buffer.destroyed {
		return errors.New("buffer update sourced from a buffer that is not a live soft device buffer")
	}
	if update.Offset < 0 || update.Offset > len(buffer.data) {
		return errors.Newf("buffer offset %d is outside a buffer of size %d", update.Offset, len(buffer.data))
	}

	dst, err := d.writableTexture(update.Dst)
	if err != nil {
		return err
	}

	err = copyBlocks(dst.info,
		dst.data, dst.rowPitch, update.DstRegion.Offset,
		buffer.data[update.Offset:], update.RowStride, update.SrcOrigin,
		update.DstRegion.Extent)
	if err != nil {
		return errors.Wrapf(err, "updating %q region %s from buffer", dst.desc.Label, update.DstRegion)
	}

	d.counters.BufferUpdates++
	return nil
}

func (d *Device) UpdateTextureFromMemory(update device.MemoryTextureUpdate) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	dst, err := d.writableTexture(update.Dst)
	if err != nil {
		return err
	}

	err = copyBlocks(dst.info,
		dst.data, dst.rowPitch, update.DstRegion.Offset,
		update.Data, update.RowStride, update.SrcOrigin,
		update.DstRegion.Extent)
	if err != nil {
		return errors.Wrapf(err, "updating %q region %s from memory", dst.desc.Label, update.DstRegion)
	}

	d.counters.MemoryUpdates++
	return nil
}

func (d *Device) CopyTexture(textureCopy device.TextureCopy) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	src, err := liveTexture(textureCopy.Src)
	if err != nil {
		return err
	}
	if src.locked {
		return errors.Newf("texture %q is a copy source while locked", src.desc.Label)
	}

	dst, err := d.writableTexture(textureCopy.Dst)
	if err != nil {
		return err
	}

	if src.desc.Format != dst.desc.Format {
		return errors.Newf("cannot copy between formats %s and %s", pixfmt.Name(src.desc.Format), pixfmt.Name(dst.desc.Format))
	}

	err = copyBlocks(dst.info,
		dst.data, dst.rowPitch, textureCopy.DstOrigin,
		src.data, src.rowPitch, textureCopy.SrcOrigin,
		textureCopy.Extent)
	if err != nil {
		return errors.Wrapf(err, "copying %q to %q", src.desc.Label, dst.desc.Label)
	}

	d.counters.TextureCopies++
	return nil
}

// LockTexture maps a texture for CPU writes. The returned memory stays valid until UnlockTexture,
// and the caller owns it exclusively while the texture is locked.
func (d *Device) LockTexture(texture device.Texture) ([]byte, int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	tex, err := liveTexture(texture)
	if err != nil {
		return nil, 0, err
	}
	if tex.locked {
		return nil, 0, errors.Newf("texture %q is already locked", tex.desc.Label)
	}

	tex.locked = true
	d.counters.Locks++
	return tex.data, tex.rowPitch, nil
}

func (d *Device) UnlockTexture(texture device.Texture) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	tex, err := liveTexture(texture)
	if err != nil {
		return err
	}
	if !tex.locked {
		return errors.Newf("texture %q is not locked", tex.desc.Label)
	}

	tex.locked = false
	return nil
}

func liveTexture(texture device.Texture) (*Texture, error) {
	tex, ok := texture.(*Texture)
	if !ok || tex == nil {
		return nil, errors.Newf("%T is not a soft device texture", texture)
	}
	if tex.destroyed {
		return nil, errors.Newf("texture %q has been destroyed", tex.desc.Label)
	}
	return tex, nil
}

func (d *Device) writableTexture(texture device.Texture) (*Texture, error) {
	tex, err := liveTexture(texture)
	if err != nil {
		return nil, err
	}
	if tex.locked {
		return nil, errors.Newf("texture %q is a copy destination while locked", tex.desc.Label)
	}
	if tex.state != device.StateCopyDst {
		return nil, errors.Newf("texture %q is a copy destination while in state %s", tex.desc.Label, tex.state)
	}
	return tex, nil
}

// copyBlocks copies a block-aligned texel rectangle between two surfaces of the same format
func copyBlocks(info pixfmt.Info,
	dst []byte, dstPitch int, dstOrigin device.Offset2D,
	src []byte, srcPitch int, srcOrigin device.Offset2D,
	extent device.Extent2D) error {

	if !info.IsBlockAligned(dstOrigin.X, dstOrigin.Y) || !info.IsBlockAligned(srcOrigin.X, srcOrigin.Y) ||
		!info.IsBlockAligned(extent.Width, extent.Height) {
		return errors.Newf("region %dx%d from (%d,%d) to (%d,%d) is not aligned to %s blocks",
			extent.Width, extent.Height, srcOrigin.X, srcOrigin.Y, dstOrigin.X, dstOrigin.Y, info)
	}
	if dstOrigin.X < 0 || dstOrigin.Y < 0 || srcOrigin.X < 0 || srcOrigin.Y < 0 || extent.Width < 0 || extent.Height < 0 {
		return errors.New("negative region coordinates")
	}

	rowBytes := info.RowStride(extent.Width)
	blockRows := info.BlocksHigh(extent.Height)
	dstX := (dstOrigin.X / info.BlockWidth) * info.BlockBytes
	srcX := (srcOrigin.X / info.BlockWidth) * info.BlockBytes
	dstY := dstOrigin.Y / info.BlockHeight
	srcY := srcOrigin.Y / info.BlockHeight

	if blockRows == 0 || rowBytes == 0 {
		return nil
	}
	if dstX+rowBytes > dstPitch || (dstY+blockRows-1)*dstPitch+dstX+rowBytes > len(dst) {
		return errors.Newf("destination region overruns a surface of %d bytes with pitch %d", len(dst), dstPitch)
	}
	if srcX+rowBytes > srcPitch || (srcY+blockRows-1)*srcPitch+srcX+rowBytes > len(src) {
		return errors.Newf("source region overruns a surface of %d bytes with pitch %d", len(src), srcPitch)
	}

	for row := 0; row < blockRows; row++ {
		dstStart := (dstY+row)*dstPitch + dstX
		srcStart := (srcY+row)*srcPitch + srcX
		copy(dst[dstStart:dstStart+rowBytes], src[srcStart:srcStart+rowBytes])
	}

	return nil
}
