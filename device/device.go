// Package device defines the boundary between the tile upload cache and whatever graphics
// layer executes texture updates. The cache never records commands itself: it queries the
// capabilities of a Device once at construction and then drives the primitives below during
// each Finalize.
package device

//go:generate mockgen -package mocks -destination ./mocks/mock_device.go github.com/vkngwrapper/tilestream/device Device

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// Capabilities describes which upload paths a Device supports
type Capabilities struct {
	// PersistentlyMappedBuffers is true if a GPU buffer can stay mapped for CPU writes
	// for its entire lifetime
	PersistentlyMappedBuffers bool
	// DirectBufferUpdates is true if a texture region can be updated directly from
	// buffer memory laid out with an arbitrary row stride
	DirectBufferUpdates bool
	// MaxTextureDimension2D is the largest width or height of a 2D texture
	MaxTextureDimension2D int
}

func (c Capabilities) String() string {
	return fmt.Sprintf("Capabilities{mapped=%t direct=%t max2D=%d}", c.PersistentlyMappedBuffers, c.DirectBufferUpdates, c.MaxTextureDimension2D)
}

// Buffer is a GPU buffer that is persistently mapped for CPU writes
type Buffer interface {
	// Bytes returns the mapped memory of the buffer. The slice is valid for the
	// lifetime of the buffer.
	Bytes() []byte
	// Size returns the size of the buffer in bytes
	Size() int
}

// Texture is an opaque 2D texture owned by the graphics layer. Textures are compared by
// identity, so implementations should be pointer types.
type Texture interface {
	Label() string
}

// TextureDesc describes a texture the cache asks the Device to create
type TextureDesc struct {
	Label  string
	Format core1_0.Format
	Width  int
	Height int
}

// ResourceState is the usage a texture is transitioned into
type ResourceState int

const (
	StateShaderRead ResourceState = iota
	StateCopyDst
)

var resourceStateMapping = map[ResourceState]string{
	StateShaderRead: "StateShaderRead",
	StateCopyDst:    "StateCopyDst",
}

func (s ResourceState) String() string {
	str, ok := resourceStateMapping[s]
	if !ok {
		return fmt.Sprintf("ResourceState(%d)", int(s))
	}
	return str
}

// Offset2D is a texel position
type Offset2D struct {
	X, Y int
}

// Extent2D is a size in texels
type Extent2D struct {
	Width, Height int
}

// Rect2D is a rectangle of texels
type Rect2D struct {
	Offset Offset2D
	Extent Extent2D
}

func (r Rect2D) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.Offset.X, r.Offset.Y, r.Extent.Width, r.Extent.Height)
}

// BufferTextureUpdate describes a texture region update sourced from a mapped buffer.
// The source surface starts at Offset bytes into Buffer, its rows are RowStride bytes
// apart, and the copied texels start at SrcOrigin within that surface.
type BufferTextureUpdate struct {
	Buffer    Buffer
	Offset    int
	RowStride int
	SrcOrigin Offset2D
	Dst       Texture
	DstRegion Rect2D
}

// MemoryTextureUpdate describes a texture region update sourced from CPU memory.
// Data holds a surface whose rows are RowStride bytes apart; the copied texels start
// at SrcOrigin within that surface.
type MemoryTextureUpdate struct {
	Data      []byte
	RowStride int
	SrcOrigin Offset2D
	Dst       Texture
	DstRegion Rect2D
}

// TextureCopy describes a copy of a region between two textures of the same format
type TextureCopy struct {
	Src       Texture
	SrcOrigin Offset2D
	Dst       Texture
	DstOrigin Offset2D
	Extent    Extent2D
}

// BufferProvider creates and destroys persistently mapped staging buffers
type BufferProvider interface {
	CreateStagingBuffer(size int) (Buffer, error)
	DestroyStagingBuffer(buffer Buffer)
}

// Device is everything the tile upload cache requires from the graphics layer. All
// update and copy operations are enqueued: the cache assumes they execute asynchronously
// and may still be reading their source memory some cycles after the call returns.
type Device interface {
	BufferProvider

	Capabilities() Capabilities

	// Transition moves every provided texture into the requested state
	Transition(textures []Texture, state ResourceState) error

	UpdateTextureFromBuffer(update BufferTextureUpdate) error
	UpdateTextureFromMemory(update MemoryTextureUpdate) error
	CopyTexture(textureCopy TextureCopy) error

	CreateTexture(desc TextureDesc) (Texture, error)
	DestroyTexture(texture Texture)
	// LockTexture maps the entire texture for CPU writes, discarding its previous contents,
	// and returns the mapped memory with the distance in bytes between rows of blocks
	LockTexture(texture Texture) (data []byte, rowPitch int, err error)
	UnlockTexture(texture Texture) error
}
