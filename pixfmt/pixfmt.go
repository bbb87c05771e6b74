// Package pixfmt describes the memory layout of the pixel formats that can be streamed
// through a tile upload cache. Formats are identified by their Vulkan format value; the
// layout of a format is described by the size and texel footprint of one block.
package pixfmt

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Formats commonly streamed into physical textures
const (
	FormatR8     = core1_0.FormatR8UnsignedNormalized
	FormatRGBA8  = core1_0.FormatR8G8B8A8UnsignedNormalized
	FormatBGRA8  = core1_0.FormatB8G8R8A8UnsignedNormalized
	FormatRGBA16 = core1_0.FormatR16G16B16A16SignedFloat
	FormatRGBA32 = core1_0.FormatR32G32B32A32SignedFloat
	FormatBC1    = core1_0.FormatBC1_RGBUnsignedNormalized
	FormatBC1A   = core1_0.FormatBC1_RGBAUnsignedNormalized
	FormatBC3    = core1_0.FormatBC3_UnsignedNormalized
	FormatBC4    = core1_0.FormatBC4_UnsignedNormalized
	FormatBC5    = core1_0.FormatBC5_UnsignedNormalized
	FormatBC7    = core1_0.FormatBC7_UnsignedNormalized
)

// ErrUnknownFormat is returned when a format has not been registered
var ErrUnknownFormat = errors.New("unknown pixel format")

// Info describes the block layout of a pixel format. Uncompressed formats have a
// 1x1 block whose size is the size of a texel.
type Info struct {
	Name        string
	BlockBytes  int
	BlockWidth  int
	BlockHeight int
}

// IsCompressed returns true for formats whose blocks cover more than one texel
func (i Info) IsCompressed() bool {
	return i.BlockWidth > 1 || i.BlockHeight > 1
}

// BlocksWide returns the number of blocks needed to cover width texels
func (i Info) BlocksWide(width int) int {
	return (width + i.BlockWidth - 1) / i.BlockWidth
}

// BlocksHigh returns the number of block rows needed to cover height texels
func (i Info) BlocksHigh(height int) int {
	return (height + i.BlockHeight - 1) / i.BlockHeight
}

// RowStride returns the number of bytes in one tightly-packed row of blocks covering width texels
func (i Info) RowStride(width int) int {
	return i.BlocksWide(width) * i.BlockBytes
}

// SurfaceSize returns the number of bytes in a tightly-packed width x height surface
func (i Info) SurfaceSize(width, height int) int {
	return i.RowStride(width) * i.BlocksHigh(height)
}

// IsBlockAligned returns true if a texel coordinate or extent falls on a block boundary in both directions
func (i Info) IsBlockAligned(x, y int) bool {
	return x%i.BlockWidth == 0 && y%i.BlockHeight == 0
}

func (i Info) String() string {
	return fmt.Sprintf("%s(%dB/%dx%d)", i.Name, i.BlockBytes, i.BlockWidth, i.BlockHeight)
}

var (
	registryLock sync.RWMutex
	registry     = make(map[core1_0.Format]Info)
)

func init() {
	mustRegister(FormatR8, Info{Name: "R8", BlockBytes: 1, BlockWidth: 1, BlockHeight: 1})
	mustRegister(core1_0.FormatA1R5G5B5UnsignedNormalizedPacked, Info{Name: "A1R5G5B5", BlockBytes: 2, BlockWidth: 1, BlockHeight: 1})
	mustRegister(FormatRGBA8, Info{Name: "RGBA8", BlockBytes: 4, BlockWidth: 1, BlockHeight: 1})
	mustRegister(FormatBGRA8, Info{Name: "BGRA8", BlockBytes: 4, BlockWidth: 1, BlockHeight: 1})
	mustRegister(core1_0.FormatA8B8G8R8UnsignedIntPacked, Info{Name: "A8B8G8R8UI", BlockBytes: 4, BlockWidth: 1, BlockHeight: 1})
	mustRegister(FormatRGBA16, Info{Name: "RGBA16F", BlockBytes: 8, BlockWidth: 1, BlockHeight: 1})
	mustRegister(FormatRGBA32, Info{Name: "RGBA32F", BlockBytes: 16, BlockWidth: 1, BlockHeight: 1})
	mustRegister(FormatBC1, Info{Name: "BC1", BlockBytes: 8, BlockWidth: 4, BlockHeight: 4})
	mustRegister(FormatBC1A, Info{Name: "BC1A", BlockBytes: 8, BlockWidth: 4, BlockHeight: 4})
	mustRegister(FormatBC3, Info{Name: "BC3", BlockBytes: 16, BlockWidth: 4, BlockHeight: 4})
	mustRegister(FormatBC4, Info{Name: "BC4", BlockBytes: 8, BlockWidth: 4, BlockHeight: 4})
	mustRegister(FormatBC5, Info{Name: "BC5", BlockBytes: 16, BlockWidth: 4, BlockHeight: 4})
	mustRegister(FormatBC7, Info{Name: "BC7", BlockBytes: 16, BlockWidth: 4, BlockHeight: 4})
}

func mustRegister(format core1_0.Format, info Info) {
	if err := Register(format, info); err != nil {
		panic(err)
	}
}

// Register adds or replaces the layout description of a format
func Register(format core1_0.Format, info Info) error {
	if info.BlockBytes < 1 || info.BlockWidth < 1 || info.BlockHeight < 1 {
		return errors.Newf("format %d has an invalid block layout: %s", format, info)
	}

	registryLock.Lock()
	defer registryLock.Unlock()

	registry[format] = info
	return nil
}

// Lookup retrieves the layout description of a format
func Lookup(format core1_0.Format) (Info, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	info, ok := registry[format]
	if !ok {
		return Info{}, errors.Wrapf(ErrUnknownFormat, "format %d", format)
	}
	return info, nil
}

// MustLookup retrieves the layout description of a format and panics if it is not registered
func MustLookup(format core1_0.Format) Info {
	info, err := Lookup(format)
	if err != nil {
		panic(fmt.Sprintf("attempted to use an unregistered pixel format: %+v", err))
	}
	return info
}

// Name returns a readable name for the format, falling back to its numeric value
func Name(format core1_0.Format) string {
	info, err := Lookup(format)
	if err != nil {
		return fmt.Sprintf("Format(%d)", format)
	}
	return info.Name
}
