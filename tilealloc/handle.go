package tilealloc

import (
	"fmt"

	"github.com/vkngwrapper/tilestream/device"
)

// UploadStrategy determines where the memory backing a tile lives
type UploadStrategy int32

const (
	// UploadStrategyCPU carves tiles out of CPU heap memory. The data must be handed to the
	// device by value, either as a region update or by copying it into a locked texture.
	UploadStrategyCPU UploadStrategy = iota
	// UploadStrategyMappedBuffer carves tiles out of persistently mapped GPU buffers so that
	// texture updates can be sourced directly from a buffer and offset.
	UploadStrategyMappedBuffer
)

var uploadStrategyMapping = map[UploadStrategy]string{
	UploadStrategyCPU:          "UploadStrategyCPU",
	UploadStrategyMappedBuffer: "UploadStrategyMappedBuffer",
}

func (s UploadStrategy) String() string {
	str, ok := uploadStrategyMapping[s]
	if !ok {
		return fmt.Sprintf("UploadStrategy(%d)", int32(s))
	}
	return str
}

// Handle identifies one tile handed out by an Allocator. It is only meaningful between the
// Allocate call that produced it and the Free call that returns it. The zero Handle is invalid.
type Handle struct {
	bucket int32
	buffer int32
	slot   int32
	valid  bool
}

func (h Handle) IsValid() bool { return h.valid }

func (h Handle) String() string {
	if !h.valid {
		return "Handle(invalid)"
	}
	return fmt.Sprintf("Handle(bucket=%d buffer=%d slot=%d)", h.bucket, h.buffer, h.slot)
}

// TileMemory is the CPU-writable memory of a single tile
type TileMemory struct {
	// Memory is exactly Size bytes long. Rows of blocks are Stride bytes apart; any bytes
	// past the last row are alignment padding.
	Memory []byte
	Size   int
	Stride int
}

// TileResource locates a tile within the mapped GPU buffer that backs it
type TileResource struct {
	Buffer device.Buffer
	Offset int
	Stride int
}
