package tilealloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/memutils"
	"golang.org/x/exp/slog"
)

var bufferPool = sync.Pool{
	New: func() any {
		return &stagingBuffer{}
	},
}

// stagingBuffer is one contiguous allocation sliced into equal tiles. A staging buffer that has
// been released keeps its place in its bucket and is re-initialized when the bucket next needs
// capacity, so handles never have to encode more than an index.
type stagingBuffer struct {
	id       int
	logger   *slog.Logger
	provider device.BufferProvider
	strategy UploadStrategy

	tileBytes int
	tileCount int

	memory    []byte
	gpuBuffer device.Buffer

	freeList []int
	slotFree []bool

	drained      bool
	drainedCycle uint64
}

func (b *stagingBuffer) IsResident() bool { return b.memory != nil }
func (b *stagingBuffer) Size() int        { return b.tileBytes * b.tileCount }
func (b *stagingBuffer) LiveTiles() int   { return b.tileCount - len(b.freeList) }
func (b *stagingBuffer) HasFreeSlot() bool {
	return b.memory != nil && len(b.freeList) > 0
}

// IsEmpty returns true if no tiles are currently handed out from this buffer
func (b *stagingBuffer) IsEmpty() bool {
	return len(b.freeList) == b.tileCount
}

func (b *stagingBuffer) Init(
	logger *slog.Logger,
	provider device.BufferProvider,
	strategy UploadStrategy,
	id int,
	tileBytes, tileCount int,
) error {
	if b.memory != nil {
		panic("attempting to initialize a staging buffer that is already in use")
	}
	if tileBytes < 1 || tileCount < 1 {
		panic(fmt.Sprintf("attempting to initialize a staging buffer with %d tiles of %d bytes", tileCount, tileBytes))
	}

	size := tileBytes * tileCount
	switch strategy {
	case UploadStrategyCPU:
		b.memory = make([]byte, size)
	case UploadStrategyMappedBuffer:
		if provider == nil {
			return errors.New("mapped staging buffers require a buffer provider")
		}
		gpuBuffer, err := provider.CreateStagingBuffer(size)
		if err != nil {
			return errors.Wrapf(err, "failed to create a mapped staging buffer of %d bytes", size)
		}
		if gpuBuffer.Size() < size || len(gpuBuffer.Bytes()) < size {
			provider.DestroyStagingBuffer(gpuBuffer)
			return errors.Newf("buffer provider returned a buffer of %d bytes when %d were requested", gpuBuffer.Size(), size)
		}
		b.gpuBuffer = gpuBuffer
		b.memory = gpuBuffer.Bytes()[:size]
	default:
		panic(fmt.Sprintf("unknown upload strategy: %s", strategy))
	}

	b.id = id
	b.logger = logger
	b.provider = provider
	b.strategy = strategy
	b.tileBytes = tileBytes
	b.tileCount = tileCount
	b.drained = false
	b.drainedCycle = 0

	// Fill the free list in reverse so that slot 0 is handed out first
	b.freeList = b.freeList[:0]
	b.slotFree = b.slotFree[:0]
	for slot := tileCount - 1; slot >= 0; slot-- {
		b.freeList = append(b.freeList, slot)
	}
	for slot := 0; slot < tileCount; slot++ {
		b.slotFree = append(b.slotFree, true)
	}

	return nil
}

// Release returns the backing memory of an empty staging buffer. The buffer's shape is kept so
// that it can be re-initialized in place.
func (b *stagingBuffer) Release() {
	if b.memory == nil {
		panic("attempting to release a staging buffer that has no backing memory")
	}
	if !b.IsEmpty() {
		panic(fmt.Sprintf("attempting to release staging buffer %d while %d tiles are live", b.id, b.LiveTiles()))
	}

	if b.gpuBuffer != nil {
		b.provider.DestroyStagingBuffer(b.gpuBuffer)
		b.gpuBuffer = nil
	}

	b.memory = nil
	b.drained = false
}

// logUnreleasedTiles logs every live tile in the buffer and returns how many there were
func (b *stagingBuffer) logUnreleasedTiles() int {
	if b.memory == nil || b.IsEmpty() {
		return 0
	}

	for slot, free := range b.slotFree {
		if free {
			continue
		}

		b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed tile",
			slog.Int("buffer", b.id),
			slog.Int("slot", slot),
			slog.Int("offset", slot*b.tileBytes),
			slog.Int("size", b.tileBytes),
		)
	}

	return b.LiveTiles()
}

func (b *stagingBuffer) Allocate() int {
	if len(b.freeList) == 0 {
		panic(fmt.Sprintf("attempting to allocate from full staging buffer %d", b.id))
	}

	slot := b.freeList[len(b.freeList)-1]
	b.freeList = b.freeList[:len(b.freeList)-1]
	b.slotFree[slot] = false
	b.drained = false

	if memutils.DebugFillTiles {
		memutils.FillDebugPattern(b.TileMemory(slot))
	}

	return slot
}

func (b *stagingBuffer) Free(slot int) {
	if slot < 0 || slot >= b.tileCount {
		panic(fmt.Sprintf("attempting to free slot %d of staging buffer %d, which only has %d slots", slot, b.id, b.tileCount))
	}
	if b.slotFree[slot] {
		panic(fmt.Sprintf("attempting to free slot %d of staging buffer %d, which is already free", slot, b.id))
	}

	if memutils.DebugFillTiles {
		memutils.FillDebugPattern(b.TileMemory(slot))
	}

	b.slotFree[slot] = true
	b.freeList = append(b.freeList, slot)
}

func (b *stagingBuffer) TileMemory(slot int) []byte {
	offset := slot * b.tileBytes
	return b.memory[offset : offset+b.tileBytes : offset+b.tileBytes]
}

func (b *stagingBuffer) Validate() error {
	if b.memory == nil {
		if b.gpuBuffer != nil {
			return errors.Newf("released staging buffer %d still holds a GPU buffer", b.id)
		}
		return nil
	}
	if len(b.memory) != b.Size() {
		return errors.Newf("staging buffer %d has %d bytes of memory but should have %d", b.id, len(b.memory), b.Size())
	}
	if len(b.freeList) > b.tileCount {
		return errors.Newf("staging buffer %d has %d free slots but only %d tiles", b.id, len(b.freeList), b.tileCount)
	}

	seen := make([]bool, b.tileCount)
	for _, slot := range b.freeList {
		if slot < 0 || slot >= b.tileCount {
			return errors.Newf("staging buffer %d has out-of-range slot %d in its free list", b.id, slot)
		}
		if seen[slot] {
			return errors.Newf("staging buffer %d has slot %d in its free list twice", b.id, slot)
		}
		if !b.slotFree[slot] {
			return errors.Newf("staging buffer %d has live slot %d in its free list", b.id, slot)
		}
		seen[slot] = true
	}

	for slot, free := range b.slotFree {
		if free && !seen[slot] {
			return errors.Newf("staging buffer %d lost free slot %d", b.id, slot)
		}
	}

	return nil
}

func (b *stagingBuffer) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Resident").Bool(b.IsResident())
	json.Name("Size").Int(b.Size())
	json.Name("TileCount").Int(b.tileCount)
	json.Name("LiveTiles").Int(b.LiveTiles())
	if b.drained {
		json.Name("DrainedCycle").Int(int(b.drainedCycle))
	}

	liveSlots := json.Name("LiveSlots").Array()
	defer liveSlots.End()

	if b.memory == nil {
		return
	}

	for slot, free := range b.slotFree {
		if !free {
			liveSlots.Int(slot)
		}
	}
}
