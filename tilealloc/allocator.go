// Package tilealloc hands out fixed-size tiles of staging memory for streamed texture data.
// Tiles are carved from staging buffers, and staging buffers are grouped into buckets by the
// memory shape of their tiles: block size, row stride and padded tile size. Buffers are created
// on demand and released as soon as (or a configurable number of cycles after) their last
// tile is freed.
package tilealloc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/internal/utils"
	"github.com/vkngwrapper/tilestream/memutils"
	"github.com/vkngwrapper/tilestream/pixfmt"
	"golang.org/x/exp/slog"
)

const (
	// TileAlignment is the alignment in bytes of every tile, and so the granularity of tile sizes
	TileAlignment int = 128
	// DefaultStagingBufferSize is the number of bytes each staging buffer targets when no size
	// is provided via Options. It is equal to 4Mb.
	DefaultStagingBufferSize int = 4 * 1024 * 1024
)

// Options contains optional settings when creating an allocator
type Options struct {
	// ExternallySynchronized indicates that the consumer guarantees the allocator is only used from
	// one goroutine at a time, so internal mutexes are not used
	ExternallySynchronized bool
	// StagingBufferSize is the number of bytes each staging buffer targets. A staging buffer
	// always holds at least one tile, however large.
	StagingBufferSize int
	// EmptyBufferGraceCycles is the number of cycles an empty staging buffer stays resident
	// before its memory is released by Tick. Zero releases it as soon as its last tile is freed.
	EmptyBufferGraceCycles int
}

// Allocator is the tile allocator. It is safe for concurrent use unless it was created with
// Options.ExternallySynchronized.
type Allocator struct {
	logger   *slog.Logger
	provider device.BufferProvider

	stagingBufferSize int
	graceCycles       uint64

	mutex          utils.OptionalRWMutex
	buckets        []*formatBucket
	currentCycle   uint64
	allocatedBytes atomic.Int64
}

// New creates a tile allocator. The provider is only used for UploadStrategyMappedBuffer tiles
// and may be nil if those are never requested.
func New(logger *slog.Logger, provider device.BufferProvider, options Options) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	stagingBufferSize := options.StagingBufferSize
	if stagingBufferSize == 0 {
		stagingBufferSize = DefaultStagingBufferSize
	}
	if stagingBufferSize < 0 {
		return nil, errors.Newf("staging buffer size must not be negative, but was %d", stagingBufferSize)
	}
	if options.EmptyBufferGraceCycles < 0 {
		return nil, errors.Newf("empty buffer grace period must not be negative, but was %d", options.EmptyBufferGraceCycles)
	}

	return &Allocator{
		logger:            logger,
		provider:          provider,
		stagingBufferSize: stagingBufferSize,
		graceCycles:       uint64(options.EmptyBufferGraceCycles),
		mutex: utils.OptionalRWMutex{
			UseMutex: !options.ExternallySynchronized,
			Mutex:    sync.RWMutex{},
		},
	}, nil
}

// TileShape calculates the memory layout of a tile of the provided format and size in texels
func TileShape(format core1_0.Format, tileSize int) (rowStride, tileBytes int, err error) {
	info, err := pixfmt.Lookup(format)
	if err != nil {
		return 0, 0, err
	}

	if tileSize < 1 {
		return 0, 0, errors.Newf("tile size must be positive, but was %d", tileSize)
	}
	if !info.IsBlockAligned(tileSize, tileSize) {
		return 0, 0, errors.Newf("tile size %d is not a multiple of the %dx%d block size of %s", tileSize, info.BlockWidth, info.BlockHeight, info.Name)
	}

	rowStride = info.RowStride(tileSize)
	tileBytes = memutils.AlignUp(rowStride*info.BlocksHigh(tileSize), TileAlignment)
	return rowStride, tileBytes, nil
}

// Allocate hands out one tile of the provided format and size. An error is only returned if the
// format or size is unusable or the backing memory could not be created.
func (a *Allocator) Allocate(strategy UploadStrategy, format core1_0.Format, tileSize int) (Handle, error) {
	if _, known := uploadStrategyMapping[strategy]; !known {
		panic(fmt.Sprintf("unknown upload strategy: %s", strategy))
	}

	rowStride, tileBytes, err := TileShape(format, tileSize)
	if err != nil {
		return Handle{}, err
	}
	blockBytes := pixfmt.MustLookup(format).BlockBytes

	a.mutex.Lock()
	defer a.mutex.Unlock()

	bucket := a.findOrCreateBucket(strategy, blockBytes, rowStride, tileBytes)

	bufferIndex, resident := bucket.findBuffer()
	if !resident {
		bufferIndex, err = a.initBuffer(bucket, bufferIndex)
		if err != nil {
			return Handle{}, err
		}
	}

	slot := bucket.buffers[bufferIndex].Allocate()

	return Handle{
		bucket: int32(bucket.index),
		buffer: int32(bufferIndex),
		slot:   int32(slot),
		valid:  true,
	}, nil
}

func (a *Allocator) findOrCreateBucket(strategy UploadStrategy, blockBytes, rowStride, tileBytes int) *formatBucket {
	for _, bucket := range a.buckets {
		if bucket.Matches(strategy, blockBytes, rowStride, tileBytes) {
			return bucket
		}
	}

	bucket := &formatBucket{
		index:      len(a.buckets),
		logger:     a.logger,
		strategy:   strategy,
		blockBytes: blockBytes,
		rowStride:  rowStride,
		tileBytes:  tileBytes,
	}
	a.buckets = append(a.buckets, bucket)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created format bucket",
		slog.Int("bucket", bucket.index),
		slog.String("strategy", strategy.String()),
		slog.Int("blockBytes", blockBytes),
		slog.Int("rowStride", rowStride),
		slog.Int("tileBytes", tileBytes),
	)

	return bucket
}

// initBuffer re-initializes the released buffer at bufferIndex, or appends a new buffer to the
// bucket if bufferIndex is negative
func (a *Allocator) initBuffer(bucket *formatBucket, bufferIndex int) (int, error) {
	tileCount := a.stagingBufferSize / bucket.tileBytes
	if tileCount < 1 {
		tileCount = 1
	}

	var buffer *stagingBuffer
	if bufferIndex >= 0 {
		buffer = bucket.buffers[bufferIndex]
	} else {
		buffer = bufferPool.Get().(*stagingBuffer)
		bufferIndex = len(bucket.buffers)
	}

	err := buffer.Init(a.logger, a.provider, bucket.strategy, bufferIndex, bucket.tileBytes, tileCount)
	if err != nil {
		if bufferIndex == len(bucket.buffers) {
			bufferPool.Put(buffer)
		}
		return -1, err
	}

	if bufferIndex == len(bucket.buffers) {
		bucket.buffers = append(bucket.buffers, buffer)
	}

	a.allocatedBytes.Add(int64(buffer.Size()))
	bucket.logBuffer("created staging buffer", buffer)

	return bufferIndex, nil
}

// lookup resolves a handle to its bucket and buffer, panicking if the handle does not refer to
// a live tile
func (a *Allocator) lookup(handle Handle) (*formatBucket, *stagingBuffer) {
	if !handle.valid {
		panic("attempted to use an invalid tile handle")
	}
	if handle.bucket < 0 || int(handle.bucket) >= len(a.buckets) {
		panic(fmt.Sprintf("tile handle %s refers to a bucket that does not exist", handle))
	}

	bucket := a.buckets[handle.bucket]
	if handle.buffer < 0 || int(handle.buffer) >= len(bucket.buffers) {
		panic(fmt.Sprintf("tile handle %s refers to a staging buffer that does not exist", handle))
	}

	buffer := bucket.buffers[handle.buffer]
	if !buffer.IsResident() {
		panic(fmt.Sprintf("tile handle %s refers to a staging buffer that has been released", handle))
	}
	if handle.slot < 0 || int(handle.slot) >= buffer.tileCount {
		panic(fmt.Sprintf("tile handle %s refers to a slot that does not exist", handle))
	}

	return bucket, buffer
}

// Free returns a tile to its staging buffer. Freeing a handle twice panics.
func (a *Allocator) Free(handle Handle) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	bucket, buffer := a.lookup(handle)
	buffer.Free(int(handle.slot))

	if !buffer.IsEmpty() {
		return
	}

	if a.graceCycles == 0 {
		a.releaseBuffer(bucket, buffer)
		return
	}

	buffer.drained = true
	buffer.drainedCycle = a.currentCycle
}

func (a *Allocator) releaseBuffer(bucket *formatBucket, buffer *stagingBuffer) {
	size := buffer.Size()
	buffer.Release()
	a.allocatedBytes.Add(-int64(size))
	bucket.logBuffer("released staging buffer", buffer)
}

// Tick advances the allocator's notion of the current cycle and releases every empty staging
// buffer whose grace period has elapsed
func (a *Allocator) Tick(cycle uint64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.currentCycle = cycle

	for _, bucket := range a.buckets {
		for _, buffer := range bucket.buffers {
			if !buffer.IsResident() || !buffer.drained || !buffer.IsEmpty() {
				continue
			}

			if buffer.drainedCycle+a.graceCycles <= cycle {
				a.releaseBuffer(bucket, buffer)
			}
		}
	}
}

// BufferFromHandle returns the CPU-writable memory of a live tile
func (a *Allocator) BufferFromHandle(handle Handle) TileMemory {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	bucket, buffer := a.lookup(handle)
	return TileMemory{
		Memory: buffer.TileMemory(int(handle.slot)),
		Size:   bucket.tileBytes,
		Stride: bucket.rowStride,
	}
}

// ResourceFromHandle locates a live tile within its mapped GPU buffer. It panics if the tile
// was allocated with UploadStrategyCPU.
func (a *Allocator) ResourceFromHandle(handle Handle) TileResource {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	bucket, buffer := a.lookup(handle)
	if buffer.gpuBuffer == nil {
		panic(fmt.Sprintf("tile handle %s was not allocated from a mapped buffer", handle))
	}

	return TileResource{
		Buffer: buffer.gpuBuffer,
		Offset: int(handle.slot) * bucket.tileBytes,
		Stride: bucket.rowStride,
	}
}

// TotalAllocatedBytes returns the number of bytes of resident staging memory. It may be called
// from any goroutine.
func (a *Allocator) TotalAllocatedBytes() int {
	return int(a.allocatedBytes.Load())
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var bucketStats memutils.Statistics
	for _, bucket := range a.buckets {
		bucketStats.Clear()
		bucket.AddStatistics(&bucketStats)
		stats.AddStatistics(&bucketStats)
	}
}

func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var bucketStats memutils.DetailedStatistics
	for _, bucket := range a.buckets {
		bucketStats.Clear()
		bucket.AddDetailedStatistics(&bucketStats)
		stats.AddDetailedStatistics(&bucketStats)
	}
}

// PrintDetailedMap writes a JSON array describing every bucket and staging buffer
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	arrayState := writer.Array()
	defer arrayState.End()

	for _, bucket := range a.buckets {
		bucket.PrintDetailedMap(&arrayState)
	}
}

func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	resident := 0
	for bucketIndex, bucket := range a.buckets {
		if bucket.index != bucketIndex {
			return errors.Newf("bucket at index %d believes it is at index %d", bucketIndex, bucket.index)
		}

		err := bucket.Validate()
		if err != nil {
			return err
		}

		for _, buffer := range bucket.buffers {
			if buffer.IsResident() {
				resident += buffer.Size()
			}
		}
	}

	if int64(resident) != a.allocatedBytes.Load() {
		return errors.Newf("allocator tracks %d allocated bytes but %d bytes are resident", a.allocatedBytes.Load(), resident)
	}

	return nil
}

// Destroy releases all staging memory. If any tiles are still live, each one is logged and
// an error wrapping memutils.UnreleasedMemoryError is returned.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	liveTiles := 0
	for _, bucket := range a.buckets {
		liveTiles += bucket.logUnreleasedTiles()
	}

	if liveTiles > 0 {
		return errors.Wrapf(memutils.UnreleasedMemoryError, "%d tiles were still live when the allocator was destroyed", liveTiles)
	}

	for _, bucket := range a.buckets {
		bucket.Destroy()
	}

	a.buckets = nil
	a.allocatedBytes.Store(0)
	return nil
}
