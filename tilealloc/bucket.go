package tilealloc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilestream/memutils"
	"golang.org/x/exp/slog"
)

// formatBucket holds every staging buffer whose tiles share a memory shape. Formats with the
// same block size that are streamed at the same tile size land in the same bucket.
type formatBucket struct {
	index    int
	logger   *slog.Logger
	strategy UploadStrategy

	blockBytes int
	rowStride  int
	tileBytes  int

	buffers []*stagingBuffer
}

func (b *formatBucket) Matches(strategy UploadStrategy, blockBytes, rowStride, tileBytes int) bool {
	return b.strategy == strategy && b.blockBytes == blockBytes && b.rowStride == rowStride && b.tileBytes == tileBytes
}

// findBuffer returns the index of a resident buffer with a free slot, then of a released buffer
// that can be re-initialized, or -1 if the bucket must grow
func (b *formatBucket) findBuffer() (index int, resident bool) {
	released := -1

	for bufferIndex, buffer := range b.buffers {
		if buffer.HasFreeSlot() {
			return bufferIndex, true
		}
		if released < 0 && !buffer.IsResident() {
			released = bufferIndex
		}
	}

	return released, false
}

func (b *formatBucket) AddStatistics(stats *memutils.Statistics) {
	for bufferIndex := 0; bufferIndex < len(b.buffers); bufferIndex++ {
		buffer := b.buffers[bufferIndex]
		if buffer == nil {
			panic(fmt.Sprintf("failed to take statistics of nil staging buffer at index %d", bufferIndex))
		}
		if !buffer.IsResident() {
			continue
		}

		stats.BufferCount++
		stats.BufferBytes += buffer.Size()
		stats.TileCount += buffer.LiveTiles()
		stats.TileBytes += buffer.LiveTiles() * buffer.tileBytes
	}
}

func (b *formatBucket) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for bufferIndex := 0; bufferIndex < len(b.buffers); bufferIndex++ {
		buffer := b.buffers[bufferIndex]
		if buffer == nil {
			panic(fmt.Sprintf("failed to take statistics of nil staging buffer at index %d", bufferIndex))
		}
		if !buffer.IsResident() {
			continue
		}

		stats.BufferCount++
		stats.BufferBytes += buffer.Size()
		stats.AddFreeSlots(len(buffer.freeList))
		stats.AddTiles(buffer.LiveTiles(), buffer.tileBytes)
	}
}

func (b *formatBucket) Validate() error {
	for _, buffer := range b.buffers {
		if buffer.tileBytes != b.tileBytes {
			return errors.Newf("staging buffer %d has %d-byte tiles in a bucket of %d-byte tiles", buffer.id, buffer.tileBytes, b.tileBytes)
		}

		err := buffer.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *formatBucket) logUnreleasedTiles() int {
	liveTiles := 0
	for _, buffer := range b.buffers {
		liveTiles += buffer.logUnreleasedTiles()
	}
	return liveTiles
}

// Destroy releases every staging buffer in the bucket, all of which must be empty
func (b *formatBucket) Destroy() {
	for _, buffer := range b.buffers {
		if buffer.IsResident() {
			buffer.Release()
		}
		bufferPool.Put(buffer)
	}
	b.buffers = nil
}

func (b *formatBucket) PrintDetailedMap(json *jwriter.ArrayState) {
	objState := json.Object()
	defer objState.End()

	objState.Name("Strategy").String(b.strategy.String())
	objState.Name("BlockBytes").Int(b.blockBytes)
	objState.Name("RowStride").Int(b.rowStride)
	objState.Name("TileBytes").Int(b.tileBytes)

	buffersObj := objState.Name("Buffers").Object()
	defer buffersObj.End()

	for _, buffer := range b.buffers {
		bufferObj := buffersObj.Name(strconv.Itoa(buffer.id)).Object()
		buffer.PrintDetailedMap(&bufferObj)
		bufferObj.End()
	}
}

func (b *formatBucket) logBuffer(message string, buffer *stagingBuffer) {
	b.logger.LogAttrs(context.Background(), slog.LevelDebug, message,
		slog.Int("bucket", b.index),
		slog.Int("buffer", buffer.id),
		slog.String("strategy", b.strategy.String()),
		slog.Int("tileBytes", b.tileBytes),
		slog.Int("tileCount", buffer.tileCount),
	)
}
