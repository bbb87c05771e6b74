// Package uploadcache stages streamed texture tiles on their way into destination textures.
//
// A producer asks for tile memory with PrepareTileForUpload, fills it on any goroutine, and hands
// it back with SubmitTile along with the destination the tile belongs to. Once per cycle the
// owner calls Finalize, which flushes every submitted tile to the device in a few batched passes,
// and UpdateFreeList, which returns tile memory to the allocator once the device can no longer
// be reading it.
package uploadcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/internal/arena"
	"github.com/vkngwrapper/tilestream/internal/utils"
	"github.com/vkngwrapper/tilestream/memutils"
	"github.com/vkngwrapper/tilestream/pixfmt"
	"github.com/vkngwrapper/tilestream/tilealloc"
	"golang.org/x/exp/slog"
)

// TileHandle identifies a prepared tile until it is submitted or cancelled. The zero TileHandle
// is never valid.
type TileHandle struct {
	handle arena.Handle
}

func (h TileHandle) String() string {
	return "Tile(" + h.handle.String() + ")"
}

// TileBuffer is the writable memory of a prepared tile. The producer writes rows of blocks
// Stride bytes apart and must not touch Memory after submitting or cancelling the tile.
type TileBuffer = tilealloc.TileMemory

// Destination addresses a tile-sized region of a destination texture. X and Y are measured in
// tiles, each of which covers the tile's size minus its border on both sides.
type Destination struct {
	Texture device.Texture
	X       int
	Y       int
}

type pendingUpload struct {
	pool   int
	handle tilealloc.Handle
}

type pendingRelease struct {
	handle      tilealloc.Handle
	submitCycle uint64
}

// Cache is a tile upload cache. Unless it was created with CreateExternallySynchronized, its
// methods may be called from multiple goroutines, although the lifecycle of each tile is expected
// to be driven from one place per cycle.
type Cache struct {
	logger       *slog.Logger
	device       device.Device
	config       Config
	capabilities device.Capabilities
	allocator    *tilealloc.Allocator
	strategy     flushStrategy

	mutex          utils.OptionalMutex
	pools          []*poolEntry
	poolLookup     *swiss.Map[poolKey, int]
	pendingUpload  *arena.Arena[pendingUpload]
	pendingRelease []pendingRelease

	inFlight atomic.Int64
}

// Strategy returns the flush strategy the cache resolved at construction
func (c *Cache) Strategy() Strategy {
	return c.strategy.Name()
}

// Allocator returns the tile allocator backing the cache
func (c *Cache) Allocator() *tilealloc.Allocator {
	return c.allocator
}

// PrepareTileForUpload allocates memory for one tile of the provided format and size in texels.
// The producer fills the returned buffer and then passes the handle to SubmitTile or CancelTile.
func (c *Cache) PrepareTileForUpload(format core1_0.Format, tileSize int) (TileHandle, TileBuffer, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	poolIndex, err := c.findOrCreatePool(format, tileSize)
	if err != nil {
		return TileHandle{}, TileBuffer{}, err
	}

	handle, err := c.allocator.Allocate(c.strategy.UploadStrategy(), format, tileSize)
	if err != nil {
		return TileHandle{}, TileBuffer{}, err
	}

	tileHandle := TileHandle{
		handle: c.pendingUpload.Insert(pendingUpload{
			pool:   poolIndex,
			handle: handle,
		}),
	}
	c.inFlight.Add(1)

	return tileHandle, c.allocator.BufferFromHandle(handle), nil
}

// SubmitTile queues a prepared tile for the next Finalize and schedules its memory to be released
// once ReleaseDelayCycles cycles have passed since cycle. borderTrim is the width in texels of
// the border around the tile's payload, which is not written to the destination.
//
// Submitting a handle that is not pending, because it was never prepared or was already submitted
// or cancelled, panics.
func (c *Cache) SubmitTile(tileHandle TileHandle, dest Destination, borderTrim int, cycle uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	upload, ok := c.pendingUpload.Get(tileHandle.handle)
	if !ok {
		panic(fmt.Sprintf("attempted to submit %s, which is not a prepared tile", tileHandle))
	}
	if dest.Texture == nil {
		panic(fmt.Sprintf("attempted to submit %s without a destination texture", tileHandle))
	}

	pool := c.pools[upload.pool]
	innerSize := tileInnerSize(pool.info, pool.key.tileSize, borderTrim)
	if innerSize <= 0 {
		panic(fmt.Sprintf("attempted to submit %s with a border of %d texels, which does not fit a %s tile of size %d", tileHandle, borderTrim, pool.info.Name, pool.key.tileSize))
	}
	if dest.X < 0 || dest.Y < 0 {
		panic(fmt.Sprintf("attempted to submit %s to negative tile coordinates (%d,%d)", tileHandle, dest.X, dest.Y))
	}

	if len(c.pendingRelease) > 0 && c.pendingRelease[len(c.pendingRelease)-1].submitCycle > cycle {
		panic(fmt.Sprintf("attempted to submit %s at cycle %d, but a tile was already submitted at cycle %d", tileHandle, cycle, c.pendingRelease[len(c.pendingRelease)-1].submitCycle))
	}

	c.pendingUpload.Remove(tileHandle.handle)
	c.pendingRelease = append(c.pendingRelease, pendingRelease{
		handle:      upload.handle,
		submitCycle: cycle,
	})

	pool.pending = append(pool.pending, pendingSubmit{
		dest:       dest,
		borderTrim: borderTrim,
		innerSize:  innerSize,
		handle:     upload.handle,
	})
}

// CancelTile abandons a prepared tile and frees its memory immediately. Cancelling a handle that
// is not pending panics.
func (c *Cache) CancelTile(tileHandle TileHandle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	upload, ok := c.pendingUpload.Remove(tileHandle.handle)
	if !ok {
		panic(fmt.Sprintf("attempted to cancel %s, which is not a prepared tile", tileHandle))
	}

	c.allocator.Free(upload.handle)
	c.inFlight.Add(-1)
}

// UpdateFreeList frees the memory of every submitted tile whose release delay has passed as of
// cycle, or of every submitted tile if forceAll is set. Tiles are released in submission order.
func (c *Cache) UpdateFreeList(cycle uint64, forceAll bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Tick first so that buffers drained below are stamped with this cycle
	c.allocator.Tick(cycle)

	delay := uint64(c.config.ReleaseDelayCycles)

	released := 0
	for _, record := range c.pendingRelease {
		if !forceAll && record.submitCycle+delay > cycle {
			break
		}

		c.allocator.Free(record.handle)
		released++
	}

	if released > 0 {
		remaining := copy(c.pendingRelease, c.pendingRelease[released:])
		for i := remaining; i < len(c.pendingRelease); i++ {
			c.pendingRelease[i] = pendingRelease{}
		}
		c.pendingRelease = c.pendingRelease[:remaining]
		c.inFlight.Add(-int64(released))
	}

	memutils.DebugValidate(c)
}

// IsInMemoryBudget reports whether the producer may keep preparing tiles: the number of tiles in
// flight and the resident staging memory must both be within the configured limits. It may be
// called from any goroutine and never blocks.
func (c *Cache) IsInMemoryBudget() bool {
	return c.inFlight.Load() <= int64(c.config.MaxUploadRequests) &&
		c.allocator.TotalAllocatedBytes() <= c.config.MaxUploadMemory
}

// PendingUploadCount returns the number of tiles that have been prepared but not yet submitted
// or cancelled
func (c *Cache) PendingUploadCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.pendingUpload.Len()
}

// PendingReleaseCount returns the number of submitted tiles whose memory has not been released
func (c *Cache) PendingReleaseCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.pendingRelease)
}

func (c *Cache) Validate() error {
	err := c.pendingUpload.Validate()
	if err != nil {
		return err
	}

	c.pendingUpload.Visit(func(handle arena.Handle, upload pendingUpload) {
		if err == nil && (upload.pool < 0 || upload.pool >= len(c.pools) || !upload.handle.IsValid()) {
			err = errors.Newf("pending upload %s refers to pool %d with %s", handle, upload.pool, upload.handle)
		}
	})
	if err != nil {
		return err
	}

	for i := 1; i < len(c.pendingRelease); i++ {
		if c.pendingRelease[i].submitCycle < c.pendingRelease[i-1].submitCycle {
			return errors.Newf("pending release %d was submitted at cycle %d, before its predecessor at cycle %d", i, c.pendingRelease[i].submitCycle, c.pendingRelease[i-1].submitCycle)
		}
	}

	if int64(c.pendingUpload.Len()+len(c.pendingRelease)) != c.inFlight.Load() {
		return errors.Newf("cache counts %d tiles in flight but tracks %d", c.inFlight.Load(), c.pendingUpload.Len()+len(c.pendingRelease))
	}

	return c.allocator.Validate()
}

// Destroy releases every submitted tile regardless of its release delay, destroys transient
// textures and then destroys the tile allocator. Tiles that were prepared but never submitted or
// cancelled are reported as unreleased memory.
func (c *Cache) Destroy() error {
	c.UpdateFreeList(0, true)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, pool := range c.pools {
		c.strategy.ReleasePool(pool)
	}

	pending := c.pendingUpload.Len()
	err := c.allocator.Destroy()
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] tiles were prepared but never submitted",
			slog.Int("count", pending))
		return err
	}

	return nil
}

func tileInnerSize(info pixfmt.Info, tileSize, borderTrim int) int {
	if borderTrim < 0 || !info.IsBlockAligned(borderTrim, borderTrim) {
		return -1
	}
	return tileSize - 2*borderTrim
}
