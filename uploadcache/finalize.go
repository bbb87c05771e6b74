package uploadcache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/tilealloc"
	"golang.org/x/exp/slog"
)

// flushStrategy moves the tiles pending in a pool into their destination textures. One strategy
// is resolved per cache at construction.
type flushStrategy interface {
	Name() Strategy
	// UploadStrategy is the kind of memory tiles must be allocated from for Flush to consume them
	UploadStrategy() tilealloc.UploadStrategy
	// InitPool prepares per-pool state the first time a format and tile size are seen
	InitPool(pool *poolEntry) error
	// Flush enqueues device operations for every pending tile in the pool, in submission order.
	// Destination textures are already in device.StateCopyDst.
	Flush(pool *poolEntry) error
	// ReleasePool destroys any device resources the strategy created for the pool
	ReleasePool(pool *poolEntry)
}

// Finalize flushes every tile submitted since the last Finalize. Every destination texture that
// receives tiles is transitioned to device.StateCopyDst once before the flush and back to
// device.StateShaderRead once after it. Pending queues are empty when Finalize returns, even if
// the device reported an error.
func (c *Cache) Finalize() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	defer c.clearPending()

	textures := c.gatherDestinations()
	if len(textures) == 0 {
		return nil
	}

	err := c.device.Transition(textures, device.StateCopyDst)
	if err != nil {
		return errors.Wrap(err, "failed to transition destination textures for upload")
	}

	for _, pool := range c.pools {
		if len(pool.pending) == 0 {
			continue
		}

		err = c.strategy.Flush(pool)
		if err != nil {
			return errors.Wrapf(err, "failed to flush %d tiles of %s", len(pool.pending), pool)
		}

		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "flushed upload pool",
			slog.Int("pool", pool.index),
			slog.String("strategy", string(c.strategy.Name())),
			slog.Int("tiles", len(pool.pending)),
		)
	}

	err = c.device.Transition(textures, device.StateShaderRead)
	if err != nil {
		return errors.Wrap(err, "failed to transition destination textures after upload")
	}

	return nil
}

// gatherDestinations returns each destination texture with pending tiles exactly once, in the
// order they were first seen
func (c *Cache) gatherDestinations() []device.Texture {
	pendingCount := 0
	for _, pool := range c.pools {
		pendingCount += len(pool.pending)
	}
	if pendingCount == 0 {
		return nil
	}

	seen := swiss.NewMap[device.Texture, struct{}](uint32(pendingCount))
	var textures []device.Texture

	for _, pool := range c.pools {
		for _, record := range pool.pending {
			if seen.Has(record.dest.Texture) {
				continue
			}

			seen.Put(record.dest.Texture, struct{}{})
			textures = append(textures, record.dest.Texture)
		}
	}

	return textures
}

func (c *Cache) clearPending() {
	for _, pool := range c.pools {
		for i := range pool.pending {
			pool.pending[i] = pendingSubmit{}
		}
		pool.pending = pool.pending[:0]
	}
}

// dstRegion is the destination texel rectangle a pending tile's inner region is written to
func (p pendingSubmit) dstRegion() device.Rect2D {
	return device.Rect2D{
		Offset: device.Offset2D{X: p.dest.X * p.innerSize, Y: p.dest.Y * p.innerSize},
		Extent: device.Extent2D{Width: p.innerSize, Height: p.innerSize},
	}
}

func (p pendingSubmit) srcOrigin() device.Offset2D {
	return device.Offset2D{X: p.borderTrim, Y: p.borderTrim}
}
