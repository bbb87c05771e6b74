package uploadcache

import (
	"context"
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/pixfmt"
	"github.com/vkngwrapper/tilestream/tilealloc"
	"golang.org/x/exp/slog"
)

type poolKey struct {
	format   core1_0.Format
	tileSize int
}

type pendingSubmit struct {
	dest       Destination
	borderTrim int
	innerSize  int
	handle     tilealloc.Handle
}

// atlasSlot is one texture in a pool's ring of transient staging atlases. Dimensions are in tiles.
type atlasSlot struct {
	texture device.Texture
	width   int
	height  int
}

// poolEntry collects the tiles of one format and size that were submitted since the last Finalize
type poolEntry struct {
	index   int
	key     poolKey
	info    pixfmt.Info
	pending []pendingSubmit

	atlases     []atlasSlot
	atlasCursor int
}

func (p *poolEntry) String() string {
	return fmt.Sprintf("%s@%d", p.info.Name, p.key.tileSize)
}

func (c *Cache) findOrCreatePool(format core1_0.Format, tileSize int) (int, error) {
	key := poolKey{format: format, tileSize: tileSize}
	index, ok := c.poolLookup.Get(key)
	if ok {
		return index, nil
	}

	// Validate the shape before the pool is remembered
	_, _, err := tilealloc.TileShape(format, tileSize)
	if err != nil {
		return -1, err
	}

	pool := &poolEntry{
		index: len(c.pools),
		key:   key,
		info:  pixfmt.MustLookup(format),
	}

	err = c.strategy.InitPool(pool)
	if err != nil {
		return -1, err
	}

	c.pools = append(c.pools, pool)
	c.poolLookup.Put(key, pool.index)

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "created upload pool",
		slog.Int("pool", pool.index),
		slog.String("format", pool.info.Name),
		slog.Int("tileSize", tileSize),
	)

	return pool.index, nil
}
