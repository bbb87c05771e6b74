package uploadcache

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/memutils"
	"github.com/vkngwrapper/tilestream/tilealloc"
	"golang.org/x/exp/slog"
)

// stagingAtlasStrategy is for devices that cannot update a texture region from arbitrary memory.
// Each batch of tiles is packed into a grid on a transient atlas texture through a CPU lock, and
// every tile's inner region is then copied from its grid cell to its destination.
type stagingAtlasStrategy struct {
	cache *Cache
}

func (s *stagingAtlasStrategy) Name() Strategy { return StrategyStagingAtlas }
func (s *stagingAtlasStrategy) UploadStrategy() tilealloc.UploadStrategy {
	return tilealloc.UploadStrategyCPU
}

// atlasLimits returns the largest atlas grid, in tiles, the device can create for a pool
func (s *stagingAtlasStrategy) atlasLimits(pool *poolEntry) (maxTilesPerRow, maxRows int) {
	tilesPerDimension := s.cache.capabilities.MaxTextureDimension2D / pool.key.tileSize
	return memutils.AlignDown(tilesPerDimension, s.cache.config.AtlasWidthGranularity), tilesPerDimension
}

func (s *stagingAtlasStrategy) InitPool(pool *poolEntry) error {
	maxTilesPerRow, _ := s.atlasLimits(pool)
	if maxTilesPerRow < 1 {
		panic(fmt.Sprintf("a staging atlas row of %d tiles of size %d exceeds the maximum texture dimension %d",
			s.cache.config.AtlasWidthGranularity, pool.key.tileSize, s.cache.capabilities.MaxTextureDimension2D))
	}

	pool.atlases = make([]atlasSlot, s.cache.config.AtlasRingSize)
	pool.atlasCursor = 0
	return nil
}

func (s *stagingAtlasStrategy) ReleasePool(pool *poolEntry) {
	for i := range pool.atlases {
		if pool.atlases[i].texture != nil {
			s.cache.device.DestroyTexture(pool.atlases[i].texture)
		}
		pool.atlases[i] = atlasSlot{}
	}
}

// atlasLayout picks the grid for a batch: a roughly square grid whose width is rounded up to the
// configured granularity and clamped to what the device can create
func atlasLayout(batchSize, granularity, maxTilesPerRow int) (width, height int) {
	memutils.DebugCheckPow2(granularity, "atlas width granularity")

	width = int(math.Ceil(math.Sqrt(float64(batchSize))))
	width = memutils.AlignUp(width, granularity)
	if width > maxTilesPerRow {
		width = maxTilesPerRow
	}

	return width, memutils.DivideRoundUp(batchSize, width)
}

func (s *stagingAtlasStrategy) Flush(pool *poolEntry) error {
	maxTilesPerRow, maxRows := s.atlasLimits(pool)
	capacity := maxTilesPerRow * maxRows

	pending := pool.pending
	for len(pending) > 0 {
		batch := pending
		if len(batch) > capacity {
			batch = batch[:capacity]
		}
		pending = pending[len(batch):]

		err := s.flushBatch(pool, batch, maxTilesPerRow)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *stagingAtlasStrategy) flushBatch(pool *poolEntry, batch []pendingSubmit, maxTilesPerRow int) error {
	width, height := atlasLayout(len(batch), s.cache.config.AtlasWidthGranularity, maxTilesPerRow)

	atlas, err := s.acquireAtlas(pool, width, height)
	if err != nil {
		return err
	}

	err = s.packAtlas(pool, atlas, batch)
	if err != nil {
		return err
	}

	tileSize := pool.key.tileSize
	for i, record := range batch {
		cellX, cellY := i%atlas.width, i/atlas.width
		dstRegion := record.dstRegion()

		err = s.cache.device.CopyTexture(device.TextureCopy{
			Src: atlas.texture,
			SrcOrigin: device.Offset2D{
				X: cellX*tileSize + record.borderTrim,
				Y: cellY*tileSize + record.borderTrim,
			},
			Dst:       record.dest.Texture,
			DstOrigin: dstRegion.Offset,
			Extent:    dstRegion.Extent,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// acquireAtlas advances the pool's ring and returns the next atlas, recreating it if it is
// smaller than the requested grid
func (s *stagingAtlasStrategy) acquireAtlas(pool *poolEntry, width, height int) (*atlasSlot, error) {
	slotIndex := pool.atlasCursor
	slot := &pool.atlases[slotIndex]
	pool.atlasCursor = (pool.atlasCursor + 1) % len(pool.atlases)

	if slot.texture != nil && slot.width >= width && slot.height >= height {
		return slot, nil
	}

	if slot.texture != nil {
		s.cache.device.DestroyTexture(slot.texture)
		*slot = atlasSlot{}
	}

	texture, err := s.cache.device.CreateTexture(device.TextureDesc{
		Label:  fmt.Sprintf("upload atlas %s #%d", pool, slotIndex),
		Format: pool.key.format,
		Width:  width * pool.key.tileSize,
		Height: height * pool.key.tileSize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %dx%d tile staging atlas for %s", width, height, pool)
	}

	*slot = atlasSlot{
		texture: texture,
		width:   width,
		height:  height,
	}

	s.cache.logger.LogAttrs(context.Background(), slog.LevelDebug, "created staging atlas",
		slog.Int("pool", pool.index),
		slog.Int("slot", slotIndex),
		slog.Int("width", width),
		slog.Int("height", height),
	)

	return slot, nil
}

// packAtlas copies every tile in the batch into its grid cell, row-major in submission order
func (s *stagingAtlasStrategy) packAtlas(pool *poolEntry, atlas *atlasSlot, batch []pendingSubmit) error {
	data, rowPitch, err := s.cache.device.LockTexture(atlas.texture)
	if err != nil {
		return errors.Wrapf(err, "failed to lock staging atlas for %s", pool)
	}

	tileRowBytes := pool.info.RowStride(pool.key.tileSize)
	tileBlockRows := pool.info.BlocksHigh(pool.key.tileSize)

	if tileRowBytes*atlas.width > rowPitch || rowPitch*tileBlockRows*atlas.height > len(data) {
		_ = s.cache.device.UnlockTexture(atlas.texture)
		return errors.Newf("locked staging atlas for %s has %d bytes with a pitch of %d, which cannot hold a %dx%d grid",
			pool, len(data), rowPitch, atlas.width, atlas.height)
	}

	for i, record := range batch {
		cellX, cellY := i%atlas.width, i/atlas.width
		memory := s.cache.allocator.BufferFromHandle(record.handle)

		for row := 0; row < tileBlockRows; row++ {
			dstOffset := (cellY*tileBlockRows+row)*rowPitch + cellX*tileRowBytes
			srcOffset := row * memory.Stride
			copy(data[dstOffset:dstOffset+tileRowBytes], memory.Memory[srcOffset:srcOffset+tileRowBytes])
		}
	}

	err = s.cache.device.UnlockTexture(atlas.texture)
	if err != nil {
		return errors.Wrapf(err, "failed to unlock staging atlas for %s", pool)
	}

	return nil
}
