package uploadcache

import (
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/tilealloc"
)

// directStrategy updates each destination region straight out of the persistently mapped buffer
// the tile was written to
type directStrategy struct {
	cache *Cache
}

func (s *directStrategy) Name() Strategy { return StrategyDirect }
func (s *directStrategy) UploadStrategy() tilealloc.UploadStrategy {
	return tilealloc.UploadStrategyMappedBuffer
}
func (s *directStrategy) InitPool(pool *poolEntry) error { return nil }
func (s *directStrategy) ReleasePool(pool *poolEntry)    {}

func (s *directStrategy) Flush(pool *poolEntry) error {
	for _, record := range pool.pending {
		resource := s.cache.allocator.ResourceFromHandle(record.handle)

		err := s.cache.device.UpdateTextureFromBuffer(device.BufferTextureUpdate{
			Buffer:    resource.Buffer,
			Offset:    resource.Offset,
			RowStride: resource.Stride,
			SrcOrigin: record.srcOrigin(),
			Dst:       record.dest.Texture,
			DstRegion: record.dstRegion(),
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// stagingCopyStrategy hands CPU tile memory to the device, which copies it before the call returns
type stagingCopyStrategy struct {
	cache *Cache
}

func (s *stagingCopyStrategy) Name() Strategy { return StrategyStagingCopy }
func (s *stagingCopyStrategy) UploadStrategy() tilealloc.UploadStrategy {
	return tilealloc.UploadStrategyCPU
}
func (s *stagingCopyStrategy) InitPool(pool *poolEntry) error { return nil }
func (s *stagingCopyStrategy) ReleasePool(pool *poolEntry)    {}

func (s *stagingCopyStrategy) Flush(pool *poolEntry) error {
	for _, record := range pool.pending {
		memory := s.cache.allocator.BufferFromHandle(record.handle)

		err := s.cache.device.UpdateTextureFromMemory(device.MemoryTextureUpdate{
			Data:      memory.Memory,
			RowStride: memory.Stride,
			SrcOrigin: record.srcOrigin(),
			Dst:       record.dest.Texture,
			DstRegion: record.dstRegion(),
		})
		if err != nil {
			return err
		}
	}

	return nil
}
