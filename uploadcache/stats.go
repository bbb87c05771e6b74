package uploadcache

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tilestream/memutils"
)

// Statistics summarizes the state of a cache
type Statistics struct {
	Memory         memutils.Statistics
	PendingUploads int
	PendingRelease int
	PendingSubmits int
	Pools          int
	AtlasTextures  int
}

func (c *Cache) CalculateStatistics(stats *Statistics) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats.Memory.Clear()
	c.allocator.AddStatistics(&stats.Memory)

	stats.PendingUploads = c.pendingUpload.Len()
	stats.PendingRelease = len(c.pendingRelease)
	stats.Pools = len(c.pools)
	stats.PendingSubmits = 0
	stats.AtlasTextures = 0

	for _, pool := range c.pools {
		stats.PendingSubmits += len(pool.pending)
		for _, atlas := range pool.atlases {
			if atlas.texture != nil {
				stats.AtlasTextures++
			}
		}
	}
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("BufferCount").Int(stats.BufferCount)
	json.Name("TileCount").Int(stats.TileCount)
	json.Name("BufferBytes").Int(stats.BufferBytes)
	json.Name("TileBytes").Int(stats.TileBytes)
}

// BuildStatsString returns a JSON document describing the cache. If detailed is set, it also
// describes every pool and dumps the tile allocator's buckets and staging buffers.
func (c *Cache) BuildStatsString(detailed bool) string {
	var stats Statistics
	c.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	func() {
		obj := writer.Object()
		defer obj.End()

		obj.Name("Strategy").String(string(c.strategy.Name()))
		obj.Name("InMemoryBudget").Bool(c.IsInMemoryBudget())

		totalObj := obj.Name("Total").Object()
		printStatistics(&totalObj, &stats.Memory)
		totalObj.End()

		requestsObj := obj.Name("Requests").Object()
		requestsObj.Name("PendingUpload").Int(stats.PendingUploads)
		requestsObj.Name("PendingRelease").Int(stats.PendingRelease)
		requestsObj.Name("PendingSubmit").Int(stats.PendingSubmits)
		requestsObj.Name("MaxUploadRequests").Int(c.config.MaxUploadRequests)
		requestsObj.Name("MaxUploadMemory").Int(c.config.MaxUploadMemory)
		requestsObj.End()

		if !detailed {
			return
		}

		var detailedStats memutils.DetailedStatistics
		detailedStats.Clear()
		c.allocator.AddDetailedStatistics(&detailedStats)

		detailedObj := obj.Name("Detailed").Object()
		detailedObj.Name("FreeSlotCount").Int(detailedStats.FreeSlotCount)
		if detailedStats.TileCount > 0 {
			detailedObj.Name("TileSizeMin").Int(detailedStats.TileSizeMin)
			detailedObj.Name("TileSizeMax").Int(detailedStats.TileSizeMax)
		}
		detailedObj.End()

		c.printPools(&obj)

		c.allocator.PrintDetailedMap(obj.Name("Buckets"))
	}()

	return string(writer.Bytes())
}

func (c *Cache) printPools(json *jwriter.ObjectState) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	poolsArray := json.Name("Pools").Array()
	defer poolsArray.End()

	for _, pool := range c.pools {
		poolObj := poolsArray.Object()
		poolObj.Name("Format").String(pool.info.Name)
		poolObj.Name("TileSize").Int(pool.key.tileSize)
		poolObj.Name("PendingSubmit").Int(len(pool.pending))

		if len(pool.atlases) > 0 {
			atlasArray := poolObj.Name("Atlases").Array()
			for _, atlas := range pool.atlases {
				if atlas.texture == nil {
					atlasArray.Null()
					continue
				}

				atlasObj := atlasArray.Object()
				atlasObj.Name("Label").String(atlas.texture.Label())
				atlasObj.Name("Width").Int(atlas.width)
				atlasObj.Name("Height").Int(atlas.height)
				atlasObj.End()
			}
			atlasArray.End()
		}

		poolObj.End()
	}
}
