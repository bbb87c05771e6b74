package uploadcache

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/device/mocks"
	"github.com/vkngwrapper/tilestream/device/softdevice"
	"github.com/vkngwrapper/tilestream/pixfmt"
	"go.uber.org/mock/gomock"
)

type testBuffer struct {
	data []byte
}

func (b *testBuffer) Bytes() []byte { return b.data }
func (b *testBuffer) Size() int     { return len(b.data) }

type testTexture struct {
	label string
}

func (t *testTexture) Label() string { return t.label }

func tilePattern(seed, offset, stride int) byte {
	return byte(seed*37 + offset*11 + (offset/stride)*5)
}

func fillTile(buffer TileBuffer, seed int) {
	for i := range buffer.Memory {
		buffer.Memory[i] = tilePattern(seed, i, buffer.Stride)
	}
}

// expectedInterior returns the tightly packed bytes of a filled tile's payload, without its border
func expectedInterior(info pixfmt.Info, seed, stride, borderTrim, innerSize int) []byte {
	startX := (borderTrim / info.BlockWidth) * info.BlockBytes
	startY := borderTrim / info.BlockHeight
	rowBytes := info.RowStride(innerSize)
	rows := info.BlocksHigh(innerSize)

	out := make([]byte, 0, rowBytes*rows)
	for row := 0; row < rows; row++ {
		for column := 0; column < rowBytes; column++ {
			out = append(out, tilePattern(seed, (startY+row)*stride+startX+column, stride))
		}
	}
	return out
}

const (
	equivalenceTiles        = 50
	equivalenceDestinations = 3
	equivalenceTileSize     = 136
	equivalenceBorder       = 4
	equivalenceInnerSize    = equivalenceTileSize - 2*equivalenceBorder
	equivalenceTextureSize  = 1024
)

func equivalenceDestination(tile int) (dest int, x, y int) {
	perDest := tile / equivalenceDestinations
	tilesPerRow := equivalenceTextureSize / equivalenceInnerSize
	return tile % equivalenceDestinations, perDest % tilesPerRow, perDest / tilesPerRow
}

// uploadEquivalenceScene submits a fixed set of tiles across several destinations, finalizes them
// and returns the resulting contents of each destination
func uploadEquivalenceScene(t *testing.T, capabilities device.Capabilities, format core1_0.Format) ([][]byte, softdevice.Counters) {
	dev := softdevice.New(softdevice.Options{Capabilities: capabilities})
	cache := newTestCache(t, dev, DefaultConfig())
	info := pixfmt.MustLookup(format)

	var destinations []*softdevice.Texture
	for i := 0; i < equivalenceDestinations; i++ {
		destinations = append(destinations, createDestination(t, dev, "physical", format, equivalenceTextureSize))
	}

	for tile := 0; tile < equivalenceTiles; tile++ {
		handle, buffer, err := cache.PrepareTileForUpload(format, equivalenceTileSize)
		require.NoError(t, err)
		fillTile(buffer, tile)

		dest, x, y := equivalenceDestination(tile)
		cache.SubmitTile(handle, Destination{Texture: destinations[dest], X: x, Y: y}, equivalenceBorder, 1)
	}

	require.NoError(t, cache.Finalize())

	var stats Statistics
	cache.CalculateStatistics(&stats)
	require.Zero(t, stats.PendingSubmits)

	stride := info.RowStride(equivalenceTileSize)
	for tile := 0; tile < equivalenceTiles; tile++ {
		dest, x, y := equivalenceDestination(tile)
		region, err := destinations[dest].ReadRegion(device.Rect2D{
			Offset: device.Offset2D{X: x * equivalenceInnerSize, Y: y * equivalenceInnerSize},
			Extent: device.Extent2D{Width: equivalenceInnerSize, Height: equivalenceInnerSize},
		})
		require.NoError(t, err)
		require.Equal(t, expectedInterior(info, tile, stride, equivalenceBorder, equivalenceInnerSize), region, "tile %d", tile)
	}

	var pixels [][]byte
	for _, destination := range destinations {
		require.Equal(t, device.StateShaderRead, destination.State())
		pixels = append(pixels, append([]byte(nil), destination.Pixels()...))
	}

	cache.UpdateFreeList(3, false)
	require.Zero(t, cache.PendingReleaseCount())
	require.Zero(t, cache.Allocator().TotalAllocatedBytes())
	require.NoError(t, cache.Destroy())

	return pixels, dev.Counters()
}

func TestStrategiesProduceIdenticalTextures(t *testing.T) {
	for _, format := range []core1_0.Format{pixfmt.FormatRGBA8, pixfmt.FormatBC1} {
		t.Run(pixfmt.Name(format), func(t *testing.T) {
			direct, directCounters := uploadEquivalenceScene(t, directCapabilities, format)
			stagingCopy, copyCounters := uploadEquivalenceScene(t, stagingCopyCapabilities, format)
			atlas, atlasCounters := uploadEquivalenceScene(t, atlasCapabilities, format)

			require.Equal(t, direct, stagingCopy)
			require.Equal(t, direct, atlas)

			// Each destination is transitioned exactly twice
			require.Equal(t, 2*equivalenceDestinations, directCounters.Transitions)
			require.Equal(t, 2*equivalenceDestinations, copyCounters.Transitions)
			require.Equal(t, 2*equivalenceDestinations, atlasCounters.Transitions)

			require.Equal(t, equivalenceTiles, directCounters.BufferUpdates)
			require.Equal(t, equivalenceTiles, copyCounters.MemoryUpdates)
			require.Equal(t, equivalenceTiles, atlasCounters.TextureCopies)

			// 1024 texels hold 7 tiles, so an atlas row holds 4 and a batch at most 28
			require.Equal(t, 2, atlasCounters.Locks)
			require.Equal(t, equivalenceDestinations+2, atlasCounters.TexturesCreated)
			require.Equal(t, 2, atlasCounters.TexturesDestroyed)
		})
	}
}

func TestFinalizeWithoutSubmissions(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Capabilities().Return(directCapabilities)

	cache := newTestCache(t, dev, DefaultConfig())
	require.NoError(t, cache.Finalize())
	require.NoError(t, cache.Destroy())
}

func TestDirectFinalizeCallSequence(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Capabilities().Return(directCapabilities)

	config := DefaultConfig()
	config.StagingBufferSize = 4 * 65536
	cache := newTestCache(t, dev, config)

	buffer := &testBuffer{data: make([]byte, 4*65536)}
	dev.EXPECT().CreateStagingBuffer(4*65536).Return(buffer, nil)

	texA := &testTexture{label: "a"}
	texB := &testTexture{label: "b"}
	dests := []Destination{
		{Texture: texA, X: 0, Y: 0},
		{Texture: texB, X: 1, Y: 0},
		{Texture: texA, X: 0, Y: 1},
	}

	for _, dest := range dests {
		handle, _, err := cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 128)
		require.NoError(t, err)
		cache.SubmitTile(handle, dest, 0, 1)
	}

	update := func(offset int, dst device.Texture, x, y int) device.BufferTextureUpdate {
		return device.BufferTextureUpdate{
			Buffer:    buffer,
			Offset:    offset,
			RowStride: 512,
			Dst:       dst,
			DstRegion: device.Rect2D{
				Offset: device.Offset2D{X: x, Y: y},
				Extent: device.Extent2D{Width: 128, Height: 128},
			},
		}
	}

	gomock.InOrder(
		dev.EXPECT().Transition([]device.Texture{texA, texB}, device.StateCopyDst).Return(nil),
		dev.EXPECT().UpdateTextureFromBuffer(update(0, texA, 0, 0)).Return(nil),
		dev.EXPECT().UpdateTextureFromBuffer(update(65536, texB, 128, 0)).Return(nil),
		dev.EXPECT().UpdateTextureFromBuffer(update(131072, texA, 0, 128)).Return(nil),
		dev.EXPECT().Transition([]device.Texture{texA, texB}, device.StateShaderRead).Return(nil),
	)
	require.NoError(t, cache.Finalize())

	// A second Finalize has nothing to do
	require.NoError(t, cache.Finalize())

	dev.EXPECT().DestroyStagingBuffer(buffer)
	require.NoError(t, cache.Destroy())
}

func TestFinalizeErrorClearsPendingTiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Capabilities().Return(stagingCopyCapabilities)

	cache := newTestCache(t, dev, DefaultConfig())
	texA := &testTexture{label: "a"}

	for i := 0; i < 2; i++ {
		handle, _, err := cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 128)
		require.NoError(t, err)
		cache.SubmitTile(handle, Destination{Texture: texA, X: i}, 0, 1)
	}

	gomock.InOrder(
		dev.EXPECT().Transition([]device.Texture{texA}, device.StateCopyDst).Return(nil),
		dev.EXPECT().UpdateTextureFromMemory(gomock.Any()).Return(errors.New("device lost")),
	)

	err := cache.Finalize()
	require.ErrorContains(t, err, "device lost")

	var stats Statistics
	cache.CalculateStatistics(&stats)
	require.Zero(t, stats.PendingSubmits)
	require.Equal(t, 2, stats.PendingRelease)

	require.NoError(t, cache.Destroy())
}

func TestAtlasFinalizeCallSequence(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Capabilities().Return(device.Capabilities{MaxTextureDimension2D: 64})

	cache := newTestCache(t, dev, DefaultConfig())
	require.Equal(t, StrategyStagingAtlas, cache.Strategy())

	texA := &testTexture{label: "a"}
	atlasTexture := &testTexture{label: "atlas"}

	for i := 0; i < 3; i++ {
		handle, buffer, err := cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 8)
		require.NoError(t, err)
		for j := range buffer.Memory {
			buffer.Memory[j] = byte(i + 1)
		}
		cache.SubmitTile(handle, Destination{Texture: texA, X: i}, 2, 1)
	}

	// Three tiles round up to a four-tile row of 8x8 cells
	atlasData := make([]byte, 32*4*8)
	tileCopy := func(cell, x int) device.TextureCopy {
		return device.TextureCopy{
			Src:       atlasTexture,
			SrcOrigin: device.Offset2D{X: cell*8 + 2, Y: 2},
			Dst:       texA,
			DstOrigin: device.Offset2D{X: x * 4},
			Extent:    device.Extent2D{Width: 4, Height: 4},
		}
	}

	gomock.InOrder(
		dev.EXPECT().Transition([]device.Texture{texA}, device.StateCopyDst).Return(nil),
		dev.EXPECT().CreateTexture(gomock.Any()).DoAndReturn(func(desc device.TextureDesc) (device.Texture, error) {
			require.Equal(t, pixfmt.FormatRGBA8, desc.Format)
			require.Equal(t, 32, desc.Width)
			require.Equal(t, 8, desc.Height)
			return atlasTexture, nil
		}),
		dev.EXPECT().LockTexture(atlasTexture).Return(atlasData, 128, nil),
		dev.EXPECT().UnlockTexture(atlasTexture).Return(nil),
		dev.EXPECT().CopyTexture(tileCopy(0, 0)).Return(nil),
		dev.EXPECT().CopyTexture(tileCopy(1, 1)).Return(nil),
		dev.EXPECT().CopyTexture(tileCopy(2, 2)).Return(nil),
		dev.EXPECT().Transition([]device.Texture{texA}, device.StateShaderRead).Return(nil),
	)
	require.NoError(t, cache.Finalize())

	for row := 0; row < 8; row++ {
		for cell := 0; cell < 4; cell++ {
			expected := byte(cell + 1)
			if cell == 3 {
				expected = 0
			}
			for _, value := range atlasData[row*128+cell*32 : row*128+(cell+1)*32] {
				require.Equal(t, expected, value, "row %d cell %d", row, cell)
			}
		}
	}

	dev.EXPECT().DestroyTexture(atlasTexture)
	require.NoError(t, cache.Destroy())
}

func TestAtlasRingReusesLargeEnoughTextures(t *testing.T) {
	dev := softdevice.New(softdevice.Options{Capabilities: atlasCapabilities})
	config := DefaultConfig()
	config.AtlasRingSize = 1
	cache := newTestCache(t, dev, config)
	dest := createDestination(t, dev, "physical", pixfmt.FormatRGBA8, 1024)

	submit := func(count int, cycle uint64) {
		for i := 0; i < count; i++ {
			handle, _, err := cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 136)
			require.NoError(t, err)
			cache.SubmitTile(handle, Destination{Texture: dest, X: i % 8, Y: i / 8}, 4, cycle)
		}
		require.NoError(t, cache.Finalize())
		cache.UpdateFreeList(cycle+2, false)
	}

	submit(3, 1)
	require.Equal(t, 2, dev.Counters().TexturesCreated)

	// The 4x1 atlas is too small for 28 tiles
	submit(28, 2)
	require.Equal(t, 3, dev.Counters().TexturesCreated)
	require.Equal(t, 1, dev.Counters().TexturesDestroyed)

	// Both batches of 50 tiles fit in the 4x7 atlas
	submit(50, 3)
	require.Equal(t, 3, dev.Counters().TexturesCreated)
	require.Equal(t, 4, dev.Counters().Locks)

	require.NoError(t, cache.Destroy())
	require.Equal(t, 2, dev.Counters().TexturesDestroyed)
}

func TestAtlasLayout(t *testing.T) {
	testCases := map[string]struct {
		BatchSize      int
		Granularity    int
		MaxTilesPerRow int
		Width          int
		Height         int
	}{
		"Single":            {BatchSize: 1, Granularity: 4, MaxTilesPerRow: 8, Width: 4, Height: 1},
		"RoundsUpWidth":     {BatchSize: 5, Granularity: 4, MaxTilesPerRow: 8, Width: 4, Height: 2},
		"Square":            {BatchSize: 16, Granularity: 4, MaxTilesPerRow: 8, Width: 4, Height: 4},
		"NextGranule":       {BatchSize: 17, Granularity: 4, MaxTilesPerRow: 8, Width: 8, Height: 3},
		"ClampedWidth":      {BatchSize: 28, Granularity: 4, MaxTilesPerRow: 4, Width: 4, Height: 7},
		"Large":             {BatchSize: 100, Granularity: 4, MaxTilesPerRow: 32, Width: 12, Height: 9},
		"UnitGranularity":   {BatchSize: 9, Granularity: 1, MaxTilesPerRow: 100, Width: 3, Height: 3},
		"PairedGranularity": {BatchSize: 10, Granularity: 2, MaxTilesPerRow: 100, Width: 4, Height: 3},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			width, height := atlasLayout(testCase.BatchSize, testCase.Granularity, testCase.MaxTilesPerRow)
			require.Equal(t, testCase.Width, width)
			require.Equal(t, testCase.Height, height)
			require.GreaterOrEqual(t, width*height, testCase.BatchSize)
		})
	}
}

func TestAtlasRowExceedingMaxDimensionPanics(t *testing.T) {
	dev := softdevice.New(softdevice.Options{Capabilities: device.Capabilities{MaxTextureDimension2D: 256}})
	cache := newTestCache(t, dev, DefaultConfig())

	// Two 128 texel tiles fit the maximum dimension, but a row must hold four
	require.Panics(t, func() {
		_, _, _ = cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 128)
	})

	_, _, err := cache.PrepareTileForUpload(pixfmt.FormatRGBA8, 64)
	require.NoError(t, err)
}

func TestBuildStatsString(t *testing.T) {
	dev := softdevice.New(softdevice.Options{Capabilities: atlasCapabilities})
	cache := newTestCache(t, dev, DefaultConfig())
	dest := createDestination(t, dev, "physical", pixfmt.FormatRGBA8, 512)

	submitNewTile(t, cache, dest, 0, 0, 1)
	require.NoError(t, cache.Finalize())

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(cache.BuildStatsString(false)), &summary))
	require.Equal(t, "staging-atlas", summary["Strategy"])
	require.Equal(t, true, summary["InMemoryBudget"])
	require.Contains(t, summary, "Total")
	require.Contains(t, summary, "Requests")
	require.NotContains(t, summary, "Pools")

	var detailed map[string]any
	require.NoError(t, json.Unmarshal([]byte(cache.BuildStatsString(true)), &detailed))
	require.Contains(t, detailed, "Buckets")
	require.Contains(t, detailed, "Pools")

	pools := detailed["Pools"].([]any)
	require.Len(t, pools, 1)
	pool := pools[0].(map[string]any)
	require.Equal(t, "RGBA8", pool["Format"])
	require.Equal(t, float64(128), pool["TileSize"])
	require.Len(t, pool["Atlases"], 4)

	// One live tile in a 64 slot staging buffer
	slots := detailed["Detailed"].(map[string]any)
	require.Equal(t, float64(63), slots["FreeSlotCount"])
	require.Equal(t, float64(65536), slots["TileSizeMin"])
	require.Equal(t, float64(65536), slots["TileSizeMax"])

	requests := detailed["Requests"].(map[string]any)
	require.Equal(t, float64(1), requests["PendingRelease"])
}
