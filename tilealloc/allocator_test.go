package tilealloc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tilestream/device"
	"github.com/vkngwrapper/tilestream/device/mocks"
	"github.com/vkngwrapper/tilestream/device/softdevice"
	"github.com/vkngwrapper/tilestream/memutils"
	"github.com/vkngwrapper/tilestream/pixfmt"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newAllocator(t require.TestingT, provider device.BufferProvider, options Options) *Allocator {
	allocator, err := New(slog.New(slog.NewTextHandler(&bytes.Buffer{})), provider, options)
	require.NoError(t, err)
	return allocator
}

func TestTileShape(t *testing.T) {
	testCases := map[string]struct {
		Format    core1_0.Format
		TileSize  int
		RowStride int
		TileBytes int
	}{
		"RGBA8_128":  {Format: pixfmt.FormatRGBA8, TileSize: 128, RowStride: 512, TileBytes: 65536},
		"RGBA8_136":  {Format: pixfmt.FormatRGBA8, TileSize: 136, RowStride: 544, TileBytes: 73984},
		"R8_136":     {Format: pixfmt.FormatR8, TileSize: 136, RowStride: 136, TileBytes: 18560},
		"BC1_136":    {Format: pixfmt.FormatBC1, TileSize: 136, RowStride: 272, TileBytes: 9344},
		"BC7_128":    {Format: pixfmt.FormatBC7, TileSize: 128, RowStride: 512, TileBytes: 16384},
		"RGBA32_4":   {Format: pixfmt.FormatRGBA32, TileSize: 4, RowStride: 64, TileBytes: 256},
		"R8_tiny":    {Format: pixfmt.FormatR8, TileSize: 4, RowStride: 4, TileBytes: 128},
		"BC4_single": {Format: pixfmt.FormatBC4, TileSize: 4, RowStride: 8, TileBytes: 128},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			rowStride, tileBytes, err := TileShape(testCase.Format, testCase.TileSize)
			require.NoError(t, err)
			require.Equal(t, testCase.RowStride, rowStride)
			require.Equal(t, testCase.TileBytes, tileBytes)
			require.Zero(t, tileBytes%TileAlignment)
		})
	}
}

func TestTileShapeErrors(t *testing.T) {
	_, _, err := TileShape(core1_0.Format(999999), 128)
	require.ErrorIs(t, err, pixfmt.ErrUnknownFormat)

	_, _, err = TileShape(pixfmt.FormatBC1, 130)
	require.Error(t, err)

	_, _, err = TileShape(pixfmt.FormatRGBA8, 0)
	require.Error(t, err)
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 4 * 65536})

	var handles []Handle
	seen := make(map[Handle]bool)
	for i := 0; i < 10; i++ {
		handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
		require.NoError(t, err)
		require.True(t, handle.IsValid())
		require.False(t, seen[handle])
		seen[handle] = true
		handles = append(handles, handle)

		memory := allocator.BufferFromHandle(handle)
		require.Equal(t, 65536, memory.Size)
		require.Equal(t, 512, memory.Stride)
		require.Len(t, memory.Memory, 65536)
	}

	// 10 tiles at 4 per buffer
	require.Equal(t, 3*4*65536, allocator.TotalAllocatedBytes())
	require.NoError(t, allocator.Validate())

	for _, handle := range handles {
		allocator.Free(handle)
	}

	require.Equal(t, 0, allocator.TotalAllocatedBytes())
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestTilesDoNotOverlap(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 8 * 18560})

	handles := make([]Handle, 0, 8)
	for i := 0; i < 8; i++ {
		handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatR8, 136)
		require.NoError(t, err)
		handles = append(handles, handle)

		memory := allocator.BufferFromHandle(handle).Memory
		for b := range memory {
			memory[b] = byte(i + 1)
		}
	}

	for i, handle := range handles {
		memory := allocator.BufferFromHandle(handle).Memory
		require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, len(memory)), memory)
	}

	for _, handle := range handles {
		allocator.Free(handle)
	}
	require.NoError(t, allocator.Destroy())
}

func TestOneTilePerBuffer(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 65536})

	handles := make([]Handle, 0, 4)
	for i := 0; i < 4; i++ {
		handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	require.Equal(t, 4*65536, allocator.TotalAllocatedBytes())

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BufferCount: 4,
		TileCount:   4,
		BufferBytes: 4 * 65536,
		TileBytes:   4 * 65536,
	}, stats)

	for _, handle := range handles {
		allocator.Free(handle)
	}

	require.Equal(t, 0, allocator.TotalAllocatedBytes())

	stats.Clear()
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{}, stats)
}

func TestOversizedTileGetsOwnBuffer(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 1024})

	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 64)
	require.NoError(t, err)
	require.Equal(t, 64*64*4, allocator.TotalAllocatedBytes())

	allocator.Free(handle)
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
}

func TestBucketsShareShapes(t *testing.T) {
	allocator := newAllocator(t, nil, Options{})

	// RGBA8 and BGRA8 have the same block layout, so their tiles share a bucket
	rgba, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	bgra, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatBGRA8, 128)
	require.NoError(t, err)
	r8, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatR8, 128)
	require.NoError(t, err)

	require.Equal(t, rgba.bucket, bgra.bucket)
	require.Equal(t, rgba.buffer, bgra.buffer)
	require.NotEqual(t, rgba.slot, bgra.slot)
	require.NotEqual(t, rgba.bucket, r8.bucket)

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.BufferCount)
	require.Equal(t, 3, stats.TileCount)
	require.Equal(t, 128*128, stats.TileSizeMin)
	require.Equal(t, 65536, stats.TileSizeMax)

	allocator.Free(rgba)
	allocator.Free(bgra)
	allocator.Free(r8)
	require.NoError(t, allocator.Destroy())
}

func TestReleasedBufferIsReinitialized(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 65536})

	first, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	second, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)

	allocator.Free(first)
	require.Equal(t, 65536, allocator.TotalAllocatedBytes())

	third, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	require.Equal(t, first.buffer, third.buffer)
	require.Equal(t, 2*65536, allocator.TotalAllocatedBytes())

	allocator.Free(second)
	allocator.Free(third)
	require.NoError(t, allocator.Validate())
}

func TestEmptyBufferGracePeriod(t *testing.T) {
	allocator := newAllocator(t, nil, Options{EmptyBufferGraceCycles: 3})

	allocator.Tick(10)
	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	allocator.Free(handle)

	allocator.Tick(12)
	require.Equal(t, DefaultStagingBufferSize, allocator.TotalAllocatedBytes())

	allocator.Tick(13)
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
	require.NoError(t, allocator.Validate())
}

func TestGracePeriodBufferIsReused(t *testing.T) {
	allocator := newAllocator(t, nil, Options{EmptyBufferGraceCycles: 2})

	allocator.Tick(1)
	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	allocator.Free(handle)

	handle, err = allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)

	allocator.Tick(5)
	require.Equal(t, DefaultStagingBufferSize, allocator.TotalAllocatedBytes())

	allocator.Free(handle)
	allocator.Tick(7)
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
}

func TestMappedBufferStrategy(t *testing.T) {
	dev := softdevice.New(softdevice.Options{})
	allocator := newAllocator(t, dev, Options{StagingBufferSize: 2 * 16384})

	first, err := allocator.Allocate(UploadStrategyMappedBuffer, pixfmt.FormatBC7, 128)
	require.NoError(t, err)
	second, err := allocator.Allocate(UploadStrategyMappedBuffer, pixfmt.FormatBC7, 128)
	require.NoError(t, err)

	firstResource := allocator.ResourceFromHandle(first)
	secondResource := allocator.ResourceFromHandle(second)
	require.Same(t, firstResource.Buffer, secondResource.Buffer)
	require.Equal(t, 0, firstResource.Offset)
	require.Equal(t, 16384, secondResource.Offset)
	require.Equal(t, 512, secondResource.Stride)

	memory := allocator.BufferFromHandle(second).Memory
	memory[0] = 0x5A
	require.Equal(t, byte(0x5A), secondResource.Buffer.Bytes()[16384])

	require.Equal(t, 1, dev.Counters().BuffersCreated)
	require.Equal(t, 2*16384, dev.MemoryUsed())

	allocator.Free(first)
	allocator.Free(second)
	require.Equal(t, 1, dev.Counters().BuffersDestroyed)
	require.Equal(t, 0, dev.MemoryUsed())
}

func TestCPUTileHasNoResource(t *testing.T) {
	allocator := newAllocator(t, nil, Options{})

	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)

	require.Panics(t, func() {
		allocator.ResourceFromHandle(handle)
	})
}

func TestMappedStrategyWithoutProvider(t *testing.T) {
	allocator := newAllocator(t, nil, Options{})

	_, err := allocator.Allocate(UploadStrategyMappedBuffer, pixfmt.FormatRGBA8, 128)
	require.Error(t, err)
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
}

func TestProviderFailureIsWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockDevice(ctrl)

	providerErr := errors.New("out of device memory")
	provider.EXPECT().CreateStagingBuffer(DefaultStagingBufferSize).Return(nil, providerErr)

	allocator := newAllocator(t, provider, Options{})

	_, err := allocator.Allocate(UploadStrategyMappedBuffer, pixfmt.FormatRGBA8, 128)
	require.ErrorIs(t, err, providerErr)
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
	require.NoError(t, allocator.Validate())
}

func TestInvalidHandlesPanic(t *testing.T) {
	allocator := newAllocator(t, nil, Options{})

	require.Panics(t, func() {
		allocator.Free(Handle{})
	})

	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	other, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)

	allocator.Free(handle)
	require.Panics(t, func() {
		allocator.Free(handle)
	})

	require.Panics(t, func() {
		allocator.BufferFromHandle(Handle{bucket: 5, valid: true})
	})

	allocator.Free(other)
}

func TestDestroyWithLiveTiles(t *testing.T) {
	var logOutput bytes.Buffer
	allocator, err := New(slog.New(slog.NewTextHandler(&logOutput)), nil, Options{})
	require.NoError(t, err)

	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.ErrorIs(t, err, memutils.UnreleasedMemoryError)
	require.Contains(t, logOutput.String(), "[UNRELEASED MEMORY]")

	allocator.Free(handle)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
}

func TestPrintDetailedMap(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 65536})

	handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
	require.NoError(t, err)
	other, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatR8, 128)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	out := string(writer.Bytes())
	require.True(t, strings.HasPrefix(out, "[{"))
	require.Contains(t, out, `"TileBytes":65536`)
	require.Contains(t, out, `"TileBytes":16384`)
	require.Contains(t, out, `"LiveSlots":[0]`)
	require.Contains(t, out, "},{")

	allocator.Free(handle)
	allocator.Free(other)
}

func TestConcurrentAllocation(t *testing.T) {
	allocator := newAllocator(t, nil, Options{StagingBufferSize: 16 * 65536})

	done := make(chan []Handle)
	for worker := 0; worker < 4; worker++ {
		go func() {
			var handles []Handle
			for i := 0; i < 50; i++ {
				handle, err := allocator.Allocate(UploadStrategyCPU, pixfmt.FormatRGBA8, 128)
				if err != nil {
					panic(err)
				}
				handles = append(handles, handle)
				_ = allocator.TotalAllocatedBytes()
			}
			done <- handles
		}()
	}

	seen := make(map[Handle]bool)
	for worker := 0; worker < 4; worker++ {
		for _, handle := range <-done {
			require.False(t, seen[handle])
			seen[handle] = true
		}
	}

	require.NoError(t, allocator.Validate())
	for handle := range seen {
		allocator.Free(handle)
	}
	require.Equal(t, 0, allocator.TotalAllocatedBytes())
}
