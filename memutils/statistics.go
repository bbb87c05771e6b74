package memutils

import "math"

// Statistics summarizes the staging memory owned by an allocator or some subset of it
type Statistics struct {
	// BufferCount is the number of staging buffers with resident backing memory
	BufferCount int
	// TileCount is the number of tiles currently handed out
	TileCount int
	// BufferBytes is the number of bytes of resident backing memory
	BufferBytes int
	// TileBytes is the number of bytes handed out as tiles, including alignment padding
	TileBytes int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.TileCount = 0
	s.BufferBytes = 0
	s.TileBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.TileCount += other.TileCount
	s.BufferBytes += other.BufferBytes
	s.TileBytes += other.TileBytes
}

// DetailedStatistics adds free-slot and tile-size ranges to Statistics
type DetailedStatistics struct {
	Statistics
	FreeSlotCount int
	TileSizeMin   int
	TileSizeMax   int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeSlotCount = 0
	s.TileSizeMin = math.MaxInt
	s.TileSizeMax = 0
}

func (s *DetailedStatistics) AddFreeSlots(count int) {
	s.FreeSlotCount += count
}

func (s *DetailedStatistics) AddTiles(count int, size int) {
	if count == 0 {
		return
	}

	s.TileCount += count
	s.TileBytes += count * size

	if size < s.TileSizeMin {
		s.TileSizeMin = size
	}

	if size > s.TileSizeMax {
		s.TileSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeSlotCount += other.FreeSlotCount

	if other.TileSizeMin < s.TileSizeMin {
		s.TileSizeMin = other.TileSizeMin
	}

	if other.TileSizeMax > s.TileSizeMax {
		s.TileSizeMax = other.TileSizeMax
	}
}
