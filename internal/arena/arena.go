package arena

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Handle identifies a value stored in an Arena. A handle stays invalid forever once its
// value is removed, even after the slot it pointed at is reused. The zero Handle is never valid.
type Handle struct {
	index      uint32
	generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.generation)
}

func (h Handle) Index() int { return int(h.index) }

type entry[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena is a slice of slots with a free list of vacated indices. Each slot carries a
// generation counter that is bumped every time the slot is vacated, so stale handles
// are detected rather than silently resolving to a newer value.
type Arena[T any] struct {
	entries  []entry[T]
	freeList []uint32
	count    int
}

func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		entries: make([]entry[T], 0, capacity),
	}
}

func (a *Arena[T]) Len() int { return a.count }

func (a *Arena[T]) Insert(value T) Handle {
	var index uint32

	if len(a.freeList) > 0 {
		index = a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
	} else {
		index = uint32(len(a.entries))
		// Generations start at 1 so the zero Handle never resolves
		a.entries = append(a.entries, entry[T]{generation: 1})
	}

	slot := &a.entries[index]
	slot.value = value
	slot.occupied = true
	a.count++

	return Handle{index: index, generation: slot.generation}
}

func (a *Arena[T]) lookup(handle Handle) *entry[T] {
	if int(handle.index) >= len(a.entries) {
		return nil
	}

	slot := &a.entries[handle.index]
	if !slot.occupied || slot.generation != handle.generation {
		return nil
	}

	return slot
}

func (a *Arena[T]) Contains(handle Handle) bool {
	return a.lookup(handle) != nil
}

// Get returns the value stored for handle, or false if the handle is stale or was never issued
func (a *Arena[T]) Get(handle Handle) (T, bool) {
	slot := a.lookup(handle)
	if slot == nil {
		var zero T
		return zero, false
	}

	return slot.value, true
}

// Remove vacates the handle's slot and returns the value that was stored in it
func (a *Arena[T]) Remove(handle Handle) (T, bool) {
	var zero T

	slot := a.lookup(handle)
	if slot == nil {
		return zero, false
	}

	value := slot.value
	slot.value = zero
	slot.occupied = false
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}

	a.freeList = append(a.freeList, handle.index)
	a.count--

	return value, true
}

// Visit calls the provided callback for each live value in slot order
func (a *Arena[T]) Visit(callback func(handle Handle, value T)) {
	for index := range a.entries {
		slot := &a.entries[index]
		if !slot.occupied {
			continue
		}

		callback(Handle{index: uint32(index), generation: slot.generation}, slot.value)
	}
}

// Validate checks that the free list and the occupancy flags agree
func (a *Arena[T]) Validate() error {
	free := make([]bool, len(a.entries))
	for _, index := range a.freeList {
		if int(index) >= len(a.entries) {
			return errors.Newf("free list holds index %d past the end of %d entries", index, len(a.entries))
		}
		if free[index] {
			return errors.Newf("free list holds index %d twice", index)
		}
		if a.entries[index].occupied {
			return errors.Newf("free list holds occupied index %d", index)
		}
		free[index] = true
	}

	occupied := 0
	for index := range a.entries {
		if a.entries[index].occupied {
			occupied++
		} else if !free[index] {
			return errors.Newf("vacant index %d is missing from the free list", index)
		}
	}

	if occupied != a.count {
		return errors.Newf("arena counts %d values but %d slots are occupied", a.count, occupied)
	}

	return nil
}
