// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package robinhood

import (
	"math/bits"
	"unsafe"
)

// Cell holds a key, a value and the key's probe distance. A Distance of 0
// marks an empty cell and a Distance of 1 means the key is stored at its
// natural index.
type Cell[K comparable, V any] struct {
	Key      K
	Value    V
	Distance uint8
}

// Empty returns true if the cell holds no entry.
func (c *Cell[K, V]) Empty() bool {
	return c.Distance == 0
}

// metadata is the prologue of every hash table buffer. The cell array
// follows it immediately.
type metadata struct {
	capacity         uint64
	count            uint64
	maxMissDistance  uint8
	rehashInProgress bool
	_                [6]byte
}

const (
	metadataSize = unsafe.Sizeof(metadata{})

	// layoutVersion is folded into the layout fingerprint so that a change to
	// the buffer format invalidates existing buffers.
	layoutVersion = 1
)

// maxMissDistanceFor returns max(1, floor(log2(capacity))). capacity must be
// a power of two.
func maxMissDistanceFor(capacity uint64) uint8 {
	m := bits.Len64(capacity) - 1
	if m < 1 {
		m = 1
	}
	return uint8(m)
}

// normalizeCapacity returns the smallest power of two >= max(1, requested).
func normalizeCapacity(requested uint64) uint64 {
	if requested <= 1 {
		return 1
	}
	return 1 << bits.Len64(requested-1)
}

// cellsOffset returns the offset of the first cell within the buffer.
func cellsOffset[K comparable, V any]() uintptr {
	align := unsafe.Alignof(Cell[K, V]{})
	return (metadataSize + align - 1) &^ (align - 1)
}

// layoutSize returns the number of buffer bytes used by a table with the
// given capacity. There are capacity+maxMissDistance cells; the last one is
// the sentinel.
func layoutSize[K comparable, V any](capacity uint64) uint64 {
	cells := capacity + uint64(maxMissDistanceFor(capacity))
	return uint64(cellsOffset[K, V]()) + cells*uint64(unsafe.Sizeof(Cell[K, V]{}))
}

// PrecomputeSize returns the number of buffer bytes needed for a table of
// the requested capacity, after rounding the capacity up to a power of two.
func PrecomputeSize[K comparable, V any](requested uint64) uint64 {
	return layoutSize[K, V](normalizeCapacity(requested))
}

// layoutFingerprint identifies the cell layout of a Table[K,V]. It is stored
// in the buffer's second user slot and checked when a table is reopened.
func layoutFingerprint[K comparable, V any]() uint64 {
	var c Cell[K, V]
	return layoutVersion<<60 |
		uint64(unsafe.Sizeof(c)&0xfffff)<<40 |
		uint64(unsafe.Sizeof(c.Key)&0xfffff)<<20 |
		uint64(unsafe.Sizeof(c.Value)&0xfffff)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

// view is a typed window onto a hash table buffer. It is only valid until
// the buffer's Data is replaced by a resize.
type view[K comparable, V any] struct {
	meta  *metadata
	cells unsafeSlice[Cell[K, V]]
}

func makeView[K comparable, V any](data []byte) view[K, V] {
	base := unsafe.Pointer(unsafe.SliceData(data))
	return view[K, V]{
		meta:  (*metadata)(base),
		cells: unsafeSlice[Cell[K, V]]{ptr: unsafe.Add(base, cellsOffset[K, V]())},
	}
}

// numCells returns the number of physical cells including the sentinel.
func (v view[K, V]) numCells() uintptr {
	return uintptr(v.meta.capacity) + uintptr(v.meta.maxMissDistance)
}

// sentinel returns the index of the sentinel cell.
func (v view[K, V]) sentinel() uintptr {
	return v.numCells() - 1
}
