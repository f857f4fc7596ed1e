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

package mem

import (
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// HeapOption configures a Heap.
type HeapOption interface {
	apply(h *Heap)
}

type limitOption uint64

func (op limitOption) apply(h *Heap) {
	h.limit = uint64(op)
}

// WithLimit bounds the total number of bytes a Heap hands out. Allocations
// and resizes that would exceed the limit fail with ErrInsufficientMemory.
// A limit of zero means unlimited.
func WithLimit(bytes uint64) HeapOption {
	return limitOption(bytes)
}

// Heap is a Service backed by Go-managed memory. Buffer data is 8-byte
// aligned. The zero value is not usable; use NewHeap.
type Heap struct {
	buffers map[string]*Buffer
	limit   uint64
	used    uint64
}

var _ Service = (*Heap)(nil)

// NewHeap constructs an empty Heap.
func NewHeap(opts ...HeapOption) *Heap {
	h := &Heap{buffers: make(map[string]*Buffer)}
	for _, op := range opts {
		op.apply(h)
	}
	return h
}

// Allocate implements Service.
func (h *Heap) Allocate(name string, size uint64) (*Buffer, error) {
	if _, ok := h.buffers[name]; ok {
		return nil, errors.Wrapf(ErrNameInUse, "allocate %q", name)
	}
	if err := h.reserve(name, size); err != nil {
		return nil, err
	}
	b := &Buffer{
		Data: alignedBytes(size),
		Name: name,
		Kind: KindRaw,
	}
	h.buffers[name] = b
	h.used += size
	return b, nil
}

// Resize implements Service.
func (h *Heap) Resize(b *Buffer, newSize uint64) (uint64, error) {
	if err := h.owns(b); err != nil {
		return 0, err
	}
	oldSize := b.Size()
	if newSize == oldSize {
		return newSize, nil
	}
	if newSize > oldSize {
		if err := h.reserve(b.Name, newSize-oldSize); err != nil {
			return 0, err
		}
	}
	data := alignedBytes(newSize)
	copy(data, b.Data)
	b.Data = data
	h.used = h.used - oldSize + newSize
	return newSize, nil
}

// Release implements Service.
func (h *Heap) Release(b *Buffer) error {
	if err := h.owns(b); err != nil {
		return err
	}
	delete(h.buffers, b.Name)
	h.used -= b.Size()
	b.Data = nil
	return nil
}

// Find implements Service.
func (h *Heap) Find(name string) (*Buffer, bool) {
	b, ok := h.buffers[name]
	return b, ok
}

// HeapStats summarizes the buffers held by a Heap.
type HeapStats struct {
	Buffers int
	Bytes   uint64
	Limit   uint64
}

// Stats returns the current buffer count and byte usage.
func (h *Heap) Stats() HeapStats {
	return HeapStats{Buffers: len(h.buffers), Bytes: h.used, Limit: h.limit}
}

// Names returns the names of all registered buffers in sorted order.
func (h *Heap) Names() []string {
	names := make([]string, 0, len(h.buffers))
	for name := range h.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Heap) owns(b *Buffer) error {
	if b == nil {
		return errors.Wrap(ErrUnknownBuffer, "nil buffer")
	}
	if cur, ok := h.buffers[b.Name]; !ok || cur != b {
		return errors.Wrapf(ErrUnknownBuffer, "%q", b.Name)
	}
	return nil
}

func (h *Heap) reserve(name string, n uint64) error {
	if h.limit == 0 || h.used+n <= h.limit {
		return nil
	}
	return errors.Wrapf(ErrInsufficientMemory, "%q: %s requested, %s of %s in use",
		name, humanize.IBytes(n), humanize.IBytes(h.used), humanize.IBytes(h.limit))
}

// alignedBytes returns a zeroed byte slice of length n whose first byte is
// 8-byte aligned.
func alignedBytes(n uint64) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)
}
