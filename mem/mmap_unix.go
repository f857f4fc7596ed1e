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

//go:build unix

package mem

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Mmap is a Service backed by anonymous private memory mappings. Buffer data
// lives outside the Go heap and is page aligned. Buffers must be released
// (or the service closed) to return their memory to the operating system.
type Mmap struct {
	pageSize uint64
	buffers  map[string]*Buffer
	// regions holds the full mapping backing each buffer, which may be
	// longer than the buffer's data.
	regions map[*Buffer][]byte
}

var _ Service = (*Mmap)(nil)

// NewMmap constructs an empty Mmap service.
func NewMmap() *Mmap {
	return &Mmap{
		pageSize: uint64(os.Getpagesize()),
		buffers:  make(map[string]*Buffer),
		regions:  make(map[*Buffer][]byte),
	}
}

// Allocate implements Service.
func (m *Mmap) Allocate(name string, size uint64) (*Buffer, error) {
	if _, ok := m.buffers[name]; ok {
		return nil, errors.Wrapf(ErrNameInUse, "allocate %q", name)
	}
	region, err := m.mapRegion(size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %q", name)
	}
	b := &Buffer{
		Data: region[:size:size],
		Name: name,
		Kind: KindRaw,
	}
	m.buffers[name] = b
	m.regions[b] = region
	return b, nil
}

// Resize implements Service. A resize that fits within the existing mapping
// reslices it in place; otherwise a new mapping is created, the preserved
// prefix copied and the old mapping unmapped.
func (m *Mmap) Resize(b *Buffer, newSize uint64) (uint64, error) {
	old, ok := m.regions[b]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownBuffer, "%q", b.Name)
	}
	if newSize <= uint64(len(old)) && newSize > 0 {
		if newSize < b.Size() {
			// Scrub the tail so that a later regrow observes zeroed bytes.
			clear(old[newSize:b.Size()])
		}
		b.Data = old[:newSize:newSize]
		return newSize, nil
	}
	region, err := m.mapRegion(newSize)
	if err != nil {
		return 0, errors.Wrapf(err, "resize %q", b.Name)
	}
	copy(region, b.Data)
	if err := unix.Munmap(old); err != nil {
		_ = unix.Munmap(region)
		return 0, errors.Wrapf(err, "resize %q", b.Name)
	}
	b.Data = region[:newSize:newSize]
	m.regions[b] = region
	return newSize, nil
}

// Release implements Service.
func (m *Mmap) Release(b *Buffer) error {
	region, ok := m.regions[b]
	if !ok {
		return errors.Wrapf(ErrUnknownBuffer, "%q", b.Name)
	}
	delete(m.regions, b)
	delete(m.buffers, b.Name)
	b.Data = nil
	return errors.Wrapf(unix.Munmap(region), "release %q", b.Name)
}

// Find implements Service.
func (m *Mmap) Find(name string) (*Buffer, bool) {
	b, ok := m.buffers[name]
	return b, ok
}

// Close unmaps every buffer still held by the service.
func (m *Mmap) Close() error {
	var err error
	for _, b := range m.buffers {
		err = errors.CombineErrors(err, m.Release(b))
	}
	return err
}

func (m *Mmap) mapRegion(size uint64) ([]byte, error) {
	length := (size + m.pageSize - 1) &^ (m.pageSize - 1)
	if length == 0 {
		length = m.pageSize
	}
	region, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "mmap"), ErrInsufficientMemory)
	}
	return region, nil
}
