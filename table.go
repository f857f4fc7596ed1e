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

// Package robinhood implements an open-addressing hash table using Robin Hood
// hashing whose storage is a single named byte buffer owned by a memory
// service (see package mem). Because the table keeps all of its state in the
// buffer, a table can be reopened by name, persisted by snapshotting its
// buffer and handed between components that only share the service.
//
// # Robin Hood hashing
//
// Every key has a natural index, hash(key) & (capacity-1). A key stored k
// cells past its natural index has a probe distance of k+1; a distance of 0
// marks an empty cell. Insertion walks forward from the natural index and,
// whenever the entry being placed has travelled further than the occupant of
// the current cell, the two swap and the displaced occupant continues the
// walk. This keeps the variance of probe distances low and lets lookups stop
// as soon as they reach a cell whose occupant is closer to home than the key
// being looked for would be.
//
// Probe distances are bounded by the max miss distance
// M = max(1, floor(log2(capacity))). An insertion that would need to place an
// entry further than M from home doubles the capacity instead. The cell array
// holds capacity+M cells so that a chain starting at the last natural index
// never wraps; the final cell is a sentinel that is never written, which
// guarantees every probe terminates without a bounds check.
//
// # Layout
//
//	[metadata: capacity u64 | count u64 | M u8 | rehash u8 | pad]
//	[cell 0] ... [cell capacity+M-2] [sentinel]
//
// Each cell is a Cell[K,V]: the key, the value and the distance byte. K and
// V must not contain pointers since the buffer may live outside the Go heap.
//
// Erasure uses backward-shift deletion: the entries following the erased
// cell move back by one while they are not at their natural index, so no
// tombstones are needed.
package robinhood

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/robinhood/internal/log"
	"github.com/cockroachdb/robinhood/mem"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const debug = false

// rehashSuffix names the scratch buffer used while resizing.
const rehashSuffix = ".rehash"

// Table is a Robin Hood hash table stored in a buffer provided by a memory
// service. The zero value is not usable; use New.
//
// A Table is not safe for concurrent use. Several Tables may be opened on
// the same buffer name, but only one of them may mutate it; the others see
// its mutations, including resizes, on their next operation.
type Table[K comparable, V any] struct {
	hash        hashFn
	hashesBytes bool
	equal       func(a, b *K) bool
	seed        uintptr
	seedSet     bool
	service     mem.Service
	ctx         context.Context

	buf *mem.Buffer
	// base is the address of buf.Data when v was last derived from it.
	base unsafe.Pointer
	v    view[K, V]
}

// New opens the table stored in the buffer named name, creating it with at
// least the requested capacity if no such buffer exists. A buffer tagged
// mem.KindRaw is claimed and initialized; a buffer tagged mem.KindHashTable
// is validated and reopened as-is, keeping its capacity, contents and hash
// seed. Buffers of any other kind are rejected with ErrInvalidMemory.
//
// Resizing allocates a scratch buffer named name+".rehash" from the same
// service, so that name is reserved. New fails with ErrPEBCAK if a buffer by
// that name already exists.
func New[K comparable, V any](
	name string, capacity uint64, options ...option[K, V],
) (*Table[K, V], error) {
	t, err := newTable(name, options)
	if err != nil {
		return nil, err
	}
	b, ok := t.service.Find(name)
	if !ok {
		b, err = t.service.Allocate(name, PrecomputeSize[K, V](capacity))
		if err != nil {
			return nil, wrapServiceError(err, nil, "allocate", name)
		}
	}
	if err := t.open(b, capacity); err != nil {
		return nil, err
	}
	return t, nil
}

// Claim initializes a table in b, which must be a raw buffer belonging to
// the table's memory service. Claiming a buffer that already holds a table
// fails with ErrReinitializedMemory.
func Claim[K comparable, V any](
	b *mem.Buffer, capacity uint64, options ...option[K, V],
) (*Table[K, V], error) {
	t, err := newTable(b.Name, options)
	if err != nil {
		return nil, err
	}
	switch b.Kind {
	case mem.KindRaw:
	case mem.KindHashTable:
		return nil, tableErrorf(0, ErrReinitializedMemory, b, "buffer already holds a hash table")
	default:
		return nil, tableErrorf(0, ErrInvalidMemory, b, "expected kind %v, found %v", mem.KindRaw, b.Kind)
	}
	if err := t.open(b, capacity); err != nil {
		return nil, err
	}
	return t, nil
}

func newTable[K comparable, V any](name string, options []option[K, V]) (*Table[K, V], error) {
	t := &Table[K, V]{
		service: mem.Installed(),
		ctx:     context.Background(),
	}
	for _, op := range options {
		op.apply(t)
	}
	if t.hash == nil {
		t.hash = bytesHasher[K]()
		t.hashesBytes = true
	}
	if err := checkBitCopyable[K, V](t.hashesBytes); err != nil {
		return nil, errors.Wrapf(err, "hash table %q", name)
	}
	if t.service == nil {
		return nil, errors.Mark(errors.Newf("hash table %q: nil memory service", name), ErrPEBCAK)
	}
	if _, ok := t.service.Find(name + rehashSuffix); ok {
		return nil, errors.Mark(errors.Newf("hash table %q: buffer %q is reserved for rebuilds",
			name, name+rehashSuffix), ErrPEBCAK)
	}
	t.ctx = logtags.AddTag(t.ctx, "table", name)
	return t, nil
}

func (t *Table[K, V]) open(b *mem.Buffer, capacity uint64) error {
	t.buf = b
	var err error
	switch b.Kind {
	case mem.KindRaw:
		err = t.initialize(capacity)
	case mem.KindHashTable:
		err = t.validate()
	default:
		err = tableErrorf(1, ErrInvalidMemory, b, "expected kind %v or %v, found %v",
			mem.KindRaw, mem.KindHashTable, b.Kind)
	}
	if err != nil {
		return err
	}
	log.VEventf(t.ctx, 2, "opened %s", t)
	t.checkInvariants()
	return nil
}

// initialize lays out an empty table with the requested capacity in the raw
// buffer and tags it as a hash table.
func (t *Table[K, V]) initialize(capacity uint64) error {
	if t.buf.Kind != mem.KindRaw {
		return tableErrorf(1, ErrReinitializedMemory, t.buf, "expected kind %v, found %v",
			mem.KindRaw, t.buf.Kind)
	}
	capacity = normalizeCapacity(capacity)
	need := layoutSize[K, V](capacity)
	if t.buf.Size() < need {
		return tableErrorf(1, ErrInsufficientMemory, t.buf, "capacity %d requires %s",
			capacity, redact.Safe(humanize.IBytes(need)))
	}
	clear(t.buf.Data[:need])
	t.remap()
	t.v.meta.capacity = capacity
	t.v.meta.maxMissDistance = maxMissDistanceFor(capacity)
	if !t.seedSet {
		t.seed = newSeed()
	}
	t.buf.UserData1 = uint64(t.seed)
	t.buf.UserData2 = layoutFingerprint[K, V]()
	t.buf.Kind = mem.KindHashTable
	return nil
}

// validate checks that a buffer tagged as a hash table holds a layout this
// Table can use and adopts its seed.
func (t *Table[K, V]) validate() error {
	if t.buf.Size() < uint64(metadataSize) {
		return tableErrorf(1, ErrInsufficientMemory, t.buf, "buffer too small for metadata")
	}
	if fp := layoutFingerprint[K, V](); t.buf.UserData2 != fp {
		return tableErrorf(1, ErrInvalidMemory, t.buf, "layout fingerprint %#x, expected %#x",
			t.buf.UserData2, fp)
	}
	t.remap()
	m := t.v.meta
	if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
		return tableErrorf(1, ErrInvalidMemory, t.buf, "capacity %d is not a power of two", m.capacity)
	}
	if want := maxMissDistanceFor(m.capacity); m.maxMissDistance != want {
		return tableErrorf(1, ErrInvalidMemory, t.buf, "max miss distance %d, expected %d",
			m.maxMissDistance, want)
	}
	if m.count > m.capacity {
		return tableErrorf(1, ErrInvalidMemory, t.buf, "count %d exceeds capacity %d",
			m.count, m.capacity)
	}
	if m.rehashInProgress {
		return tableErrorf(1, ErrInvalidMemory, t.buf, "buffer was captured during a rebuild")
	}
	if need := layoutSize[K, V](m.capacity); t.buf.Size() < need {
		return tableErrorf(1, ErrInsufficientMemory, t.buf, "capacity %d requires %s",
			m.capacity, redact.Safe(humanize.IBytes(need)))
	}
	t.seed = uintptr(t.buf.UserData1)
	return nil
}

// remap rederives the typed view of the buffer from its current Data.
func (t *Table[K, V]) remap() {
	t.base = unsafe.Pointer(unsafe.SliceData(t.buf.Data))
	t.v = makeView[K, V](t.buf.Data)
}

// sync refreshes the view if the buffer's Data has moved since it was last
// derived, which happens when another Table on the same buffer resized it.
func (t *Table[K, V]) sync() {
	if unsafe.Pointer(unsafe.SliceData(t.buf.Data)) == t.base {
		return
	}
	if t.buf.Data == nil {
		t.fatalf(ErrPEBCAK, "table used after its buffer was released")
	}
	t.remap()
}

func (t *Table[K, V]) naturalIndex(key *K) uintptr {
	h := t.hash(noescape(unsafe.Pointer(key)), t.seed)
	return h & uintptr(t.v.meta.capacity-1)
}

func (t *Table[K, V]) keyEqual(a, b *K) bool {
	if t.equal != nil {
		return t.equal(a, b)
	}
	return *a == *b
}

// find returns the index of the cell holding key.
func (t *Table[K, V]) find(key *K) (uintptr, bool) {
	i := t.naturalIndex(key)
	if debug {
		fmt.Printf("find(%v): natural=%d\n", *key, i)
	}
	// The sentinel is empty, so d > c.Distance holds there at the latest.
	for d := uint8(1); ; d, i = d+1, i+1 {
		c := t.v.cells.At(i)
		if d > c.Distance {
			if debug {
				fmt.Printf("find(not-found): index=%d d=%d cell-d=%d\n", i, d, c.Distance)
			}
			return i, false
		}
		if d == c.Distance && t.keyEqual(&c.Key, key) {
			return i, true
		}
	}
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present.
func (t *Table[K, V]) Get(key K) (value V, ok bool) {
	t.sync()
	if i, ok := t.find(&key); ok {
		return t.v.cells.At(i).Value, true
	}
	return value, false
}

// Contains returns true if the key is present.
func (t *Table[K, V]) Contains(key K) bool {
	t.sync()
	_, ok := t.find(&key)
	return ok
}

// Set inserts an entry into the table, overwriting the value of an existing
// entry with the same key. Set may grow the table; it never loses entries.
func (t *Table[K, V]) Set(key K, value V) {
	t.sync()
	i := t.naturalIndex(&key)
	d := uint8(1)
	if debug {
		fmt.Printf("set(%v): natural=%d\n", key, i)
	}

	// Scan the key's chain for an existing entry. The scan stops at the
	// first cell whose occupant is closer to home than key would be, which
	// is exactly where key belongs if it is absent.
	for {
		c := t.v.cells.At(i)
		if d > c.Distance {
			break
		}
		if d == c.Distance && t.keyEqual(&c.Key, &key) {
			if debug {
				fmt.Printf("set(updating): index=%d key=%v\n", i, key)
			}
			c.Value = value
			return
		}
		i, d = i+1, d+1
	}
	t.insert(i, d, key, value)
}

// insert places an entry known not to be in the table, starting at index i
// with probe distance d.
func (t *Table[K, V]) insert(i uintptr, d uint8, key K, value V) {
	for {
		if d > t.v.meta.maxMissDistance {
			if debug {
				fmt.Printf("set(overflow): index=%d carrying=%v d=%d\n", i, key, d)
			}
			// The entry being carried is the only one not in the table.
			// After growing, it is inserted afresh.
			t.grow()
			t.Set(key, value)
			return
		}
		c := t.v.cells.At(i)
		if c.Distance == 0 {
			if t.v.meta.count == t.v.meta.capacity {
				// The cell array has room past capacity, but count may not
				// exceed it.
				if debug {
					fmt.Printf("set(full): index=%d carrying=%v\n", i, key)
				}
				t.grow()
				t.Set(key, value)
				return
			}
			if debug {
				fmt.Printf("set(inserting): index=%d key=%v d=%d\n", i, key, d)
			}
			c.Key, c.Value, c.Distance = key, value, d
			t.v.meta.count++
			// A rebuild is checked once it completes.
			if !t.v.meta.rehashInProgress {
				t.checkInvariants()
			}
			return
		}
		if d > c.Distance {
			if debug {
				fmt.Printf("set(stealing): index=%d key=%v d=%d from=%v d=%d\n",
					i, key, d, c.Key, c.Distance)
			}
			c.Key, key = key, c.Key
			c.Value, value = value, c.Value
			c.Distance, d = d, c.Distance
		}
		i, d = i+1, d+1
	}
}

// Modify calls fn with a pointer to the value stored for key, returning
// false if the key is not present. The pointer must not be retained after fn
// returns.
func (t *Table[K, V]) Modify(key K, fn func(value *V)) bool {
	t.sync()
	i, ok := t.find(&key)
	if !ok {
		return false
	}
	fn(&t.v.cells.At(i).Value)
	return true
}

// Erase removes the entry for the specified key, returning false if the key
// was not present. Erasing an absent key leaves the buffer untouched.
func (t *Table[K, V]) Erase(key K) bool {
	t.sync()
	i, ok := t.find(&key)
	if !ok {
		return false
	}
	if debug {
		fmt.Printf("erase(%v): index=%d\n", key, i)
	}
	// Shift the rest of the cluster back by one. An entry at distance 1 is
	// at its natural index and ends the shift, as does an empty cell. The
	// sentinel bounds the loop.
	for {
		next := t.v.cells.At(i + 1)
		if next.Distance <= 1 {
			break
		}
		c := t.v.cells.At(i)
		c.Key, c.Value, c.Distance = next.Key, next.Value, next.Distance-1
		i++
	}
	*t.v.cells.At(i) = Cell[K, V]{}
	t.v.meta.count--
	t.checkInvariants()
	return true
}

// Drop removes every entry, keeping the capacity.
func (t *Table[K, V]) Drop() {
	t.sync()
	start := cellsOffset[K, V]()
	end := uintptr(layoutSize[K, V](t.v.meta.capacity))
	clear(t.buf.Data[start:end])
	t.v.meta.count = 0
	t.checkInvariants()
}

// Resize rebuilds the table with a capacity of at least minCapacity, rounded
// up to a power of two. Shrinking is not supported: a minCapacity below the
// current capacity is a fatal error.
func (t *Table[K, V]) Resize(minCapacity uint64) {
	t.sync()
	if minCapacity < t.v.meta.capacity {
		t.fatalf(ErrUnimplemented, "downsize from %d to %d", t.v.meta.capacity, minCapacity)
	}
	t.resize(normalizeCapacity(minCapacity))
}

// Grow doubles the capacity of the table.
func (t *Table[K, V]) Grow() {
	t.sync()
	t.grow()
}

func (t *Table[K, V]) grow() {
	t.resize(2 * t.v.meta.capacity)
}

// resize copies the current layout into a scratch buffer, resizes the
// primary buffer for newCapacity, and reinserts every entry from the scratch
// copy.
func (t *Table[K, V]) resize(newCapacity uint64) {
	if t.v.meta.rehashInProgress {
		// Reinsertion into a table twice the size overflowed the miss
		// distance. This only happens with a hash function that maps a large
		// share of keys to the same index.
		t.fatalf(ErrPEBCAK, "resize to capacity %d requested during rebuild at capacity %d",
			newCapacity, t.v.meta.capacity)
	}
	oldCapacity := t.v.meta.capacity
	oldSize := layoutSize[K, V](oldCapacity)
	newSize := layoutSize[K, V](newCapacity)
	if debug {
		fmt.Printf("resize: capacity %d -> %d\n", oldCapacity, newCapacity)
	}

	scratch, err := t.service.Allocate(t.buf.Name+rehashSuffix, oldSize)
	if err != nil {
		t.fatal(wrapServiceError(err, t.buf, "allocate rebuild scratch", t.buf.Name+rehashSuffix))
	}
	defer func() {
		if err := t.service.Release(scratch); err != nil {
			log.Warningf(t.ctx, "releasing %s: %v", scratch, err)
		}
	}()
	copy(scratch.Data, t.buf.Data[:oldSize])
	old := makeView[K, V](scratch.Data)

	if _, err := t.service.Resize(t.buf, newSize); err != nil {
		t.fatal(wrapServiceError(err, t.buf, "resize", t.buf.Name))
	}
	t.remap()
	clear(t.buf.Data[:newSize])
	t.v.meta.capacity = newCapacity
	t.v.meta.maxMissDistance = maxMissDistanceFor(newCapacity)
	t.v.meta.rehashInProgress = true

	for i, n := uintptr(0), old.sentinel(); i < n; i++ {
		c := old.cells.At(i)
		if c.Distance == 0 {
			continue
		}
		t.insert(t.naturalIndex(&c.Key), 1, c.Key, c.Value)
	}
	t.v.meta.rehashInProgress = false
	if t.v.meta.count != old.meta.count {
		t.fatalf(ErrPEBCAK, "rebuild reinserted %d entries, expected %d", t.v.meta.count, old.meta.count)
	}

	log.VEventf(t.ctx, 1, "resized capacity %d -> %d (%s -> %s)", oldCapacity, newCapacity,
		redact.Safe(humanize.IBytes(oldSize)), redact.Safe(humanize.IBytes(newSize)))
	t.checkInvariants()
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	t.sync()
	return int(t.v.meta.count)
}

// Capacity returns the number of natural indexes, always a power of two.
func (t *Table[K, V]) Capacity() int {
	t.sync()
	return int(t.v.meta.capacity)
}

// MaxMissDistance returns the largest probe distance any entry may have.
func (t *Table[K, V]) MaxMissDistance() int {
	t.sync()
	return int(t.v.meta.maxMissDistance)
}

// LoadFactor returns Len()/Capacity().
func (t *Table[K, V]) LoadFactor() float64 {
	t.sync()
	return float64(t.v.meta.count) / float64(t.v.meta.capacity)
}

// Name returns the name of the table's buffer.
func (t *Table[K, V]) Name() string {
	return t.buf.Name
}

// Buffer returns the table's buffer.
func (t *Table[K, V]) Buffer() *mem.Buffer {
	return t.buf
}

// Release asks the memory service to release the table's buffer. The table
// must not be used afterwards.
func (t *Table[K, V]) Release() error {
	return t.service.Release(t.buf)
}

// SafeFormat implements redact.SafeFormatter.
func (t *Table[K, V]) SafeFormat(p redact.SafePrinter, _ rune) {
	t.sync()
	m := t.v.meta
	p.Printf("%s: count=%d capacity=%d max-miss=%d load=%.2f size=%s",
		t.buf.Name, redact.Safe(m.count), redact.Safe(m.capacity), redact.Safe(m.maxMissDistance),
		redact.Safe(float64(m.count)/float64(m.capacity)),
		redact.SafeString(humanize.IBytes(t.buf.Size())))
}

// String implements fmt.Stringer.
func (t *Table[K, V]) String() string {
	return redact.StringWithoutMarkers(t)
}

// fatal logs err through the fatal path and panics with it.
func (t *Table[K, V]) fatal(err error) {
	log.FatalDepth(t.ctx, 1, err,
		zap.String("buffer", t.buf.Name),
		zap.Uintptr("address", t.buf.Addr()))
}

// fatalf builds an error of the given kind and passes it to the fatal path.
func (t *Table[K, V]) fatalf(kind error, format string, args ...interface{}) {
	err := tableErrorf(1, kind, t.buf, format, args...)
	log.FatalDepth(t.ctx, 1, err,
		zap.String("code", kind.Error()),
		zap.String("buffer", t.buf.Name),
		zap.Uintptr("address", t.buf.Addr()))
}

// verify checks the structural invariants of the table, returning a
// description of the first violation found.
func (t *Table[K, V]) verify() error {
	m := t.v.meta
	if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
		return errors.AssertionFailedf("capacity %d is not a power of two", m.capacity)
	}
	if want := maxMissDistanceFor(m.capacity); m.maxMissDistance != want {
		return errors.AssertionFailedf("max miss distance %d, expected %d", m.maxMissDistance, want)
	}
	if m.rehashInProgress {
		return errors.AssertionFailedf("rebuild in progress")
	}
	if m.count > m.capacity {
		return errors.AssertionFailedf("count %d exceeds capacity %d", m.count, m.capacity)
	}
	if need := layoutSize[K, V](m.capacity); t.buf.Size() < need {
		return errors.AssertionFailedf("buffer size %d < layout size %d", t.buf.Size(), need)
	}
	if c := t.v.cells.At(t.v.sentinel()); c.Distance != 0 {
		return errors.AssertionFailedf("sentinel cell %d is not empty: %v=%v d=%d",
			t.v.sentinel(), c.Key, c.Value, c.Distance)
	}

	var count uint64
	var prev uint8
	for i, n := uintptr(0), t.v.sentinel(); i < n; i++ {
		c := t.v.cells.At(i)
		d := c.Distance
		// Along a chain a successor is at most one step further from home
		// than its predecessor; otherwise it would have stolen that seat.
		if d > prev+1 {
			return errors.AssertionFailedf("cell %d: distance %d follows distance %d", i, d, prev)
		}
		prev = d
		if d == 0 {
			continue
		}
		count++
		if d > m.maxMissDistance {
			return errors.AssertionFailedf("cell %d: distance %d exceeds max miss distance %d",
				i, d, m.maxMissDistance)
		}
		if nat := t.naturalIndex(&c.Key); nat+uintptr(d-1) != i {
			return errors.AssertionFailedf("cell %d: key %v has natural index %d but distance %d",
				i, c.Key, nat, d)
		}
		if j, ok := t.find(&c.Key); !ok || j != i {
			return errors.AssertionFailedf("cell %d: key %v not found (found=%t at %d)", i, c.Key, ok, j)
		}
	}
	if count != m.count {
		return errors.AssertionFailedf("found %d entries, but count is %d", count, m.count)
	}
	return nil
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if err := t.verify(); err != nil {
			t.fatal(errors.Mark(errors.Wrapf(err, "invariant failed\n%s", t.debugString()), ErrPEBCAK))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	m := t.v.meta
	fmt.Fprintf(&buf, "capacity=%d  count=%d  max-miss=%d  rehash=%t\n",
		m.capacity, m.count, m.maxMissDistance, m.rehashInProgress)
	for i, n := uintptr(0), t.v.numCells(); i < n; i++ {
		c := t.v.cells.At(i)
		switch {
		case i == n-1:
			fmt.Fprintf(&buf, "  %4d: sentinel d=%d\n", i, c.Distance)
		case c.Distance == 0:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		default:
			fmt.Fprintf(&buf, "  %4d: %v=%v d=%d natural=%d\n",
				i, c.Key, c.Value, c.Distance, t.naturalIndex(&c.Key))
		}
	}
	return buf.String()
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
