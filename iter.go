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

// Iterator walks the occupied cells of a Table in physical order. Any
// mutation of the table invalidates the iterator.
//
//	it := t.Iter()
//	for it.Next() {
//	  fmt.Printf("%v: %v\n", it.Key(), it.Value())
//	}
type Iterator[K comparable, V any] struct {
	cells   unsafeSlice[Cell[K, V]]
	i, end  uintptr
	started bool
}

// Iter returns an iterator positioned before the first occupied cell.
func (t *Table[K, V]) Iter() Iterator[K, V] {
	t.sync()
	return Iterator[K, V]{cells: t.v.cells, end: t.v.sentinel()}
}

// Next advances to the next occupied cell, returning false when there are
// none left.
func (it *Iterator[K, V]) Next() bool {
	if it.started {
		it.i++
	} else {
		it.started = true
	}
	for it.i < it.end && it.cells.At(it.i).Distance == 0 {
		it.i++
	}
	return it.i < it.end
}

// Key returns the key of the current cell.
func (it *Iterator[K, V]) Key() K {
	return it.cells.At(it.i).Key
}

// Value returns the value of the current cell.
func (it *Iterator[K, V]) Value() V {
	return it.cells.At(it.i).Value
}

// Index returns the physical index of the current cell.
func (it *Iterator[K, V]) Index() int {
	return int(it.i)
}

// Distance returns the probe distance of the current cell.
func (it *Iterator[K, V]) Distance() uint8 {
	return it.cells.At(it.i).Distance
}

// Keys calls yield sequentially for each key present in the table. If yield
// returns false, iteration stops.
func (t *Table[K, V]) Keys(yield func(key K) bool) {
	for it := t.Iter(); it.Next(); {
		if !yield(it.Key()) {
			return
		}
	}
}

// Values calls yield sequentially with a pointer to each value present in
// the table. Values may be modified through the pointer, which must not be
// retained after yield returns. If yield returns false, iteration stops.
func (t *Table[K, V]) Values(yield func(value *V) bool) {
	for it := t.Iter(); it.Next(); {
		if !yield(&it.cells.At(it.i).Value) {
			return
		}
	}
}

// All calls yield sequentially for each key and value present in the table.
// If yield returns false, iteration stops. The table must not be mutated
// during iteration.
//
// The naming of All and its signature conform to range-over-func, so with
// that enabled a table can be iterated as:
//
//	for k, v := range t.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (t *Table[K, V]) All(yield func(key K, value V) bool) {
	for it := t.Iter(); it.Next(); {
		c := it.cells.At(it.i)
		if !yield(c.Key, c.Value) {
			return
		}
	}
}

// Cells calls yield sequentially for every physical cell of the table
// except the sentinel, including empty ones. If yield returns false,
// iteration stops.
func (t *Table[K, V]) Cells(yield func(index int, cell Cell[K, V]) bool) {
	t.sync()
	for i, n := uintptr(0), t.v.sentinel(); i < n; i++ {
		if !yield(int(i), *t.v.cells.At(i)) {
			return
		}
	}
}
