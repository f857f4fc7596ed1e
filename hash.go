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
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dchest/siphash"
	"github.com/zeebo/xxh3"
	"golang.org/x/exp/rand"
)

// hashFn is the type-erased form of func(key *K, seed uintptr) uintptr.
type hashFn func(key unsafe.Pointer, seed uintptr) uintptr

// keyBytes returns the in-memory representation of *key.
func keyBytes[K any](key unsafe.Pointer) []byte {
	var k K
	return unsafe.Slice((*byte)(key), unsafe.Sizeof(k))
}

// bytesHasher returns a hash function over the raw bytes of K using xxh3.
func bytesHasher[K any]() hashFn {
	return func(key unsafe.Pointer, seed uintptr) uintptr {
		return uintptr(xxh3.HashSeed(keyBytes[K](key), uint64(seed)))
	}
}

// sipHasher returns a hash function over the raw bytes of K using
// SipHash-2-4 keyed with (k0, k1). The table seed is mixed into k1.
func sipHasher[K any](k0, k1 uint64) hashFn {
	return func(key unsafe.Pointer, seed uintptr) uintptr {
		return uintptr(siphash.Hash(k0, k1^uint64(seed), keyBytes[K](key)))
	}
}

// newSeed returns a fresh per-table hash seed.
func newSeed() uintptr {
	return uintptr(rand.Uint64())
}

// checkBitCopyable verifies that K and V may be stored in a raw buffer: they
// must not contain anything the garbage collector needs to see. When the
// table hashes key bytes directly, K must also be free of padding since
// padding bytes are not guaranteed to be preserved by copies.
func checkBitCopyable[K comparable, V any](hashesBytes bool) error {
	kt, vt := reflect.TypeFor[K](), reflect.TypeFor[V]()
	if !bitCopyable(kt) {
		return errors.Mark(errors.Newf("key type %s is not bit-copyable", kt), ErrPEBCAK)
	}
	if !bitCopyable(vt) {
		return errors.Mark(errors.Newf("value type %s is not bit-copyable", vt), ErrPEBCAK)
	}
	if hashesBytes && hasPadding(kt) {
		return errors.Mark(
			errors.Newf("key type %s contains padding; supply WithHash", kt), ErrPEBCAK)
	}
	return nil
}

func bitCopyable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || bitCopyable(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !bitCopyable(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func hasPadding(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Array:
		return t.Len() > 0 && hasPadding(t.Elem())
	case reflect.Struct:
		var off uintptr
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Offset != off || hasPadding(f.Type) {
				return true
			}
			off = f.Offset + f.Type.Size()
		}
		return off != t.Size()
	default:
		return false
	}
}
