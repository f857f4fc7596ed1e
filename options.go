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
	"context"
	"unsafe"

	"github.com/cockroachdb/robinhood/mem"
)

// option provide an interface to do work on Table while it is being created.
type option[K comparable, V any] interface {
	apply(t *Table[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(t *Table[K, V]) {
	t.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
	t.hashesBytes = false
}

// WithHash is an option to specify the hash function to use for a
// Table[K,V]. The function must be pure: the same key and seed must always
// produce the same hash, including across processes when the table's buffer
// is persisted.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type keyedHashOption[K comparable, V any] struct {
	k0, k1 uint64
}

func (op keyedHashOption[K, V]) apply(t *Table[K, V]) {
	t.hash = sipHasher[K](op.k0, op.k1)
	t.hashesBytes = true
}

// WithKeyedHash is an option to hash keys with SipHash-2-4 under the 128-bit
// key (k0, k1), for tables exposed to adversarial input.
func WithKeyedHash[K comparable, V any](k0, k1 uint64) option[K, V] {
	return keyedHashOption[K, V]{k0, k1}
}

type equalOption[K comparable, V any] struct {
	equal func(a, b *K) bool
}

func (op equalOption[K, V]) apply(t *Table[K, V]) {
	t.equal = op.equal
}

// WithEqual is an option to specify the key equality used by a Table[K,V].
// It must be consistent with the hash function. The default is ==.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type seedOption[K comparable, V any] uint64

func (op seedOption[K, V]) apply(t *Table[K, V]) {
	t.seed = uintptr(op)
	t.seedSet = true
}

// WithSeed is an option to fix the hash seed of a newly initialized table.
// It has no effect when reopening an existing table, which always uses the
// seed persisted in its buffer.
func WithSeed[K comparable, V any](seed uint64) option[K, V] {
	return seedOption[K, V](seed)
}

type serviceOption[K comparable, V any] struct {
	service mem.Service
}

func (op serviceOption[K, V]) apply(t *Table[K, V]) {
	t.service = op.service
}

// WithService is an option to specify the memory service that provides the
// table's buffer. The default is mem.Installed().
func WithService[K comparable, V any](service mem.Service) option[K, V] {
	return serviceOption[K, V]{service}
}

type contextOption[K comparable, V any] struct {
	ctx context.Context
}

func (op contextOption[K, V]) apply(t *Table[K, V]) {
	t.ctx = op.ctx
}

// WithContext is an option to specify the ambient context whose log tags are
// attached to everything the table logs.
func WithContext[K comparable, V any](ctx context.Context) option[K, V] {
	return contextOption[K, V]{ctx}
}
