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

//go:build invariants

package robinhood

import (
	"testing"

	"github.com/cockroachdb/robinhood/mem"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// With invariants enabled every mutation verifies the whole table, so growth
// must not check the table while it is half rebuilt.
func TestInvariantsAcrossResizes(t *testing.T) {
	s := &countingService{Service: mem.NewHeap()}
	m, err := New[uint64, uint64]("checked", 4, WithService[uint64, uint64](s))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(newTestSeed(t)))
	e := make(map[uint64]uint64)
	for i := 0; i < 2000; i++ {
		k := rng.Uint64n(512)
		if rng.Intn(4) == 0 {
			_, ok := e[k]
			require.Equal(t, ok, m.Erase(k))
			delete(e, k)
			continue
		}
		m.Set(k, k+1)
		e[k] = k + 1
	}
	require.Less(t, 0, s.resizes)
	require.Equal(t, e, m.toBuiltinMap())

	m.Resize(uint64(4 * m.Capacity()))
	m.Grow()
	require.Equal(t, e, m.toBuiltinMap())
	require.False(t, m.v.meta.rehashInProgress)
}
