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
	"fmt"
	"io"
	"strconv"
	"testing"
	"unsafe"

	"github.com/aclements/go-perfevent/perfbench"
	"github.com/cockroachdb/robinhood/mem"
)

func BenchmarkTableIter(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapIter[int64], genKeys[int64]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableIter[int64], genKeys[int64]))
	})
}

func BenchmarkTableGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetHit[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapGetHit[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableGetHit[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableGetHit[int32], genKeys[int32]))
	})
}

func BenchmarkTableGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapGetMiss[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapGetMiss[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableGetMiss[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableGetMiss[int32], genKeys[int32]))
	})
}

func BenchmarkTableSetGrow(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutGrow[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapPutGrow[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableSetGrow[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableSetGrow[int32], genKeys[int32]))
	})
}

func BenchmarkTableSetPreAllocate(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutPreAllocate[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapPutPreAllocate[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableSetPreAllocate[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableSetPreAllocate[int32], genKeys[int32]))
	})
}

func BenchmarkTableSetReuse(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutReuse[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapPutReuse[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableSetReuse[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableSetReuse[int32], genKeys[int32]))
	})
}

func BenchmarkTableSetErase(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkRuntimeMapPutDelete[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkRuntimeMapPutDelete[int32], genKeys[int32]))
	})
	b.Run("impl=robinhood", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkTableSetErase[int64], genKeys[int64]))
		b.Run("t=Int32", benchSizes(benchmarkTableSetErase[int32], genKeys[int32]))
	})
}

type benchTypes interface {
	int32 | int64
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	var t T
	switch any(t).(type) {
	case int32:
		keys := make([]int32, end-start)
		for i := range keys {
			keys[i] = int32(start + i)
		}
		return unsafeConvertSlice[T](keys)
	case int64:
		keys := make([]int64, end-start)
		for i := range keys {
			keys[i] = int64(start + i)
		}
		return unsafeConvertSlice[T](keys)
	default:
		panic("not reached")
	}
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}

// newBenchTable returns an empty table on a fresh heap.
func newBenchTable[T benchTypes](b *testing.B, capacity int) *Table[T, T] {
	m, err := New[T, T]("bench", uint64(capacity), WithService[T, T](mem.NewHeap()))
	if err != nil {
		b.Fatal(err)
	}
	return m
}

func benchmarkRuntimeMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	var tmp T
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += k + v
		}
	}
}

func benchmarkTableIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchTable[T](b, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Set(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var tmp T
	for i := 0; i < b.N; i++ {
		m.All(func(k, v T) bool {
			tmp += k + v
			return true
		})
	}
}

func benchmarkRuntimeMapGetMiss[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[miss[i%len(miss)]]
	}
}

func benchmarkTableGetMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchTable[T](b, 0)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for j := range keys {
		m.Set(keys[j], keys[j])
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(miss[i%len(miss)])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetHit[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m[keys[i%n]]
	}
}

func benchmarkTableGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := newBenchTable[T](b, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Set(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m.Get(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapPutGrow[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkTableSetGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	heap := mem.NewHeap()
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m, err := New[T, T]("bench", 0, WithService[T, T](heap))
		if err != nil {
			b.Fatal(err)
		}
		for _, k := range keys {
			m.Set(k, k)
		}
		if err := m.Release(); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRuntimeMapPutPreAllocate[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[T]T, n)
		for _, k := range keys {
			m[k] = k
		}
	}
}

func benchmarkTableSetPreAllocate[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	heap := mem.NewHeap()
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		m, err := New[T, T]("bench", uint64(n), WithService[T, T](heap))
		if err != nil {
			b.Fatal(err)
		}
		for _, k := range keys {
			m.Set(k, k)
		}
		if err := m.Release(); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRuntimeMapPutReuse[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, k := range keys {
			m[k] = k
		}
		for k := range m {
			delete(m, k)
		}
	}
}

func benchmarkTableSetReuse[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newBenchTable[T](b, n)
	keys := genKeys(0, n)
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		for _, k := range keys {
			m.Set(k, k)
		}
		m.Drop()
	}
}

func benchmarkRuntimeMapPutDelete[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		delete(m, keys[j])
		m[keys[j]] = keys[j]
	}
}

func benchmarkTableSetErase[T benchTypes](
	b *testing.B, n int, genKeys func(start, end int) []T,
) {
	m := newBenchTable[T](b, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Set(k, k)
	}
	cs := perfbench.Open(b)
	b.ResetTimer()
	cs.Reset()
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Erase(keys[j])
		m.Set(keys[j], keys[j])
	}
}
