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

package robinhood

import (
	"testing"

	"github.com/cockroachdb/robinhood/mem"
	"github.com/stretchr/testify/require"
)

func TestRandomMmap(t *testing.T) {
	s := mem.NewMmap()
	defer func() { require.NoError(t, s.Close()) }()
	m, err := New[uint64, uint64]("random", 0, WithService[uint64, uint64](s))
	require.NoError(t, err)
	runRandom(t, m, 10000, 1<<62)

	// Only the table's buffer remains mapped; rebuild scratch buffers were
	// unmapped.
	_, ok := s.Find("random" + rehashSuffix)
	require.False(t, ok)
	require.NoError(t, m.Release())
	_, ok = s.Find("random")
	require.False(t, ok)
}
