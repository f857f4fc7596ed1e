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

package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// bytesValue is a pflag.Value for byte sizes such as "64MiB" or "1.5 GB".
type bytesValue struct {
	val *uint64
}

var _ pflag.Value = bytesValue{}

func newBytesValue(val *uint64) bytesValue {
	return bytesValue{val: val}
}

// Set implements pflag.Value.
func (b bytesValue) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*b.val = v
	return nil
}

// Type implements pflag.Value.
func (b bytesValue) Type() string {
	return "bytes"
}

// String implements pflag.Value. It uses the binary suffixes (KiB, MiB)
// since humanize.Bytes would print multiples of 1000.
func (b bytesValue) String() string {
	if b.val == nil {
		return humanize.IBytes(0)
	}
	return humanize.IBytes(*b.val)
}
