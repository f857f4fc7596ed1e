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

// Package mem provides named, typed byte buffers and the memory services
// that own them.
//
// A Buffer is a flat byte region identified by name. Every buffer carries a
// Kind tag describing how its bytes are to be interpreted and two 64-bit
// slots reserved for the buffer's user. The bytes themselves are owned by a
// Service: callers allocate, resize, find and release buffers through it and
// never free the bytes directly.
//
// Kind tags are chosen to be recognizable in hex dumps:
//
//	raw          0x0000
//	array        0xACED
//	single-value 0xBABE
//	hash-table   0xCAFE
//	ring         0xBEEF
//	stream       0x57AB
package mem

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/redact"
	"github.com/dustin/go-humanize"
)

// Kind identifies how the bytes of a Buffer are laid out.
type Kind uint32

// The set of buffer kinds.
const (
	KindRaw         Kind = 0x0
	KindArray       Kind = 0xACED
	KindSingleValue Kind = 0xBABE
	KindHashTable   Kind = 0xCAFE
	KindRing        Kind = 0xBEEF
	KindStream      Kind = 0x57AB
)

var kindNames = map[Kind]string{
	KindRaw:         "raw",
	KindArray:       "array",
	KindSingleValue: "single-value",
	KindHashTable:   "hash-table",
	KindRing:        "ring",
	KindStream:      "stream",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%#04x)", uint32(k))
}

// SafeValue implements redact.SafeValue. Kind tags never contain user data.
func (Kind) SafeValue() {}

// Known returns true if k is one of the defined kinds.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Buffer is a named byte region owned by a Service.
//
// Data is the first field so that the address of a Buffer is also the
// address of its data slice header, whose first word is the data pointer and
// whose second word is the size. A Service may replace Data when the buffer
// is resized; the *Buffer handle itself stays valid until it is released.
type Buffer struct {
	Data      []byte
	Name      string
	UserData1 uint64
	UserData2 uint64
	Kind      Kind
}

// Size returns the number of bytes in the buffer.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.Data))
}

// Addr returns the address of the first data byte, or 0 for an empty buffer.
// The address is only meaningful until the next Resize of the buffer.
func (b *Buffer) Addr() uintptr {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.Data)))
}

// SafeFormat implements redact.SafeFormatter. The buffer name is user data
// and is left redactable; kind, size and address are safe.
func (b *Buffer) SafeFormat(w redact.SafePrinter, _ rune) {
	if b == nil {
		w.SafeString("<nil>")
		return
	}
	w.Printf("%s[%s %s @%#x]", b.Name, b.Kind,
		redact.SafeString(humanize.IBytes(b.Size())), redact.Safe(b.Addr()))
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return redact.StringWithoutMarkers(b)
}
