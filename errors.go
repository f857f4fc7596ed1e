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
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/robinhood/mem"
)

// Error kinds. Every error returned by New, and every error a Table panics
// with, is marked with exactly one of these and can be tested with
// errors.Is.
var (
	// ErrInvalidMemory indicates a buffer whose kind tag, header or layout
	// does not describe a table of the requested types.
	ErrInvalidMemory = errors.New("invalid memory")
	// ErrReinitializedMemory indicates an attempt to initialize a buffer
	// that has already been claimed.
	ErrReinitializedMemory = errors.New("reinitialized memory")
	// ErrInsufficientMemory indicates a buffer too small for its layout or
	// a memory service that could not provide the requested bytes.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrPEBCAK indicates misuse of the API.
	ErrPEBCAK = errors.New("pebcak")
	// ErrUnimplemented indicates a request for behavior that is not
	// supported, such as shrinking a table.
	ErrUnimplemented = errors.New("unimplemented")
	// ErrModuleNotStarted is returned by New when no memory service has been
	// installed and none was supplied with WithService.
	ErrModuleNotStarted = mem.ErrModuleNotStarted
)

// tableErrorf returns an error of the given kind naming the buffer it
// concerns. The stack is captured depth frames above the caller.
func tableErrorf(
	depth int, kind error, b *mem.Buffer, format string, args ...interface{},
) error {
	err := errors.NewWithDepthf(depth+1, format, args...)
	if b != nil {
		err = errors.Wrapf(err, "%v %v", kind, b)
	} else {
		err = errors.Wrapf(err, "%v", kind)
	}
	return errors.Mark(err, kind)
}

// wrapServiceError marks an error returned by the memory service with the
// table error kind it corresponds to.
func wrapServiceError(err error, b *mem.Buffer, op string, name string) error {
	var kind error
	switch {
	case errors.Is(err, mem.ErrModuleNotStarted):
		return errors.Wrapf(err, "%s %q", op, name)
	case errors.Is(err, mem.ErrInsufficientMemory):
		kind = ErrInsufficientMemory
	case errors.Is(err, mem.ErrNameInUse):
		kind = ErrPEBCAK
	default:
		kind = ErrInvalidMemory
	}
	if b != nil {
		err = errors.Wrapf(err, "%v %v: %s", kind, b, op)
	} else {
		err = errors.Wrapf(err, "%v %s %q", kind, op, name)
	}
	return errors.Mark(err, kind)
}
