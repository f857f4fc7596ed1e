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

package mem

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var (
	// ErrModuleNotStarted is returned by every operation of the default
	// service before a backend has been installed.
	ErrModuleNotStarted = errors.New("memory service not started")
	// ErrNameInUse is returned by Allocate when a buffer with the requested
	// name already exists.
	ErrNameInUse = errors.New("buffer name in use")
	// ErrInsufficientMemory is returned when a backend cannot provide the
	// requested number of bytes.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrUnknownBuffer is returned when a buffer handle does not belong to
	// the service it was passed to.
	ErrUnknownBuffer = errors.New("unknown buffer")
)

// Service specifies the memory-management interface used by buffer
// consumers. A Service owns the bytes of every buffer it hands out.
//
// A *Buffer returned by Allocate or Find remains valid until Release. Resize
// may replace the buffer's Data slice, so consumers must re-read Data after
// every Resize of the buffer.
//
// Services are not required to be goroutine-safe.
type Service interface {
	// Allocate returns a new zeroed buffer of the given size with KindRaw.
	// It fails with ErrNameInUse if name is already registered.
	Allocate(name string, size uint64) (*Buffer, error)

	// Resize grows or shrinks b to newSize bytes and returns the new size.
	// The bytes in [0, min(oldSize, newSize)) are preserved and all other
	// Buffer fields are left untouched.
	Resize(b *Buffer, newSize uint64) (uint64, error)

	// Release destroys b and unregisters its name.
	Release(b *Buffer) error

	// Find returns the buffer registered under name, if any.
	Find(name string) (*Buffer, bool)
}

type notStarted struct{}

var _ Service = notStarted{}

func (notStarted) Allocate(name string, size uint64) (*Buffer, error) {
	return nil, errors.Wrapf(ErrModuleNotStarted, "allocate %q", name)
}

func (notStarted) Resize(b *Buffer, newSize uint64) (uint64, error) {
	return 0, errors.Wrapf(ErrModuleNotStarted, "resize %q", b.Name)
}

func (notStarted) Release(b *Buffer) error {
	return errors.Wrapf(ErrModuleNotStarted, "release %q", b.Name)
}

func (notStarted) Find(name string) (*Buffer, bool) {
	return nil, false
}

// installed holds the process-wide default service. It is a *Service so that
// atomic.Pointer can hold an interface value.
var installed atomic.Pointer[Service]

func init() {
	Uninstall()
}

// Install makes s the process-wide default service returned by Installed.
func Install(s Service) {
	if s == nil {
		panic(errors.AssertionFailedf("mem: nil service"))
	}
	installed.Store(&s)
}

// Uninstall restores the default service to a stub whose operations fail
// with ErrModuleNotStarted.
func Uninstall() {
	var s Service = notStarted{}
	installed.Store(&s)
}

// Installed returns the process-wide default service.
func Installed() Service {
	return *installed.Load()
}

// IsStarted returns true if a backend has been installed as the default
// service.
func IsStarted() bool {
	_, stub := Installed().(notStarted)
	return !stub
}
