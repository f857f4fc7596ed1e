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
	"encoding/binary"
	"io"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/vfs"
)

// Snapshot file layout, little endian:
//
//	magic     uint32
//	version   uint32
//	kind      uint32
//	nameLen   uint32
//	userdata1 uint64
//	userdata2 uint64
//	size      uint64
//	checksum  uint64  xxhash64 of the data
//	name      [nameLen]byte
//	data      [size]byte
const (
	snapshotMagic      uint32 = 0x52484246 // "RHBF"
	snapshotVersion    uint32 = 1
	snapshotHeaderSize        = 48
	snapshotExt               = ".buf"
	snapshotTmpExt            = ".tmp"
)

// ErrCorruptSnapshot is returned by Restore when a snapshot file fails
// validation.
var ErrCorruptSnapshot = errors.New("corrupt buffer snapshot")

type snapshotHeader struct {
	kind      Kind
	nameLen   uint32
	userData1 uint64
	userData2 uint64
	size      uint64
	checksum  uint64
}

func (h snapshotHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:], snapshotVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.kind))
	binary.LittleEndian.PutUint32(buf[12:], h.nameLen)
	binary.LittleEndian.PutUint64(buf[16:], h.userData1)
	binary.LittleEndian.PutUint64(buf[24:], h.userData2)
	binary.LittleEndian.PutUint64(buf[32:], h.size)
	binary.LittleEndian.PutUint64(buf[40:], h.checksum)
}

func decodeSnapshotHeader(buf []byte) (snapshotHeader, error) {
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != snapshotMagic {
		return snapshotHeader{}, errors.Wrapf(ErrCorruptSnapshot, "invalid magic %#x", magic)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != snapshotVersion {
		return snapshotHeader{}, errors.Wrapf(ErrCorruptSnapshot, "unsupported version %d", v)
	}
	return snapshotHeader{
		kind:      Kind(binary.LittleEndian.Uint32(buf[8:])),
		nameLen:   binary.LittleEndian.Uint32(buf[12:]),
		userData1: binary.LittleEndian.Uint64(buf[16:]),
		userData2: binary.LittleEndian.Uint64(buf[24:]),
		size:      binary.LittleEndian.Uint64(buf[32:]),
		checksum:  binary.LittleEndian.Uint64(buf[40:]),
	}, nil
}

// snapshotFilename maps a buffer name to a file name that is safe on every
// filesystem, since buffer names may contain separators.
func snapshotFilename(name string) string {
	return url.PathEscape(name) + snapshotExt
}

// Snapshot writes every buffer held by h to dir on fs, one file per buffer,
// and removes snapshot files for buffers that no longer exist. Each file is
// written to a temporary name, synced and renamed into place.
func Snapshot(fs vfs.FS, dir string, h *Heap) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "snapshot %q", dir)
	}
	keep := make(map[string]struct{}, len(h.buffers))
	for _, name := range h.Names() {
		filename := snapshotFilename(name)
		keep[filename] = struct{}{}
		if err := writeSnapshotFile(fs, dir, filename, h.buffers[name]); err != nil {
			return err
		}
	}
	existing, err := fs.List(dir)
	if err != nil {
		return errors.Wrapf(err, "snapshot %q", dir)
	}
	for _, filename := range existing {
		if _, ok := keep[filename]; ok || !strings.HasSuffix(filename, snapshotExt) {
			continue
		}
		if err := fs.Remove(fs.PathJoin(dir, filename)); err != nil {
			return errors.Wrapf(err, "snapshot %q", dir)
		}
	}
	d, err := fs.OpenDir(dir)
	if err != nil {
		return errors.Wrapf(err, "snapshot %q", dir)
	}
	return errors.CombineErrors(d.Sync(), d.Close())
}

func writeSnapshotFile(fs vfs.FS, dir, filename string, b *Buffer) (err error) {
	path := fs.PathJoin(dir, filename)
	tmp := path + snapshotTmpExt
	f, err := fs.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "snapshot %q", b.Name)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = fs.Remove(tmp)
		}
	}()

	var hdr [snapshotHeaderSize]byte
	snapshotHeader{
		kind:      b.Kind,
		nameLen:   uint32(len(b.Name)),
		userData1: b.UserData1,
		userData2: b.UserData2,
		size:      b.Size(),
		checksum:  xxhash.Sum64(b.Data),
	}.encode(hdr[:])

	// vfs.File.Write may modify the slice it is given, so the data is
	// written from a copy.
	payload := make([]byte, 0, len(hdr)+len(b.Name)+len(b.Data))
	payload = append(payload, hdr[:]...)
	payload = append(payload, b.Name...)
	payload = append(payload, b.Data...)
	if _, err = f.Write(payload); err != nil {
		return errors.Wrapf(err, "snapshot %q", b.Name)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "snapshot %q", b.Name)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "snapshot %q", b.Name)
	}
	return errors.Wrapf(fs.Rename(tmp, path), "snapshot %q", b.Name)
}

// Restore loads every snapshot file in dir on fs into h. Restored buffers
// keep their kind and user slots. A missing directory restores nothing.
func Restore(fs vfs.FS, dir string, h *Heap) error {
	files, err := fs.List(dir)
	if oserror.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "restore %q", dir)
	}
	for _, filename := range files {
		if !strings.HasSuffix(filename, snapshotExt) {
			continue
		}
		if err := restoreFile(fs, fs.PathJoin(dir, filename), h); err != nil {
			return err
		}
	}
	return nil
}

func restoreFile(fs vfs.FS, path string, h *Heap) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, "restore %q", path)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrapf(err, "restore %q", path)
	}
	if len(raw) < snapshotHeaderSize {
		return errors.Wrapf(ErrCorruptSnapshot, "%q: truncated header", path)
	}
	hdr, err := decodeSnapshotHeader(raw)
	if err != nil {
		return errors.Wrapf(err, "%q", path)
	}
	rest := raw[snapshotHeaderSize:]
	if uint64(len(rest)) != uint64(hdr.nameLen)+hdr.size {
		return errors.Wrapf(ErrCorruptSnapshot, "%q: expected %d bytes after header, found %d",
			path, uint64(hdr.nameLen)+hdr.size, len(rest))
	}
	name, data := string(rest[:hdr.nameLen]), rest[hdr.nameLen:]
	if sum := xxhash.Sum64(data); sum != hdr.checksum {
		return errors.Wrapf(ErrCorruptSnapshot, "%q: checksum %016x != %016x", path, sum, hdr.checksum)
	}
	b, err := h.Allocate(name, hdr.size)
	if err != nil {
		return errors.Wrapf(err, "restore %q", path)
	}
	copy(b.Data, data)
	b.Kind = hdr.kind
	b.UserData1 = hdr.userData1
	b.UserData2 = hdr.userData2
	return nil
}
