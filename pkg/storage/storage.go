/*
Copyright 2017 The Storgo Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage provides the block-store capability consumed by the SCSI
// layer: random-access byte I/O over a fixed-size region with a virtual
// block size of 512 bytes.
package storage

import (
	"fmt"

	"github.com/storgo/stgt/pkg/util"
)

// VirtualBlockSize is the block size reported to initiators. Backends are
// addressed in bytes; the SCSI layer converts LBAs using this value.
const VirtualBlockSize = 512

// Bounds-check results of CheckBounds.
const (
	BoundsOK          = 0
	BoundsBadLBA      = 1
	BoundsBadTransfer = 2
)

// BlockStore is random-access storage backing one logical unit. ReadAt and
// Sync may run concurrently; implementations serialize WriteAt themselves.
type BlockStore interface {
	// Open binds the store to its backing medium.
	Open(path string) error
	Close() error
	// ReadAt fills p with data starting at byte offset off.
	ReadAt(p []byte, off int64) error
	// WriteAt stores p at byte offset off.
	WriteAt(p []byte, off int64) error
	// Sync flushes the byte range [off, off+length) to stable storage.
	Sync(off, length int64) error
	// Advise hints the backend about the access pattern for a byte range.
	Advise(off, length int64, advise uint32) error
	// Size reports the store size in bytes.
	Size() int64
}

// BlockSize reports the virtual block size of a store.
func BlockSize(bs BlockStore) int {
	return VirtualBlockSize
}

// SizeInBlocks reports the store size in virtual blocks, rounded down.
func SizeInBlocks(bs BlockStore) int64 {
	return bs.Size() / VirtualBlockSize
}

// CheckBounds verifies that a block-addressed transfer lies inside the
// medium. It returns BoundsOK, BoundsBadLBA if the logical block address
// itself is out of range, or BoundsBadTransfer if the transfer runs past the
// end of the medium or its length is negative. The SCSI layer must call this
// before touching the store so the right sense data can be returned.
func CheckBounds(bs BlockStore, lba int64, transferLengthInBlocks int) int {
	sizeInBlocks := SizeInBlocks(bs)
	if lba < 0 || lba >= sizeInBlocks {
		return BoundsBadLBA
	}
	if transferLengthInBlocks < 0 || lba+int64(transferLengthInBlocks) > sizeInBlocks {
		return BoundsBadTransfer
	}
	return BoundsOK
}

// HumanFriendlySize renders the store size for startup logging.
func HumanFriendlySize(bs BlockStore) string {
	return util.HumanFriendlySize(bs.Size())
}

type StoreFunc func() (BlockStore, error)

var registeredStores = map[string]StoreFunc{}

// RegisterStore adds a backend constructor under the given name.
func RegisterStore(name string, f StoreFunc) {
	registeredStores[name] = f
}

// NewStore creates an unopened store of the named backend.
func NewStore(name string) (BlockStore, error) {
	f, ok := registeredStores[name]
	if !ok {
		return nil, fmt.Errorf("backend storage %s is not found", name)
	}
	return f()
}
