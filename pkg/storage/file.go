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

package storage

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/util"
)

const FileBackingStorage = "file"

func init() {
	RegisterStore(FileBackingStorage, newFileStore)
}

// FileStore is the default backend: a raw image file, length = blocks * 512,
// no header. Reads go straight to the handle; writes are serialized by a
// mutex so overlapping bursts from the transfer engine cannot interleave.
type FileStore struct {
	dataSize  int64
	file      *os.File
	writeLock sync.Mutex
}

func newFileStore() (BlockStore, error) {
	return &FileStore{}, nil
}

func (bs *FileStore) Open(path string) error {
	finfo, err := os.Stat(path)
	if err != nil {
		return err
	}
	bs.dataSize = finfo.Size()

	f, err := os.OpenFile(path, os.O_RDWR, os.ModePerm)
	if err != nil {
		return err
	}
	bs.file = f
	return nil
}

func (bs *FileStore) Close() error {
	return bs.file.Close()
}

func (bs *FileStore) Size() int64 {
	return bs.dataSize
}

func (bs *FileStore) ReadAt(p []byte, off int64) error {
	if bs.file == nil {
		return fmt.Errorf("backend store is not open")
	}
	length, err := bs.file.ReadAt(p, off)
	if err != nil {
		return err
	}
	if length != len(p) {
		return fmt.Errorf("short read: %d of %d bytes", length, len(p))
	}
	return nil
}

func (bs *FileStore) WriteAt(p []byte, off int64) error {
	bs.writeLock.Lock()
	defer bs.writeLock.Unlock()
	length, err := bs.file.WriteAt(p, off)
	if err != nil {
		log.Error(err)
		return err
	}
	if length != len(p) {
		return fmt.Errorf("short write: %d of %d bytes", length, len(p))
	}
	return nil
}

func (bs *FileStore) Sync(off, length int64) error {
	return util.Fdatasync(bs.file)
}

func (bs *FileStore) Advise(off, length int64, advise uint32) error {
	return util.Fadvise(bs.file, off, length, advise)
}
