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
	"github.com/dypflying/go-qcow2lib/qcow2"
	log "github.com/sirupsen/logrus"
)

const Qcow2BackingStorage = "qcow2"

func init() {
	RegisterStore(Qcow2BackingStorage, newQcow2Store)
}

// Qcow2Store exports a qcow2 image as a volume.
type Qcow2Store struct {
	dataSize int64
	child    *qcow2.BdrvChild
}

func newQcow2Store() (BlockStore, error) {
	return &Qcow2Store{}, nil
}

func (bs *Qcow2Store) Open(path string) error {
	var err error
	var openOpts = map[string]any{
		qcow2.OPT_FILENAME: path,
		qcow2.OPT_FMT:      "qcow2",
	}
	log.Debugf("open qcow2 path = %s", path)
	if bs.child, err = qcow2.Blk_Open(path, openOpts, qcow2.BDRV_O_RDWR); err != nil {
		return err
	}
	size, err := qcow2.Blk_Getlength(bs.child)
	if err != nil {
		return err
	}
	bs.dataSize = int64(size)
	return nil
}

func (bs *Qcow2Store) Close() error {
	qcow2.Blk_Close(bs.child)
	return nil
}

func (bs *Qcow2Store) Size() int64 {
	return bs.dataSize
}

func (bs *Qcow2Store) ReadAt(p []byte, off int64) error {
	_, err := qcow2.Blk_Pread(bs.child, uint64(off), p, uint64(len(p)))
	return err
}

func (bs *Qcow2Store) WriteAt(p []byte, off int64) error {
	_, err := qcow2.Blk_Pwrite(bs.child, uint64(off), p, uint64(len(p)), 0)
	return err
}

func (bs *Qcow2Store) Sync(off, length int64) error {
	return nil
}

func (bs *Qcow2Store) Advise(off, length int64, advise uint32) error {
	return nil
}
