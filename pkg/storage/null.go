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

const NullBackingStorage = "null"

func init() {
	RegisterStore(NullBackingStorage, newNullStore)
}

// NullStore discards writes and reads zeros. Useful for protocol testing
// without a backing medium.
type NullStore struct {
	dataSize int64
}

func newNullStore() (BlockStore, error) {
	// 1GiB of nothing
	return &NullStore{dataSize: 1 << 30}, nil
}

func (bs *NullStore) Open(path string) error {
	return nil
}

func (bs *NullStore) Close() error {
	return nil
}

func (bs *NullStore) Size() int64 {
	return bs.dataSize
}

func (bs *NullStore) ReadAt(p []byte, off int64) error {
	for i := range p {
		p[i] = 0
	}
	return nil
}

func (bs *NullStore) WriteAt(p []byte, off int64) error {
	return nil
}

func (bs *NullStore) Sync(off, length int64) error {
	return nil
}

func (bs *NullStore) Advise(off, length int64, advise uint32) error {
	return nil
}
