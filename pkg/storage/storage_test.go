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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T, sizeInBlocks int64) BlockStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, sizeInBlocks*VirtualBlockSize), 0644))
	bs, err := NewStore(FileBackingStorage)
	require.NoError(t, err)
	require.NoError(t, bs.Open(path))
	t.Cleanup(func() { bs.Close() })
	return bs
}

func TestFileStoreReadWrite(t *testing.T) {
	bs := newTestFileStore(t, 8)
	assert.Equal(t, int64(8*VirtualBlockSize), bs.Size())
	assert.Equal(t, int64(8), SizeInBlocks(bs))

	wbuf := make([]byte, 2*VirtualBlockSize)
	for i := range wbuf {
		wbuf[i] = byte(i % 251)
	}
	require.NoError(t, bs.WriteAt(wbuf, 3*VirtualBlockSize))
	require.NoError(t, bs.Sync(3*VirtualBlockSize, int64(len(wbuf))))

	rbuf := make([]byte, len(wbuf))
	require.NoError(t, bs.ReadAt(rbuf, 3*VirtualBlockSize))
	assert.Equal(t, wbuf, rbuf)
}

func TestCheckBounds(t *testing.T) {
	bs := newTestFileStore(t, 16)
	tests := []struct {
		name   string
		lba    int64
		blocks int
		want   int
	}{
		{"whole medium", 0, 16, BoundsOK},
		{"single block", 15, 1, BoundsOK},
		{"zero length", 0, 0, BoundsOK},
		{"lba out of range", 16, 1, BoundsBadLBA},
		{"negative lba", -1, 1, BoundsBadLBA},
		{"runs past the end", 15, 2, BoundsBadTransfer},
		{"negative length", 0, -1, BoundsBadTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckBounds(bs, tt.lba, tt.blocks))
		})
	}
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore("no-such-backend")
	assert.Error(t, err)
}

func TestNullStore(t *testing.T) {
	bs, err := NewStore(NullBackingStorage)
	require.NoError(t, err)
	require.NoError(t, bs.Open(""))

	buf := []byte{1, 2, 3, 4}
	require.NoError(t, bs.WriteAt(buf, 0))
	require.NoError(t, bs.ReadAt(buf, 0))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}
