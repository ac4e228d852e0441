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

// SCSI block command processing test
package scsi

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storgo/stgt/pkg/storage"
)

// trackingStore records whether the command path touched the store.
type trackingStore struct {
	storage.BlockStore
	reads  int
	writes int
}

func (ts *trackingStore) ReadAt(p []byte, off int64) error {
	ts.reads++
	return ts.BlockStore.ReadAt(p, off)
}

func (ts *trackingStore) WriteAt(p []byte, off int64) error {
	ts.writes++
	return ts.BlockStore.WriteAt(p, off)
}

func newTestTarget(t *testing.T, sizeInBlocks int64) (*Target, *trackingStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, sizeInBlocks*storage.VirtualBlockSize), 0644))
	bs, err := storage.NewStore(storage.FileBackingStorage)
	require.NoError(t, err)
	require.NoError(t, bs.Open(path))
	t.Cleanup(func() { bs.Close() })
	ts := &trackingStore{BlockStore: bs}
	return NewTarget("iqn.2017-01.com.storgo:test", "", ts), ts
}

func read10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(READ_10)
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func write10CDB(lba uint32, blocks uint16) []byte {
	cdb := read10CDB(lba, blocks)
	cdb[0] = byte(WRITE_10)
	return cdb
}

func TestSBCReadCapacity(t *testing.T) {
	// 1 MiB medium: 2048 blocks, last LBA 0x7ff
	tgt, _ := newTestTarget(t, 2048)
	cmd := &SCSICommand{Target: tgt, SCB: []byte{byte(READ_CAPACITY), 0, 0, 0, 0, 0, 0, 0, 0, 0}}
	stat := PerformCommand(cmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	require.Len(t, cmd.InBuffer, 8)
	assert.Equal(t, uint32(0x07ff), binary.BigEndian.Uint32(cmd.InBuffer[0:4]))
	assert.Equal(t, uint32(0x0200), binary.BigEndian.Uint32(cmd.InBuffer[4:8]))
}

func TestSBCReadCapacity16(t *testing.T) {
	tgt, _ := newTestTarget(t, 2048)
	cdb := make([]byte, 16)
	cdb[0] = byte(SERVICE_ACTION_IN)
	cdb[1] = SAI_READ_CAPACITY_16
	binary.BigEndian.PutUint32(cdb[10:14], 32)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	require.Len(t, cmd.InBuffer, 32)
	assert.Equal(t, uint64(0x07ff), binary.BigEndian.Uint64(cmd.InBuffer[0:8]))
	assert.Equal(t, uint32(0x0200), binary.BigEndian.Uint32(cmd.InBuffer[8:12]))
}

func TestSBCReadWriteRoundTrip(t *testing.T) {
	tgt, _ := newTestTarget(t, 64)
	payload := make([]byte, 2*storage.VirtualBlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	wcmd := &SCSICommand{Target: tgt, SCB: write10CDB(4, 2), OutBuffer: payload}
	stat := PerformCommand(wcmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)

	rcmd := &SCSICommand{Target: tgt, SCB: read10CDB(4, 2)}
	stat = PerformCommand(rcmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	assert.Equal(t, payload, rcmd.InBuffer)
}

func TestSBCReadOutOfBounds(t *testing.T) {
	tgt, ts := newTestTarget(t, 2048)
	cmd := &SCSICommand{Target: tgt, SCB: read10CDB(2048, 1)}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	require.NotNil(t, cmd.SenseBuffer)
	// sense key ILLEGAL REQUEST, ASC/ASCQ LOGICAL BLOCK ADDRESS OUT OF RANGE
	assert.Equal(t, byte(0x70), cmd.SenseBuffer[0])
	assert.Equal(t, ILLEGAL_REQUEST, cmd.SenseBuffer[2])
	assert.Equal(t, byte(0x21), cmd.SenseBuffer[12])
	assert.Equal(t, byte(0x00), cmd.SenseBuffer[13])
	// the store was never touched
	assert.Equal(t, 0, ts.reads)
}

func TestSBCWriteOutOfBoundsNeverTouchesStore(t *testing.T) {
	tgt, ts := newTestTarget(t, 16)
	cmd := &SCSICommand{
		Target:    tgt,
		SCB:       write10CDB(15, 2),
		OutBuffer: make([]byte, 2*storage.VirtualBlockSize),
	}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, 0, ts.writes)
}

func TestSBCVerify(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	payload := make([]byte, storage.VirtualBlockSize)
	for i := range payload {
		payload[i] = 0xa5
	}
	wcmd := &SCSICommand{Target: tgt, SCB: write10CDB(1, 1), OutBuffer: payload}
	require.Equal(t, SAM_STAT_GOOD, PerformCommand(wcmd).Stat)

	vcdb := make([]byte, 16)
	vcdb[0] = byte(VERIFY_10)
	vcdb[1] = 0x02 // BYTCHK
	binary.BigEndian.PutUint32(vcdb[2:6], 1)
	binary.BigEndian.PutUint16(vcdb[7:9], 1)
	vcmd := &SCSICommand{Target: tgt, SCB: vcdb, OutBuffer: payload}
	assert.Equal(t, SAM_STAT_GOOD, PerformCommand(vcmd).Stat)

	bad := make([]byte, storage.VirtualBlockSize)
	vcmd = &SCSICommand{Target: tgt, SCB: vcdb, OutBuffer: bad}
	stat := PerformCommand(vcmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, MISCOMPARE, vcmd.SenseBuffer[2])
}

func TestSBCSyncCache(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 16)
	cdb[0] = byte(SYNCHRONIZE_CACHE)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	assert.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
}

func TestUnsupportedOpcode(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 16)
	cdb[0] = 0x42 // UNMAP is outside the supported set
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, ILLEGAL_REQUEST, cmd.SenseBuffer[2])
	assert.Equal(t, byte(0x20), cmd.SenseBuffer[12])
	assert.Equal(t, byte(0x00), cmd.SenseBuffer[13])
}
