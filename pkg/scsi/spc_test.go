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

// SCSI primary command processing test
package scsi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPCTestUnit(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cmd := &SCSICommand{Target: tgt, SCB: make([]byte, 6)}
	assert.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
}

func TestSPCStartStop(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(START_STOP)
	cdb[4] = 0x01 // start
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	assert.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
}

func TestSPCInquiryStandard(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(INQUIRY)
	binary.BigEndian.PutUint16(cdb[3:5], 96)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	data := cmd.InBuffer
	require.True(t, len(data) >= 36)
	assert.Equal(t, byte(0x00), data[0]) // direct-access device
	assert.Equal(t, byte(0x05), data[2]) // SPC-3
	assert.Equal(t, "STORGO", string(data[8:14]))
}

func TestSPCInquiryAllocationLength(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(INQUIRY)
	binary.BigEndian.PutUint16(cdb[3:5], 5)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	require.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
	assert.Len(t, cmd.InBuffer, 5)
}

func TestSPCInquiryVPDPages(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	for _, pcode := range []byte{0x00, 0x80, 0x83} {
		cdb := make([]byte, 6)
		cdb[0] = byte(INQUIRY)
		cdb[1] = 0x01 // EVPD
		cdb[2] = pcode
		binary.BigEndian.PutUint16(cdb[3:5], 255)
		cmd := &SCSICommand{Target: tgt, SCB: cdb}
		stat := PerformCommand(cmd)
		require.Equal(t, SAM_STAT_GOOD, stat.Stat, "page %#x", pcode)
		assert.Equal(t, pcode, cmd.InBuffer[1], "page %#x", pcode)
	}
}

func TestSPCInquiryBadPage(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(INQUIRY)
	cdb[1] = 0x01
	cdb[2] = 0xb1 // unsupported VPD page
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, ILLEGAL_REQUEST, cmd.SenseBuffer[2])
}

func TestSPCReportLuns(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 16)
	cdb[0] = byte(REPORT_LUNS)
	binary.BigEndian.PutUint32(cdb[6:10], 16)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	// 8-byte header reporting one 8-byte entry, then LUN 0
	require.Len(t, cmd.InBuffer, 16)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x08}, cmd.InBuffer[0:4])
	assert.Equal(t, make([]byte, 8), cmd.InBuffer[8:16])
}

func TestSPCReportLunsShortAllocation(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 16)
	cdb[0] = byte(REPORT_LUNS)
	binary.BigEndian.PutUint32(cdb[6:10], 10)
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
}

func TestSPCRequestSense(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(REQUEST_SENSE)
	cdb[4] = 18

	// no prior failure: NO SENSE
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	require.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
	require.Len(t, cmd.InBuffer, 18)
	assert.Equal(t, NO_SENSE, cmd.InBuffer[2])

	// with stored sense data
	failed := &SCSICommand{}
	BuildSenseData(failed, ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
	cmd = &SCSICommand{Target: tgt, SCB: cdb, LastSense: failed.SenseBuffer}
	require.Equal(t, SAM_STAT_GOOD, PerformCommand(cmd).Stat)
	assert.Equal(t, ILLEGAL_REQUEST, cmd.InBuffer[2])
	assert.Equal(t, byte(0x21), cmd.InBuffer[12])
}

func TestSPCModeSense6(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(MODE_SENSE)
	cdb[2] = 0x3f // all pages
	cdb[4] = 255
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	stat := PerformCommand(cmd)
	require.Equal(t, SAM_STAT_GOOD, stat.Stat)
	data := cmd.InBuffer
	require.True(t, len(data) > 4)
	assert.Equal(t, byte(len(data)-1), data[0])
	assert.Equal(t, byte(8), data[3]) // block descriptor present
	// caching page first
	assert.Equal(t, byte(0x08), data[4+8])
}

func TestSPCModeSenseBadPageControl(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cdb := make([]byte, 6)
	cdb[0] = byte(MODE_SENSE)
	cdb[2] = 0xc8 // saved values of the caching page
	cdb[4] = 255
	cmd := &SCSICommand{Target: tgt, SCB: cdb}
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, PerformCommand(cmd).Stat)
}

func TestLunNotSupported(t *testing.T) {
	tgt, _ := newTestTarget(t, 16)
	cmd := &SCSICommand{Target: tgt, SCB: make([]byte, 6), LUN: 5}
	stat := PerformCommand(cmd)
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, byte(0x25), cmd.SenseBuffer[12])
}

func TestBuildSenseData(t *testing.T) {
	cmd := &SCSICommand{}
	BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	require.Len(t, cmd.SenseBuffer, 18)
	assert.Equal(t, byte(0x70), cmd.SenseBuffer[0])
	assert.Equal(t, ILLEGAL_REQUEST, cmd.SenseBuffer[2])
	assert.Equal(t, byte(10), cmd.SenseBuffer[7])
	assert.Equal(t, byte(0x20), cmd.SenseBuffer[12])
	assert.Equal(t, SAM_STAT_CHECK_CONDITION, cmd.Result)
}
