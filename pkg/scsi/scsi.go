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

// Package scsi parses Command Descriptor Blocks and executes the supported
// SPC/SBC command set against a target's block store.
package scsi

import (
	"errors"
)

type SCSICommandType byte

// CDB operation codes handled by the dispatcher.
var (
	TEST_UNIT_READY   SCSICommandType = 0x00
	REQUEST_SENSE     SCSICommandType = 0x03
	INQUIRY           SCSICommandType = 0x12
	MODE_SENSE        SCSICommandType = 0x1a
	START_STOP        SCSICommandType = 0x1b
	READ_CAPACITY     SCSICommandType = 0x25
	READ_10           SCSICommandType = 0x28
	WRITE_10          SCSICommandType = 0x2a
	VERIFY_10         SCSICommandType = 0x2f
	SYNCHRONIZE_CACHE SCSICommandType = 0x35
	MODE_SENSE_10     SCSICommandType = 0x5a
	READ_16           SCSICommandType = 0x88
	WRITE_16          SCSICommandType = 0x8a
	VERIFY_16         SCSICommandType = 0x8f
	SERVICE_ACTION_IN SCSICommandType = 0x9e
	REPORT_LUNS       SCSICommandType = 0xa0

	// SERVICE ACTION IN service actions
	SAI_READ_CAPACITY_16 byte = 0x10
)

// SAM status codes.
var (
	SAM_STAT_GOOD                 byte = 0x00
	SAM_STAT_CHECK_CONDITION      byte = 0x02
	SAM_STAT_BUSY                 byte = 0x08
	SAM_STAT_RESERVATION_CONFLICT byte = 0x18
	SAM_STAT_TASK_SET_FULL        byte = 0x28
	SAM_STAT_TASK_ABORTED         byte = 0x40
)

type SAMStat struct {
	Stat byte
	Err  error
}

var (
	SAMStatGood           = SAMStat{SAM_STAT_GOOD, nil}
	SAMStatCheckCondition = SAMStat{SAM_STAT_CHECK_CONDITION, errors.New("check condition")}
	SAMStatBusy           = SAMStat{SAM_STAT_BUSY, errors.New("busy")}
	SAMStatTaskAborted    = SAMStat{SAM_STAT_TASK_ABORTED, errors.New("task aborted")}
)

type SCSIDataDirection int

const (
	SCSIDataNone = iota
	SCSIDataWrite
	SCSIDataRead
)

// SCSICommand carries one CDB through dispatch. The transport fills SCB,
// LUN, Tag and (for writes) OutBuffer; handlers fill InBuffer, Result and
// SenseBuffer.
type SCSICommand struct {
	Target *Target
	// SCB is the raw command descriptor block.
	SCB       []byte
	LUN       uint64
	Tag       uint32
	Direction SCSIDataDirection
	// ExpectedDataLen is the initiator's expected transfer length in bytes.
	ExpectedDataLen uint32
	// InBuffer holds data-in payload produced by the handler.
	InBuffer []byte
	// OutBuffer holds data-out payload collected by the transfer engine.
	OutBuffer []byte
	// Offset/TL are the byte offset and transfer length resolved from the
	// CDB by ParseTransfer.
	Offset uint64
	TL     uint32
	// LastSense is the sense data of the previous failed command on this
	// nexus, consumed by REQUEST SENSE.
	LastSense []byte

	Result      byte
	SenseBuffer []byte
}

type CommandFunc func(cmd *SCSICommand) SAMStat

var sbcOps [256]CommandFunc

func init() {
	for i := range sbcOps {
		sbcOps[i] = SPCIllegalOp
	}
	sbcOps[TEST_UNIT_READY] = SPCTestUnit
	sbcOps[REQUEST_SENSE] = SPCRequestSense
	sbcOps[INQUIRY] = SPCInquiry
	sbcOps[MODE_SENSE] = SPCModeSense
	sbcOps[MODE_SENSE_10] = SPCModeSense
	sbcOps[START_STOP] = SPCStartStop
	sbcOps[READ_CAPACITY] = SBCReadCapacity
	sbcOps[READ_10] = SBCReadWrite
	sbcOps[WRITE_10] = SBCReadWrite
	sbcOps[VERIFY_10] = SBCVerify
	sbcOps[SYNCHRONIZE_CACHE] = SBCSyncCache
	sbcOps[READ_16] = SBCReadWrite
	sbcOps[WRITE_16] = SBCReadWrite
	sbcOps[VERIFY_16] = SBCVerify
	sbcOps[SERVICE_ACTION_IN] = SBCServiceAction
	sbcOps[REPORT_LUNS] = SPCReportLuns
}

// PerformCommand routes one parsed command to its opcode handler.
func PerformCommand(cmd *SCSICommand) SAMStat {
	if len(cmd.SCB) == 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	if cmd.LUN != 0 && SCSICommandType(cmd.SCB[0]) != REQUEST_SENSE && SCSICommandType(cmd.SCB[0]) != INQUIRY {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_LUN_NOT_SUPPORTED)
		return SAMStatCheckCondition
	}
	return sbcOps[cmd.SCB[0]](cmd)
}

// IsWriteCommand reports whether the opcode moves data from the initiator.
func IsWriteCommand(op byte) bool {
	switch SCSICommandType(op) {
	case WRITE_10, WRITE_16:
		return true
	}
	return false
}

// SPCIllegalOp answers every unsupported opcode.
func SPCIllegalOp(cmd *SCSICommand) SAMStat {
	BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	return SAMStatCheckCondition
}

// BuildSenseData fills cmd.SenseBuffer with fixed-format sense data
// (response code 0x70, 18 bytes) for the given key and ASC/ASCQ.
func BuildSenseData(cmd *SCSICommand, key byte, asc SCSISubError) {
	sense := make([]byte, 18)
	// current error, fixed format
	sense[0] = 0x70
	sense[2] = key
	// additional sense length: bytes after byte 7
	sense[7] = byte(len(sense) - 8)
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	cmd.SenseBuffer = sense
	cmd.Result = SAM_STAT_CHECK_CONDITION
}
