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

// SCSI block command processing
package scsi

import (
	"bytes"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/storage"
	"github.com/storgo/stgt/pkg/util"
)

// ParseTransfer resolves the LBA and transfer length of a 10- or 16-byte
// read/write-family CDB, bounds-checks them against the store, and stages
// the byte offset and length on the command. The store is never touched on
// a bounds violation; the command carries LBA OUT OF RANGE sense instead.
func ParseTransfer(cmd *SCSICommand) SAMStat {
	var (
		scb    = cmd.SCB
		lba    uint64
		blocks uint32
	)
	switch SCSICommandType(scb[0]) {
	case READ_10, WRITE_10, VERIFY_10, SYNCHRONIZE_CACHE:
		lba = uint64(util.GetUnalignedUint32(scb[2:6]))
		blocks = uint32(util.GetUnalignedUint16(scb[7:9]))
	case READ_16, WRITE_16, VERIFY_16:
		lba = util.GetUnalignedUint64(scb[2:10])
		blocks = util.GetUnalignedUint32(scb[10:14])
	default:
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
		return SAMStatCheckCondition
	}

	if cmd.Target == nil {
		BuildSenseData(cmd, HARDWARE_ERROR, ASC_INTERNAL_TGT_FAILURE)
		return SAMStatCheckCondition
	}
	if storage.CheckBounds(cmd.Target.Store, int64(lba), int(blocks)) != storage.BoundsOK {
		log.Debugf("transfer out of bounds: lba %d, %d blocks", lba, blocks)
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
		return SAMStatCheckCondition
	}
	cmd.Offset = lba * storage.VirtualBlockSize
	cmd.TL = blocks * storage.VirtualBlockSize
	return SAMStatGood
}

// SBCReadWrite executes READ(10)/READ(16) and WRITE(10)/WRITE(16). For
// writes the transfer engine has already collected the payload into
// OutBuffer; the bounds were checked when the command arrived, but are
// re-checked here in case this is the first look at the CDB.
func SBCReadWrite(cmd *SCSICommand) SAMStat {
	if stat := ParseTransfer(cmd); stat.Err != nil {
		return stat
	}
	store := cmd.Target.Store
	start := time.Now()
	if IsWriteCommand(cmd.SCB[0]) {
		wbuf := cmd.OutBuffer
		if uint32(len(wbuf)) < cmd.TL {
			BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_PARAMETER_LIST_LENGTH_ERR)
			return SAMStatCheckCondition
		}
		wbuf = wbuf[:cmd.TL]
		if err := store.WriteAt(wbuf, int64(cmd.Offset)); err != nil {
			log.Error(err)
			BuildSenseData(cmd, MEDIUM_ERROR, ASC_WRITE_ERROR)
			return SAMStatCheckCondition
		}
		// FUA forces the bytes down before status goes back
		if cmd.SCB[1]&0x08 != 0 {
			if err := store.Sync(int64(cmd.Offset), int64(cmd.TL)); err != nil {
				log.Error(err)
				BuildSenseData(cmd, MEDIUM_ERROR, ASC_WRITE_ERROR)
				return SAMStatCheckCondition
			}
		}
		cmd.Target.addWritePoint(int64(cmd.TL), start, time.Now())
		return SAMStatGood
	}

	rbuf := make([]byte, cmd.TL)
	if cmd.TL > 0 {
		if err := store.ReadAt(rbuf, int64(cmd.Offset)); err != nil {
			log.Error(err)
			BuildSenseData(cmd, MEDIUM_ERROR, ASC_READ_ERROR)
			return SAMStatCheckCondition
		}
	}
	cmd.InBuffer = rbuf
	cmd.Target.addReadPoint(int64(cmd.TL), start, time.Now())
	return SAMStatGood
}

// SBCVerify checks the medium (and, with BYTCHK, the supplied data) against
// the store.
func SBCVerify(cmd *SCSICommand) SAMStat {
	if stat := ParseTransfer(cmd); stat.Err != nil {
		return stat
	}
	rbuf := make([]byte, cmd.TL)
	if cmd.TL > 0 {
		if err := cmd.Target.Store.ReadAt(rbuf, int64(cmd.Offset)); err != nil {
			log.Error(err)
			BuildSenseData(cmd, MEDIUM_ERROR, ASC_READ_ERROR)
			return SAMStatCheckCondition
		}
	}
	bytchk := cmd.SCB[1]&0x02 != 0
	if bytchk {
		if uint32(len(cmd.OutBuffer)) < cmd.TL {
			BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_PARAMETER_LIST_LENGTH_ERR)
			return SAMStatCheckCondition
		}
		if !bytes.Equal(rbuf, cmd.OutBuffer[:cmd.TL]) {
			BuildSenseData(cmd, MISCOMPARE, ASC_MISCOMPARE_DURING_VERIFY_OPERATION)
			return SAMStatCheckCondition
		}
	}
	return SAMStatGood
}

func SBCReadCapacity(cmd *SCSICommand) SAMStat {
	if cmd.Target == nil {
		BuildSenseData(cmd, HARDWARE_ERROR, ASC_INTERNAL_TGT_FAILURE)
		return SAMStatCheckCondition
	}
	lastLBA := storage.SizeInBlocks(cmd.Target.Store) - 1
	if lastLBA < 0 {
		lastLBA = 0
	}
	reported := uint32(0xffffffff)
	if lastLBA < 0xffffffff {
		reported = uint32(lastLBA)
	}
	buf := &bytes.Buffer{}
	buf.Write(util.MarshalUint32(reported))
	buf.Write(util.MarshalUint32(storage.VirtualBlockSize))
	cmd.InBuffer = buf.Bytes()
	return SAMStatGood
}

// SBCServiceAction handles SERVICE ACTION IN(16); only READ CAPACITY(16) is
// supported.
func SBCServiceAction(cmd *SCSICommand) SAMStat {
	serviceAction := cmd.SCB[1] & 0x1f
	if serviceAction != SAI_READ_CAPACITY_16 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	if cmd.Target == nil {
		BuildSenseData(cmd, HARDWARE_ERROR, ASC_INTERNAL_TGT_FAILURE)
		return SAMStatCheckCondition
	}
	allocationLength := util.GetUnalignedUint32(cmd.SCB[10:14])
	lastLBA := storage.SizeInBlocks(cmd.Target.Store) - 1
	if lastLBA < 0 {
		lastLBA = 0
	}
	data := make([]byte, 32)
	copy(data[0:8], util.MarshalUint64(uint64(lastLBA)))
	copy(data[8:12], util.MarshalUint32(storage.VirtualBlockSize))
	truncateToAllocation(cmd, data, allocationLength)
	return SAMStatGood
}

func SBCSyncCache(cmd *SCSICommand) SAMStat {
	if stat := ParseTransfer(cmd); stat.Err != nil {
		return stat
	}
	length := int64(cmd.TL)
	if length == 0 {
		// zero blocks means "to the end of the medium"
		length = cmd.Target.Store.Size() - int64(cmd.Offset)
	}
	if err := cmd.Target.Store.Sync(int64(cmd.Offset), length); err != nil {
		log.Error(err)
		BuildSenseData(cmd, MEDIUM_ERROR, ASC_WRITE_ERROR)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}
