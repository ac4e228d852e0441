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

// SCSI primary command processing
package scsi

import (
	"bytes"
	"hash/fnv"

	"github.com/storgo/stgt/pkg/storage"
	"github.com/storgo/stgt/pkg/util"
	"github.com/storgo/stgt/pkg/version"
)

const (
	inquiryVendor  = "STORGO"
	inquiryProduct = "STGT VDISK"
)

// truncateToAllocation caps handler output to the CDB's allocation length.
func truncateToAllocation(cmd *SCSICommand, data []byte, allocationLength uint32) {
	if uint32(len(data)) > allocationLength {
		data = data[:allocationLength]
	}
	cmd.InBuffer = data
}

func SPCTestUnit(cmd *SCSICommand) SAMStat {
	return SAMStatGood
}

// SPCStartStop accepts START STOP UNIT without acting on it; the backing
// store has no spindle.
func SPCStartStop(cmd *SCSICommand) SAMStat {
	return SAMStatGood
}

func SPCInquiry(cmd *SCSICommand) SAMStat {
	var (
		scb   = cmd.SCB
		evpd  = scb[1]&0x01 != 0
		pcode = scb[2]
		alloc = uint32(util.GetUnalignedUint16(scb[3:5]))
	)

	if !evpd {
		if pcode != 0 {
			// page code without EVPD
			BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
			return SAMStatCheckCondition
		}
		truncateToAllocation(cmd, standardInquiryData(cmd), alloc)
		return SAMStatGood
	}

	switch pcode {
	case 0x00:
		// supported VPD pages
		buf := &bytes.Buffer{}
		buf.WriteByte(peripheralByte(cmd))
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
		buf.WriteByte(3)
		buf.Write([]byte{0x00, 0x80, 0x83})
		truncateToAllocation(cmd, buf.Bytes(), alloc)
	case 0x80:
		// unit serial number
		serial := unitSerialNumber(cmd)
		buf := &bytes.Buffer{}
		buf.WriteByte(peripheralByte(cmd))
		buf.WriteByte(0x80)
		buf.WriteByte(0x00)
		buf.WriteByte(byte(len(serial)))
		buf.Write(serial)
		truncateToAllocation(cmd, buf.Bytes(), alloc)
	case 0x83:
		// device identification: one T10 vendor ID designator naming the
		// target
		name := inquiryVendor
		if cmd.Target != nil {
			name = inquiryVendor + " " + cmd.Target.Name
		}
		desig := util.StringToByte(name, 4, 240)
		buf := &bytes.Buffer{}
		buf.WriteByte(peripheralByte(cmd))
		buf.WriteByte(0x83)
		buf.Write(util.MarshalUint16(uint16(4 + len(desig))))
		// code set ASCII, association LU, T10 vendor ID
		buf.WriteByte(0x02)
		buf.WriteByte(0x01)
		buf.WriteByte(0x00)
		buf.WriteByte(byte(len(desig)))
		buf.Write(desig)
		truncateToAllocation(cmd, buf.Bytes(), alloc)
	default:
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}

// peripheralByte reports qualifier/type for the addressed LUN: connected
// direct-access device on LUN 0, "not capable" elsewhere.
func peripheralByte(cmd *SCSICommand) byte {
	if cmd.LUN != 0 {
		return 0x7f
	}
	return 0x00
}

func standardInquiryData(cmd *SCSICommand) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(peripheralByte(cmd))
	buf.WriteByte(0x00) // not removable
	buf.WriteByte(0x05) // SPC-3
	buf.WriteByte(0x02) // response data format
	buf.WriteByte(0x00) // additional length, fixed up below
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
	buf.WriteByte(0x02) // CmdQue
	buf.Write(util.StringToByte(inquiryVendor, 8, 8))
	buf.Write(util.StringToByte(inquiryProduct, 16, 16))
	buf.Write(util.StringToByte(version.Version, 4, 4))
	data := buf.Bytes()
	data[4] = byte(len(data) - 4)
	return data
}

func unitSerialNumber(cmd *SCSICommand) []byte {
	h := fnv.New64a()
	if cmd.Target != nil {
		h.Write([]byte(cmd.Target.Name))
	}
	serial := make([]byte, 0, 16)
	for _, b := range h.Sum(nil) {
		serial = append(serial, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return serial
}

func SPCReportLuns(cmd *SCSICommand) SAMStat {
	allocationLength := util.GetUnalignedUint32(cmd.SCB[6:10])
	if allocationLength < 16 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	buf := &bytes.Buffer{}
	// LUN list length: one entry
	buf.Write(util.MarshalUint32(8))
	buf.Write(make([]byte, 4))
	// LUN 0, flat addressing
	buf.Write(make([]byte, 8))
	truncateToAllocation(cmd, buf.Bytes(), allocationLength)
	return SAMStatGood
}

func SPCRequestSense(cmd *SCSICommand) SAMStat {
	allocationLength := uint32(cmd.SCB[4])
	sense := cmd.LastSense
	if sense == nil {
		tmp := &SCSICommand{}
		BuildSenseData(tmp, NO_SENSE, NO_ADDITIONAL_SENSE)
		sense = tmp.SenseBuffer
	}
	truncateToAllocation(cmd, sense, allocationLength)
	return SAMStatGood
}

// SPCModeSense implements MODE SENSE(6) and MODE SENSE(10) with the caching
// and control pages.
//  Reference: SPC4r11 6.11, 6.12
func SPCModeSense(cmd *SCSICommand) SAMStat {
	var (
		scb   = cmd.SCB
		mode6 = scb[0] == byte(MODE_SENSE)
		dbd   = scb[1]&0x08 != 0
		pcode = scb[2] & 0x3f
		pctrl = (scb[2] & 0xc0) >> 6
	)
	var alloc uint32
	if mode6 {
		alloc = uint32(scb[4])
	} else {
		alloc = uint32(util.GetUnalignedUint16(scb[7:9]))
	}
	if pctrl == 3 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_SAVING_PARMS_UNSUP)
		return SAMStatCheckCondition
	}

	pages := &bytes.Buffer{}
	switch pcode {
	case 0x08, 0x3f:
		pages.Write(cachingPage())
		if pcode == 0x3f {
			pages.Write(controlPage())
		}
	case 0x0a:
		pages.Write(controlPage())
	default:
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}

	var blockDescriptor []byte
	if !dbd && cmd.Target != nil {
		blockDescriptor = modeBlockDescriptor(cmd.Target.Store)
	}

	buf := &bytes.Buffer{}
	if mode6 {
		buf.WriteByte(0x00) // mode data length, fixed up below
		buf.WriteByte(0x00) // medium type
		buf.WriteByte(0x00) // device-specific
		buf.WriteByte(byte(len(blockDescriptor)))
	} else {
		buf.Write(util.MarshalUint16(0))
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
		buf.Write(util.MarshalUint16(uint16(len(blockDescriptor))))
	}
	buf.Write(blockDescriptor)
	buf.Write(pages.Bytes())

	data := buf.Bytes()
	if mode6 {
		data[0] = byte(len(data) - 1)
	} else {
		copy(data[0:2], util.MarshalUint16(uint16(len(data)-2)))
	}
	truncateToAllocation(cmd, data, alloc)
	return SAMStatGood
}

func modeBlockDescriptor(store storage.BlockStore) []byte {
	blocks := storage.SizeInBlocks(store)
	if blocks > 0xffffff {
		blocks = 0xffffff
	}
	desc := make([]byte, 8)
	copy(desc[1:4], util.MarshalUint24(uint32(blocks)))
	copy(desc[5:8], util.MarshalUint24(storage.VirtualBlockSize))
	return desc
}

func cachingPage() []byte {
	page := make([]byte, 20)
	page[0] = 0x08
	page[1] = byte(len(page) - 2)
	// WCE off: writes are passed through to the store
	return page
}

func controlPage() []byte {
	page := make([]byte, 12)
	page[0] = 0x0a
	page[1] = byte(len(page) - 2)
	return page
}
