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

package iscsit

import (
	"github.com/storgo/stgt/pkg/util"
)

// BHSBytes serializes the 48-byte header of a target response PDU. The data
// segment, padding and digests are the codec's business.
func (m *ISCSIPacket) BHSBytes() []byte {
	switch m.OpCode {
	case OpLoginResp:
		return m.loginRespBytes()
	case OpTextResp:
		return m.textRespBytes()
	case OpSCSIResp:
		return m.scsiCmdRespBytes()
	case OpSCSIIn:
		return m.dataInBytes()
	case OpReady:
		return m.r2tBytes()
	case OpNoopIn:
		return m.noopInBytes()
	case OpLogoutResp:
		return m.logoutRespBytes()
	case OpReject:
		return m.rejectBytes()
	case OpAsync:
		return m.asyncBytes()
	}
	return nil
}

func (m *ISCSIPacket) newBHS() []byte {
	buf := make([]byte, BHSSize)
	buf[0] = byte(m.OpCode)
	copy(buf[5:8], util.MarshalUint24(uint32(len(m.RawData))))
	copy(buf[16:20], util.MarshalUint32(m.TaskTag))
	copy(buf[24:28], util.MarshalUint32(m.StatSN))
	copy(buf[28:32], util.MarshalUint32(m.ExpCmdSN))
	copy(buf[32:36], util.MarshalUint32(m.MaxCmdSN))
	return buf
}

func (m *ISCSIPacket) loginRespBytes() []byte {
	// rfc7143 11.13
	buf := m.newBHS()
	var b byte
	if m.Transit {
		b |= 0x80
	}
	if m.Cont {
		b |= 0x40
	}
	b |= byte(m.CSG&0x3) << 2
	b |= byte(m.NSG & 0x3)
	buf[1] = b
	buf[2] = 0x00 // version-max
	buf[3] = 0x00 // version-active
	copy(buf[8:14], util.MarshalUint64(m.ISID)[2:])
	copy(buf[14:16], util.MarshalUint16(m.TSIH))
	buf[36] = m.StatusClass
	buf[37] = m.StatusDetail
	return buf
}

func (m *ISCSIPacket) textRespBytes() []byte {
	// rfc7143 11.11
	buf := m.newBHS()
	var b byte
	if m.Final {
		b |= 0x80
	}
	if m.Cont {
		b |= 0x40
	}
	buf[1] = b
	copy(buf[8:16], util.MarshalUint64(m.LUN))
	copy(buf[20:24], util.MarshalUint32(TTTReserved))
	return buf
}

func (m *ISCSIPacket) scsiCmdRespBytes() []byte {
	// rfc7143 11.4
	buf := m.newBHS()
	buf[1] = 0x80
	buf[2] = m.SCSIResponse
	buf[3] = m.Status
	if m.Resid != 0 {
		// underflow
		buf[1] |= 0x02
		copy(buf[44:48], util.MarshalUint32(m.Resid))
	}
	return buf
}

func (m *ISCSIPacket) dataInBytes() []byte {
	// rfc7143 11.7
	buf := m.newBHS()
	var b byte
	if m.Final {
		b |= 0x80
	}
	if m.HasStatus {
		b |= 0x01
		buf[3] = m.Status
	}
	if m.Resid != 0 && m.HasStatus {
		b |= 0x02
		copy(buf[44:48], util.MarshalUint32(m.Resid))
	}
	buf[1] = b
	copy(buf[8:16], util.MarshalUint64(m.LUN))
	copy(buf[20:24], util.MarshalUint32(TTTReserved)) // 11.7.4
	if !m.HasStatus {
		// StatSN only travels with a status
		copy(buf[24:28], make([]byte, 4))
	}
	copy(buf[36:40], util.MarshalUint32(m.DataSN))
	copy(buf[40:44], util.MarshalUint32(m.BufferOffset))
	return buf
}

func (m *ISCSIPacket) r2tBytes() []byte {
	// rfc7143 11.8
	buf := m.newBHS()
	buf[1] = 0x80
	copy(buf[8:16], util.MarshalUint64(m.LUN))
	copy(buf[20:24], util.MarshalUint32(m.TargetXferTag))
	copy(buf[36:40], util.MarshalUint32(m.R2TSN))
	copy(buf[40:44], util.MarshalUint32(m.BufferOffset))
	copy(buf[44:48], util.MarshalUint32(m.DesiredLength))
	return buf
}

func (m *ISCSIPacket) noopInBytes() []byte {
	// rfc7143 11.19
	buf := m.newBHS()
	buf[1] = 0x80
	copy(buf[8:16], util.MarshalUint64(m.LUN))
	copy(buf[20:24], util.MarshalUint32(m.TargetXferTag))
	return buf
}

func (m *ISCSIPacket) logoutRespBytes() []byte {
	// rfc7143 11.15
	buf := m.newBHS()
	buf[1] = 0x80
	buf[2] = m.SCSIResponse
	// Time2Wait / Time2Retain
	copy(buf[40:42], util.MarshalUint16(2))
	copy(buf[42:44], util.MarshalUint16(20))
	return buf
}

func (m *ISCSIPacket) rejectBytes() []byte {
	// rfc7143 11.17; RawData carries the header of the rejected PDU
	buf := m.newBHS()
	buf[1] = 0x80
	buf[2] = m.Reason
	copy(buf[16:20], util.MarshalUint32(0xffffffff))
	copy(buf[36:40], util.MarshalUint32(m.DataSN))
	return buf
}

func (m *ISCSIPacket) asyncBytes() []byte {
	// rfc7143 11.9
	buf := m.newBHS()
	buf[1] = 0x80
	copy(buf[8:16], util.MarshalUint64(m.LUN))
	copy(buf[16:20], util.MarshalUint32(0xffffffff))
	buf[36] = m.AsyncEvent
	return buf
}
