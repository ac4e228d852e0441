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
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storgo/stgt/pkg/settings"
)

func digestSettings(header, data string) settings.Settings {
	return settings.Settings{HeaderDigest: header, DataDigest: data}
}

// Every PDU must survive write-then-read under every digest combination.
func TestPDURoundTripAllDigestModes(t *testing.T) {
	payload := []byte("InitiatorName=iqn.x\x00SessionType=Normal\x00padme")
	modes := []string{settings.DigestNone, settings.DigestCRC32C}
	for _, hd := range modes {
		for _, dd := range modes {
			t.Run(fmt.Sprintf("header=%s,data=%s", hd, dd), func(t *testing.T) {
				s := digestSettings(hd, dd)
				pdu := &ISCSIPacket{
					OpCode:        OpReady,
					TaskTag:       0xcafe,
					TargetXferTag: 77,
					StatSN:        3,
					ExpCmdSN:      4,
					MaxCmdSN:      35,
					R2TSN:         0,
					BufferOffset:  512,
					DesiredLength: 4096,
					RawData:       payload,
				}
				buf := &bytes.Buffer{}
				require.NoError(t, WritePDU(buf, pdu, s))

				got, err := ReadPDU(buf, s)
				require.NoError(t, err)
				assert.Equal(t, OpReady, got.OpCode)
				assert.Equal(t, pdu.BHSBytes(), got.RawHeader)
				assert.Equal(t, payload, got.RawData)
				assert.Equal(t, 0, buf.Len(), "nothing left unread")
			})
		}
	}
}

func TestReadPDUHeaderDigestMismatch(t *testing.T) {
	s := digestSettings(settings.DigestCRC32C, settings.DigestNone)
	pdu := &ISCSIPacket{OpCode: OpNoopIn, TaskTag: 1, RawData: []byte("ping")}
	buf := &bytes.Buffer{}
	require.NoError(t, WritePDU(buf, pdu, s))

	raw := buf.Bytes()
	raw[50] ^= 0x01 // flip one digest bit

	_, err := ReadPDU(bytes.NewReader(raw), s)
	ce, ok := err.(*CodecError)
	require.True(t, ok, "want CodecError, got %v", err)
	assert.Equal(t, RejectDataDigestError, ce.Reason)
}

func TestReadPDUDataDigestMismatch(t *testing.T) {
	s := digestSettings(settings.DigestNone, settings.DigestCRC32C)
	pdu := &ISCSIPacket{OpCode: OpNoopIn, TaskTag: 1, RawData: []byte("pingpong")}
	buf := &bytes.Buffer{}
	require.NoError(t, WritePDU(buf, pdu, s))

	raw := buf.Bytes()
	raw[BHSSize] ^= 0x01 // corrupt the first data byte

	_, err := ReadPDU(bytes.NewReader(raw), s)
	ce, ok := err.(*CodecError)
	require.True(t, ok, "want CodecError, got %v", err)
	assert.Equal(t, RejectDataDigestError, ce.Reason)
}

func TestReadPDUPadding(t *testing.T) {
	s := digestSettings(settings.DigestNone, settings.DigestNone)
	pdu := &ISCSIPacket{OpCode: OpNoopIn, TaskTag: 9, RawData: []byte("abc")}
	buf := &bytes.Buffer{}
	require.NoError(t, WritePDU(buf, pdu, s))
	// 48 header bytes plus "abc" padded to 4
	assert.Equal(t, BHSSize+4, buf.Len())

	got, err := ReadPDU(buf, s)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.RawData)
}

func TestReadPDURejectsAHS(t *testing.T) {
	s := digestSettings(settings.DigestNone, settings.DigestNone)
	raw := make([]byte, BHSSize)
	raw[0] = byte(OpSCSICmd)
	raw[4] = 1 // one AHS word
	_, err := ReadPDU(bytes.NewReader(raw), s)
	_, ok := err.(*ProtocolError)
	assert.True(t, ok, "want ProtocolError, got %v", err)
}

func TestParseSCSICommandHeader(t *testing.T) {
	raw := make([]byte, BHSSize)
	raw[0] = byte(OpSCSICmd) | 0x40 // immediate
	raw[1] = 0x80 | 0x40            // final, read
	copy(raw[16:20], []byte{0, 0, 0xbe, 0xef})
	copy(raw[20:24], []byte{0, 0, 0x02, 0x00})
	copy(raw[24:28], []byte{0, 0, 0, 0x07})
	copy(raw[28:32], []byte{0, 0, 0, 0x03})
	raw[32] = 0x28 // READ(10)

	m, err := parseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, OpSCSICmd, m.OpCode)
	assert.True(t, m.Immediate)
	assert.True(t, m.Final)
	assert.True(t, m.Read)
	assert.False(t, m.Write)
	assert.Equal(t, uint32(0xbeef), m.TaskTag)
	assert.Equal(t, uint32(0x200), m.ExpectedDataLen)
	assert.Equal(t, uint32(7), m.CmdSN)
	assert.Equal(t, uint32(3), m.ExpStatSN)
	assert.Equal(t, byte(0x28), m.CDB[0])
}

func TestParseLoginHeaderRejectsTransitAndContinue(t *testing.T) {
	raw := make([]byte, BHSSize)
	raw[0] = byte(OpLoginReq)
	raw[1] = 0x80 | 0x40
	_, err := parseHeader(raw)
	assert.Error(t, err)
}
