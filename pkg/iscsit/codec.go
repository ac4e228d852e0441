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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/storgo/stgt/pkg/settings"
)

// castagnoli is the CRC32C polynomial table used for iSCSI digests.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CodecError is a recoverable decode failure: the PDU is answered with a
// REJECT carrying Reason and the connection stays up.
type CodecError struct {
	Reason byte
	msg    string
}

func (e *CodecError) Error() string {
	return e.msg
}

// ProtocolError is a violation the connection cannot recover from; the
// caller closes the socket.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return e.msg
}

func digestOf(data []byte) []byte {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], crc32.Checksum(data, castagnoli))
	return d[:]
}

func pad4(n int) int {
	return (n + DataPadding - 1) / DataPadding * DataPadding
}

// ReadPDU blocks until one complete PDU arrives. Digest verification follows
// the given settings snapshot; a CRC32C mismatch surfaces as a CodecError
// with a digest-error reject reason.
func ReadPDU(r io.Reader, s settings.Settings) (*ISCSIPacket, error) {
	bhs := make([]byte, BHSSize)
	if _, err := io.ReadFull(r, bhs); err != nil {
		return nil, err
	}
	headerOK := true
	if s.HeaderDigest == settings.DigestCRC32C {
		wire := make([]byte, 4)
		if _, err := io.ReadFull(r, wire); err != nil {
			return nil, err
		}
		headerOK = string(wire) == string(digestOf(bhs))
	}
	m, err := parseHeader(bhs)
	if err != nil {
		if !headerOK {
			// a corrupt header explains the garbage; the stream is gone
			return nil, &ProtocolError{msg: "header digest mismatch on unparsable header"}
		}
		return nil, &ProtocolError{msg: err.Error()}
	}
	m.RawHeader = bhs
	if m.DataLen > 0 {
		// the data segment is drained even when the header digest failed,
		// so the connection can survive the reject
		data := make([]byte, pad4(m.DataLen))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if s.DataDigest == settings.DigestCRC32C {
			wire := make([]byte, 4)
			if _, err := io.ReadFull(r, wire); err != nil {
				return nil, err
			}
			if headerOK && string(wire) != string(digestOf(data)) {
				return nil, &CodecError{Reason: RejectDataDigestError, msg: "data digest mismatch"}
			}
		}
		m.RawData = data[:m.DataLen]
	}
	if !headerOK {
		return nil, &CodecError{Reason: RejectDataDigestError, msg: "header digest mismatch"}
	}
	return m, nil
}

// WritePDU emits one response PDU: BHS, optional header digest, data padded
// to four bytes, optional data digest.
func WritePDU(w io.Writer, m *ISCSIPacket, s settings.Settings) error {
	bhs := m.BHSBytes()
	if bhs == nil {
		return fmt.Errorf("cannot serialize %v PDU", m.OpCode)
	}
	out := make([]byte, 0, BHSSize+8+pad4(len(m.RawData)))
	out = append(out, bhs...)
	if s.HeaderDigest == settings.DigestCRC32C {
		out = append(out, digestOf(bhs)...)
	}
	if len(m.RawData) > 0 {
		data := make([]byte, pad4(len(m.RawData)))
		copy(data, m.RawData)
		out = append(out, data...)
		if s.DataDigest == settings.DigestCRC32C {
			out = append(out, digestOf(data)...)
		}
	}
	_, err := w.Write(out)
	return err
}
