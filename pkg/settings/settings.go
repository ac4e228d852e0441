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

// Package settings implements RFC 3720 text parameter negotiation and the
// immutable parameter snapshots the rest of the target reads.
package settings

import (
	"sync"
	"sync/atomic"
)

// Digest values used for HeaderDigest and DataDigest.
const (
	DigestNone   = "None"
	DigestCRC32C = "CRC32C"
)

// Session types.
const (
	SessionNormal    = "Normal"
	SessionDiscovery = "Discovery"
)

// Settings is one immutable snapshot of every negotiated or declared
// parameter. A published snapshot never mutates; renegotiation produces a
// new snapshot with a higher ID.
type Settings struct {
	// ID orders snapshots; newer snapshots have higher IDs.
	ID uint64

	// connection-scoped
	HeaderDigest             string
	DataDigest               string
	MaxRecvDataSegmentLength uint32

	// session-scoped
	TargetName          string
	InitiatorName       string
	InitiatorAlias      string
	SessionType         string
	InitialR2T          bool
	ImmediateData       bool
	MaxBurstLength      uint32
	FirstBurstLength    uint32
	DefaultTime2Wait    uint32
	DefaultTime2Retain  uint32
	MaxOutstandingR2T   uint32
	MaxConnections      uint32
	DataPDUInOrder      bool
	DataSequenceInOrder bool
	ErrorRecoveryLevel  uint32
}

// Defaults returns the target's pre-negotiation parameter values.
func Defaults() Settings {
	return Settings{
		HeaderDigest:             DigestNone,
		DataDigest:               DigestNone,
		MaxRecvDataSegmentLength: 8192,
		SessionType:              SessionNormal,
		InitialR2T:               false,
		ImmediateData:            true,
		MaxBurstLength:           262144,
		FirstBurstLength:         65536,
		DefaultTime2Wait:         2,
		DefaultTime2Retain:       20,
		MaxOutstandingR2T:        1,
		MaxConnections:           1,
		DataPDUInOrder:           true,
		DataSequenceInOrder:      true,
		ErrorRecoveryLevel:       0,
	}
}

// Publisher holds the current snapshot for one connection. Publish replaces
// the whole value, so a reader sees either the old or the new snapshot and
// never a mix.
type Publisher struct {
	current atomic.Value // Settings
	lock    sync.Mutex
	lastID  uint64
}

func NewPublisher() *Publisher {
	p := &Publisher{}
	p.current.Store(Defaults())
	return p
}

// Current returns the latest published snapshot.
func (p *Publisher) Current() Settings {
	return p.current.Load().(Settings)
}

// Publish stamps s with the next snapshot ID and makes it current.
func (p *Publisher) Publish(s Settings) Settings {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.lastID++
	s.ID = p.lastID
	p.current.Store(s)
	return s
}
