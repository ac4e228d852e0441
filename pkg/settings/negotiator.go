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

package settings

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/util"
)

const (
	valueNotUnderstood = "NotUnderstood"
	valueIrrelevant    = "Irrelevant"
	valueReject        = "Reject"
)

// ConnectionSettingsBuilder stages connection-scoped mutations until the
// negotiation commits.
type ConnectionSettingsBuilder struct {
	HeaderDigest             string
	DataDigest               string
	MaxRecvDataSegmentLength uint32
}

// SessionSettingsBuilder stages session-scoped mutations until the
// negotiation commits.
type SessionSettingsBuilder struct {
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

// Negotiator merges initiator key=value offers into staged builders and, on
// Commit, publishes a new immutable Settings snapshot. One negotiator serves
// one connection; login and later TEXT negotiations reuse it.
type Negotiator struct {
	pub    *Publisher
	sloppy bool
	conn   ConnectionSettingsBuilder
	sess   SessionSettingsBuilder
}

// NewNegotiator seeds the builders from the publisher's current snapshot.
// sloppy relaxes strict RFC 3720 key handling for permissive initiators.
func NewNegotiator(pub *Publisher, sloppy bool) *Negotiator {
	s := pub.Current()
	return &Negotiator{
		pub:    pub,
		sloppy: sloppy,
		conn: ConnectionSettingsBuilder{
			HeaderDigest:             s.HeaderDigest,
			DataDigest:               s.DataDigest,
			MaxRecvDataSegmentLength: s.MaxRecvDataSegmentLength,
		},
		sess: SessionSettingsBuilder{
			TargetName:          s.TargetName,
			InitiatorName:       s.InitiatorName,
			InitiatorAlias:      s.InitiatorAlias,
			SessionType:         s.SessionType,
			InitialR2T:          s.InitialR2T,
			ImmediateData:       s.ImmediateData,
			MaxBurstLength:      s.MaxBurstLength,
			FirstBurstLength:    s.FirstBurstLength,
			DefaultTime2Wait:    s.DefaultTime2Wait,
			DefaultTime2Retain:  s.DefaultTime2Retain,
			MaxOutstandingR2T:   s.MaxOutstandingR2T,
			MaxConnections:      s.MaxConnections,
			DataPDUInOrder:      s.DataPDUInOrder,
			DataSequenceInOrder: s.DataSequenceInOrder,
			ErrorRecoveryLevel:  s.ErrorRecoveryLevel,
		},
	}
}

// Negotiate processes one text blob worth of offers. The reply preserves the
// initiator's key order; declarative keys produce no reply entry. An error
// means the negotiation failed and the login must be answered with
// Status-Class Initiator Error.
func (n *Negotiator) Negotiate(kvs []util.KeyValue) ([]util.KeyValue, error) {
	var reply []util.KeyValue
	for _, kv := range kvs {
		if kv.Key == "" {
			return nil, fmt.Errorf("malformed text entry %q", kv.Value)
		}
		switch kv.Key {
		case KeyAuthMethod:
			// only AuthMethod=None is supported
			if !listContains(kv.Value, "None") {
				return nil, fmt.Errorf("unsupported AuthMethod %q", kv.Value)
			}
			reply = append(reply, util.KeyValue{Key: KeyAuthMethod, Value: "None"})
			continue
		case KeySendTargets, KeyTargetAddress, KeyTargetAlias, KeyTargetPortalGroupTag:
			// target-originated or discovery keys have no business in an
			// initiator offer
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: valueReject})
			continue
		}

		def, ok := negotiableKeys[kv.Key]
		if !ok {
			log.Debugf("text key %s not understood", kv.Key)
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: valueNotUnderstood})
			continue
		}

		switch def.disp {
		case dispDeclare:
			if err := n.declare(kv.Key, kv.Value); err != nil {
				return nil, err
			}
		case dispBoolAnd, dispBoolOr:
			v, err := n.parseBool(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("key %s: %v", kv.Key, err)
			}
			var result bool
			if def.disp == dispBoolAnd {
				result = v && def.pref
			} else {
				result = v || def.pref
			}
			n.setBool(kv.Key, result)
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: formatBool(result)})
		case dispDigestList:
			chosen, err := n.chooseDigest(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("key %s: %v", kv.Key, err)
			}
			if kv.Key == KeyHeaderDigest {
				n.conn.HeaderDigest = chosen
			} else {
				n.conn.DataDigest = chosen
			}
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: chosen})
		case dispMinimum:
			offered, err := parseNumber(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("key %s: %v", kv.Key, err)
			}
			result := n.clamp(def, offered)
			n.setNumber(kv.Key, result)
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: strconv.FormatUint(uint64(result), 10)})
		case dispLiteral:
			reply = append(reply, kv)
		case dispReject:
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: valueIrrelevant})
		}
	}
	return reply, nil
}

func (n *Negotiator) declare(key, value string) error {
	switch key {
	case KeyTargetName:
		n.sess.TargetName = value
	case KeyInitiatorName:
		n.sess.InitiatorName = value
	case KeyInitiatorAlias:
		n.sess.InitiatorAlias = value
	case KeySessionType:
		if value != SessionNormal && value != SessionDiscovery {
			return fmt.Errorf("unknown SessionType %q", value)
		}
		n.sess.SessionType = value
	}
	return nil
}

func (n *Negotiator) setBool(key string, v bool) {
	switch key {
	case KeyInitialR2T:
		n.sess.InitialR2T = v
	case KeyImmediateData:
		n.sess.ImmediateData = v
	case KeyDataPDUInOrder:
		n.sess.DataPDUInOrder = v
	case KeyDataSequenceInOrder:
		n.sess.DataSequenceInOrder = v
	}
}

func (n *Negotiator) setNumber(key string, v uint32) {
	switch key {
	case KeyMaxRecvDataSegmentLength:
		n.conn.MaxRecvDataSegmentLength = v
	case KeyMaxBurstLength:
		n.sess.MaxBurstLength = v
	case KeyFirstBurstLength:
		n.sess.FirstBurstLength = v
	case KeyDefaultTime2Wait:
		n.sess.DefaultTime2Wait = v
	case KeyDefaultTime2Retain:
		n.sess.DefaultTime2Retain = v
	case KeyMaxOutstandingR2T:
		n.sess.MaxOutstandingR2T = v
	case KeyMaxConnections:
		n.sess.MaxConnections = v
	case KeyErrorRecoveryLevel:
		n.sess.ErrorRecoveryLevel = v
	}
}

// clamp computes min(offered, target default) bounded by the key's legal
// range. MaxConnections>1 and ErrorRecoveryLevel>0 land here too: their max
// bounds pin the result to the supported value.
func (n *Negotiator) clamp(def keyDef, offered uint32) uint32 {
	result := offered
	if result > def.def {
		result = def.def
	}
	if result > def.max {
		result = def.max
	}
	if result < def.min {
		result = def.min
	}
	return result
}

func (n *Negotiator) chooseDigest(offered string) (string, error) {
	for _, v := range strings.Split(offered, ",") {
		switch v {
		case DigestCRC32C, DigestNone:
			return v, nil
		}
	}
	if n.sloppy {
		return DigestNone, nil
	}
	return "", fmt.Errorf("no mutually acceptable digest in %q", offered)
}

func (n *Negotiator) parseBool(v string) (bool, error) {
	switch v {
	case "Yes":
		return true, nil
	case "No":
		return false, nil
	}
	if n.sloppy {
		switch strings.ToLower(v) {
		case "yes", "true", "1":
			return true, nil
		case "no", "false", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("bad boolean %q", v)
}

func parseNumber(v string) (uint32, error) {
	// base 0 admits the 0x form RFC 3720 allows for numeric values
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", v)
	}
	return uint32(n), nil
}

func formatBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func listContains(list, want string) bool {
	for _, v := range strings.Split(list, ",") {
		if v == want {
			return true
		}
	}
	return false
}

// SessionType reports the staged session type.
func (n *Negotiator) SessionType() string {
	return n.sess.SessionType
}

// TargetName reports the staged target name.
func (n *Negotiator) TargetName() string {
	return n.sess.TargetName
}

// InitiatorName reports the staged initiator name.
func (n *Negotiator) InitiatorName() string {
	return n.sess.InitiatorName
}

// Commit validates the staged parameters, materializes a snapshot and
// publishes it. The returned snapshot carries the next settings ID.
func (n *Negotiator) Commit() (Settings, error) {
	if !n.sloppy {
		if n.sess.InitiatorName == "" {
			return Settings{}, fmt.Errorf("initiator never declared InitiatorName")
		}
		if n.sess.SessionType == SessionNormal && n.sess.TargetName == "" {
			return Settings{}, fmt.Errorf("normal session without TargetName")
		}
	}
	s := Settings{
		HeaderDigest:             n.conn.HeaderDigest,
		DataDigest:               n.conn.DataDigest,
		MaxRecvDataSegmentLength: n.conn.MaxRecvDataSegmentLength,
		TargetName:               n.sess.TargetName,
		InitiatorName:            n.sess.InitiatorName,
		InitiatorAlias:           n.sess.InitiatorAlias,
		SessionType:              n.sess.SessionType,
		InitialR2T:               n.sess.InitialR2T,
		ImmediateData:            n.sess.ImmediateData,
		MaxBurstLength:           n.sess.MaxBurstLength,
		FirstBurstLength:         n.sess.FirstBurstLength,
		DefaultTime2Wait:         n.sess.DefaultTime2Wait,
		DefaultTime2Retain:       n.sess.DefaultTime2Retain,
		MaxOutstandingR2T:        n.sess.MaxOutstandingR2T,
		MaxConnections:           n.sess.MaxConnections,
		DataPDUInOrder:           n.sess.DataPDUInOrder,
		DataSequenceInOrder:      n.sess.DataSequenceInOrder,
		ErrorRecoveryLevel:       n.sess.ErrorRecoveryLevel,
	}
	return n.pub.Publish(s), nil
}
