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

// Text key names, RFC 3720 section 12.
const (
	KeyAuthMethod               = "AuthMethod"
	KeyHeaderDigest             = "HeaderDigest"
	KeyDataDigest               = "DataDigest"
	KeyMaxConnections           = "MaxConnections"
	KeySendTargets              = "SendTargets"
	KeyTargetName               = "TargetName"
	KeyInitiatorName            = "InitiatorName"
	KeyTargetAlias              = "TargetAlias"
	KeyInitiatorAlias           = "InitiatorAlias"
	KeyTargetAddress            = "TargetAddress"
	KeyTargetPortalGroupTag     = "TargetPortalGroupTag"
	KeyInitialR2T               = "InitialR2T"
	KeyImmediateData            = "ImmediateData"
	KeyMaxRecvDataSegmentLength = "MaxRecvDataSegmentLength"
	KeyMaxBurstLength           = "MaxBurstLength"
	KeyFirstBurstLength         = "FirstBurstLength"
	KeyDefaultTime2Wait         = "DefaultTime2Wait"
	KeyDefaultTime2Retain       = "DefaultTime2Retain"
	KeyMaxOutstandingR2T        = "MaxOutstandingR2T"
	KeyDataPDUInOrder           = "DataPDUInOrder"
	KeyDataSequenceInOrder      = "DataSequenceInOrder"
	KeyErrorRecoveryLevel       = "ErrorRecoveryLevel"
	KeySessionType              = "SessionType"
	KeyIFMarker                 = "IFMarker"
	KeyOFMarker                 = "OFMarker"
	KeyIFMarkInt                = "IFMarkInt"
	KeyOFMarkInt                = "OFMarkInt"
)

// disposition selects how a key's offered value merges with the target's.
type disposition int

const (
	// dispDeclare: the initiator states, the target accepts.
	dispDeclare disposition = iota
	// dispBoolAnd: result is offered AND target-preferred.
	dispBoolAnd
	// dispBoolOr: result is offered OR target-preferred.
	dispBoolOr
	// dispDigestList: pick the first mutually acceptable entry of the
	// offered list.
	dispDigestList
	// dispMinimum: result is min(offered, target limit).
	dispMinimum
	// dispLiteral: the value is echoed back unchanged.
	dispLiteral
	// dispReject: the key may not be (re)negotiated here.
	dispReject
)

type keyScope int

const (
	scopeConnection keyScope = iota
	scopeSession
)

type keyDef struct {
	name  string
	scope keyScope
	disp  disposition
	// numeric bounds for dispMinimum keys
	def uint32
	min uint32
	max uint32
	// preference for the boolean dispositions
	pref bool
}

/*
 * The defaults here are according to the spec and must not be changed,
 * otherwise the initiator may make the wrong assumption. InitialR2T merges
 * by OR (target preference No) and ImmediateData by AND (target preference
 * Yes), so both come out as offered.
 */
var negotiableKeys = map[string]keyDef{
	KeyTargetName:     {name: KeyTargetName, scope: scopeSession, disp: dispDeclare},
	KeyInitiatorName:  {name: KeyInitiatorName, scope: scopeSession, disp: dispDeclare},
	KeyInitiatorAlias: {name: KeyInitiatorAlias, scope: scopeSession, disp: dispDeclare},
	KeySessionType:    {name: KeySessionType, scope: scopeSession, disp: dispDeclare},

	KeyInitialR2T:    {name: KeyInitialR2T, scope: scopeSession, disp: dispBoolOr, pref: false},
	KeyImmediateData: {name: KeyImmediateData, scope: scopeSession, disp: dispBoolAnd, pref: true},

	KeyDataPDUInOrder:      {name: KeyDataPDUInOrder, scope: scopeSession, disp: dispBoolOr, pref: true},
	KeyDataSequenceInOrder: {name: KeyDataSequenceInOrder, scope: scopeSession, disp: dispBoolOr, pref: true},

	KeyHeaderDigest: {name: KeyHeaderDigest, scope: scopeConnection, disp: dispDigestList},
	KeyDataDigest:   {name: KeyDataDigest, scope: scopeConnection, disp: dispDigestList},

	KeyMaxRecvDataSegmentLength: {name: KeyMaxRecvDataSegmentLength, scope: scopeConnection, disp: dispMinimum, def: 8192, min: 512, max: 16777215},
	KeyMaxBurstLength:           {name: KeyMaxBurstLength, scope: scopeSession, disp: dispMinimum, def: 262144, min: 512, max: 16777215},
	KeyFirstBurstLength:         {name: KeyFirstBurstLength, scope: scopeSession, disp: dispMinimum, def: 65536, min: 512, max: 16777215},
	KeyDefaultTime2Wait:         {name: KeyDefaultTime2Wait, scope: scopeSession, disp: dispMinimum, def: 2, min: 0, max: 3600},
	KeyDefaultTime2Retain:       {name: KeyDefaultTime2Retain, scope: scopeSession, disp: dispMinimum, def: 20, min: 0, max: 3600},
	KeyMaxOutstandingR2T:        {name: KeyMaxOutstandingR2T, scope: scopeSession, disp: dispMinimum, def: 1, min: 1, max: 65535},
	KeyMaxConnections:           {name: KeyMaxConnections, scope: scopeSession, disp: dispMinimum, def: 1, min: 1, max: 1},
	KeyErrorRecoveryLevel:       {name: KeyErrorRecoveryLevel, scope: scopeSession, disp: dispMinimum, def: 0, min: 0, max: 0},

	KeyIFMarker:  {name: KeyIFMarker, scope: scopeConnection, disp: dispLiteral},
	KeyOFMarker:  {name: KeyOFMarker, scope: scopeConnection, disp: dispLiteral},
	KeyIFMarkInt: {name: KeyIFMarkInt, scope: scopeConnection, disp: dispReject},
	KeyOFMarkInt: {name: KeyOFMarkInt, scope: scopeConnection, disp: dispReject},
}
