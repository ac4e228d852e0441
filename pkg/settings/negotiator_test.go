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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storgo/stgt/pkg/util"
)

func replyValue(t *testing.T, reply []util.KeyValue, key string) string {
	t.Helper()
	v, ok := util.KVLookup(reply, key)
	require.True(t, ok, "no reply for key %s", key)
	return v
}

func TestNegotiateDeclarativeKeys(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate(util.ParseKVText(util.MarshalKVText([]util.KeyValue{
		{Key: KeyInitiatorName, Value: "iqn.2017-01.com.example:host"},
		{Key: KeyTargetName, Value: "iqn.2017-01.com.storgo:disk1"},
		{Key: KeySessionType, Value: "Normal"},
	})))
	require.NoError(t, err)
	// declarative keys draw no response entry
	assert.Empty(t, reply)
	assert.Equal(t, "iqn.2017-01.com.example:host", n.InitiatorName())
	assert.Equal(t, "iqn.2017-01.com.storgo:disk1", n.TargetName())
	assert.Equal(t, SessionNormal, n.SessionType())
}

func TestNegotiateBooleans(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{
		{Key: KeyInitialR2T, Value: "Yes"},
		{Key: KeyImmediateData, Value: "Yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Yes", replyValue(t, reply, KeyInitialR2T))
	assert.Equal(t, "Yes", replyValue(t, reply, KeyImmediateData))

	n2 := NewNegotiator(NewPublisher(), false)
	reply, err = n2.Negotiate([]util.KeyValue{
		{Key: KeyInitialR2T, Value: "No"},
		{Key: KeyImmediateData, Value: "No"},
	})
	require.NoError(t, err)
	assert.Equal(t, "No", replyValue(t, reply, KeyInitialR2T))
	assert.Equal(t, "No", replyValue(t, reply, KeyImmediateData))
}

func TestNegotiateDigestList(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{
		{Key: KeyHeaderDigest, Value: "CRC32C,None"},
		{Key: KeyDataDigest, Value: "None"},
	})
	require.NoError(t, err)
	assert.Equal(t, DigestCRC32C, replyValue(t, reply, KeyHeaderDigest))
	assert.Equal(t, DigestNone, replyValue(t, reply, KeyDataDigest))
}

func TestNegotiateDigestIrreconcilable(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	_, err := n.Negotiate([]util.KeyValue{{Key: KeyHeaderDigest, Value: "MD5"}})
	assert.Error(t, err)

	sloppy := NewNegotiator(NewPublisher(), true)
	reply, err := sloppy.Negotiate([]util.KeyValue{{Key: KeyHeaderDigest, Value: "MD5"}})
	require.NoError(t, err)
	assert.Equal(t, DigestNone, replyValue(t, reply, KeyHeaderDigest))
}

func TestNegotiateMinimum(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{
		{Key: KeyMaxRecvDataSegmentLength, Value: "65536"},
		{Key: KeyMaxBurstLength, Value: "4096"},
		{Key: KeyFirstBurstLength, Value: "1024"},
	})
	require.NoError(t, err)
	// target caps MaxRecvDataSegmentLength at its own preference
	assert.Equal(t, "8192", replyValue(t, reply, KeyMaxRecvDataSegmentLength))
	// offers below the preference win
	assert.Equal(t, "4096", replyValue(t, reply, KeyMaxBurstLength))
	assert.Equal(t, "1024", replyValue(t, reply, KeyFirstBurstLength))
}

func TestNegotiateMaxConnectionsClamped(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{{Key: KeyMaxConnections, Value: "8"}})
	require.NoError(t, err)
	assert.Equal(t, "1", replyValue(t, reply, KeyMaxConnections))
}

func TestNegotiateErrorRecoveryLevelClamped(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{{Key: KeyErrorRecoveryLevel, Value: "2"}})
	require.NoError(t, err)
	assert.Equal(t, "0", replyValue(t, reply, KeyErrorRecoveryLevel))
}

func TestNegotiateUnknownKey(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{{Key: "X-com.example.fancy", Value: "1"}})
	require.NoError(t, err)
	assert.Equal(t, "NotUnderstood", replyValue(t, reply, "X-com.example.fancy"))
}

func TestNegotiateAuthMethod(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	reply, err := n.Negotiate([]util.KeyValue{{Key: KeyAuthMethod, Value: "CHAP,None"}})
	require.NoError(t, err)
	assert.Equal(t, "None", replyValue(t, reply, KeyAuthMethod))

	_, err = n.Negotiate([]util.KeyValue{{Key: KeyAuthMethod, Value: "CHAP"}})
	assert.Error(t, err)
}

func TestNegotiateBadBoolean(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	_, err := n.Negotiate([]util.KeyValue{{Key: KeyInitialR2T, Value: "maybe"}})
	assert.Error(t, err)
}

func TestCommitRequiresInitiatorName(t *testing.T) {
	n := NewNegotiator(NewPublisher(), false)
	_, err := n.Commit()
	assert.Error(t, err)

	sloppy := NewNegotiator(NewPublisher(), true)
	_, err = sloppy.Commit()
	assert.NoError(t, err)
}

func TestCommitPublishesImmutableSnapshots(t *testing.T) {
	pub := NewPublisher()
	n := NewNegotiator(pub, false)
	_, err := n.Negotiate([]util.KeyValue{
		{Key: KeyInitiatorName, Value: "iqn.x"},
		{Key: KeySessionType, Value: "Discovery"},
		{Key: KeyMaxBurstLength, Value: "4096"},
	})
	require.NoError(t, err)
	first, err := n.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint32(4096), first.MaxBurstLength)
	assert.Equal(t, first, pub.Current())

	// a later negotiation produces a new snapshot and leaves the old alone
	n2 := NewNegotiator(pub, false)
	_, err = n2.Negotiate([]util.KeyValue{{Key: KeyMaxBurstLength, Value: "2048"}})
	require.NoError(t, err)
	second, err := n2.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, uint32(2048), second.MaxBurstLength)
	assert.Equal(t, uint32(4096), first.MaxBurstLength)
	assert.Equal(t, second, pub.Current())
}
