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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWindowSession(expCmdSN uint32) *ISCSISession {
	return &ISCSISession{expCmdSN: expCmdSN}
}

func TestAdmit(t *testing.T) {
	sess := newWindowSession(10)

	assert.Equal(t, admitNow, sess.admit(10))
	exp, max := sess.window()
	assert.Equal(t, uint32(11), exp)
	assert.Equal(t, uint32(11+MAX_QUEUE_CMD-1), max)

	// in the window but out of order
	assert.Equal(t, admitQueue, sess.admit(13))
	exp, _ = sess.window()
	assert.Equal(t, uint32(11), exp, "queueing must not move the window")

	// behind and beyond the window
	assert.Equal(t, admitDrop, sess.admit(9))
	assert.Equal(t, admitDrop, sess.admit(11+MAX_QUEUE_CMD))
	exp, _ = sess.window()
	assert.Equal(t, uint32(11), exp, "dropped commands must not move the window")
}

func TestAdmitWraparound(t *testing.T) {
	sess := newWindowSession(0xfffffffe)
	assert.Equal(t, admitNow, sess.admit(0xfffffffe))
	// the window straddles zero now
	assert.Equal(t, admitQueue, sess.admit(3))
	assert.Equal(t, admitNow, sess.admit(0xffffffff))
}

func TestPopReadyOrdersByCmdSN(t *testing.T) {
	sess := newWindowSession(5)
	mk := func(sn uint32) *iscsiTask {
		return &iscsiTask{cmd: &ISCSIPacket{CmdSN: sn}}
	}
	sess.queueTask(mk(7))
	sess.queueTask(mk(6))
	sess.queueTask(mk(9))

	assert.Nil(t, sess.popReady(), "head is 6, window wants 5")

	require.Equal(t, admitNow, sess.admit(5))
	got := sess.popReady()
	require.NotNil(t, got)
	assert.Equal(t, uint32(6), got.cmd.CmdSN)
	got = sess.popReady()
	require.NotNil(t, got)
	assert.Equal(t, uint32(7), got.cmd.CmdSN)
	assert.Nil(t, sess.popReady(), "8 never arrived")
}

func TestLastSense(t *testing.T) {
	sess := newWindowSession(0)
	assert.Nil(t, sess.takeLastSense())
	sess.setLastSense([]byte{0x70, 0, 5})
	assert.Equal(t, []byte{0x70, 0, 5}, sess.takeLastSense())
	assert.Nil(t, sess.takeLastSense(), "sense is consumed once")
}

func TestNextTargetTransferTagSkipsReserved(t *testing.T) {
	atomic.StoreUint32(&nextTargetTransferTag, 0xfffffffd)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		tag := NextTargetTransferTag()
		assert.NotEqual(t, TTTReserved, tag)
		assert.False(t, seen[tag], "tag %x repeated", tag)
		seen[tag] = true
	}
}

func TestSNInWindow(t *testing.T) {
	assert.True(t, snInWindow(5, 5, 36))
	assert.True(t, snInWindow(36, 5, 36))
	assert.False(t, snInWindow(4, 5, 36))
	assert.False(t, snInWindow(37, 5, 36))
	// wraparound
	assert.True(t, snInWindow(2, 0xfffffff0, 0x0f))
	assert.False(t, snInWindow(0x10, 0xfffffff0, 0x0f))
}
