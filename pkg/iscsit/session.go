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
	"container/heap"
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/storgo/stgt/pkg/scsi"
	"github.com/storgo/stgt/pkg/settings"
)

const (
	ISCSI_MAX_TSIH    = uint16(0xffff)
	ISCSI_UNSPEC_TSIH = uint16(0)
)

// MAX_QUEUE_CMD is the command window shared by all connections in a
// session: MaxCmdSN = ExpCmdSN + MAX_QUEUE_CMD - 1.
const MAX_QUEUE_CMD = 32

// ISCSISession groups the connections of one I_T nexus and owns the command
// sequence window. Target is nil for Discovery sessions.
type ISCSISession struct {
	TSIH           uint16
	ISID           uint64
	Initiator      string
	InitiatorAlias string
	SessionType    string
	Target         *scsi.Target
	ITNexusID      uuid.UUID

	lock         sync.Mutex
	expCmdSN     uint32
	Connections  []*iscsiConnection
	PendingTasks taskQueue

	// lastSense holds the sense data of the last failed command for
	// REQUEST SENSE.
	lastSense []byte
}

func newISCSISession(tsih uint16, conn *iscsiConnection, s settings.Settings, target *scsi.Target) *ISCSISession {
	sess := &ISCSISession{
		TSIH:           tsih,
		ISID:           conn.loginParam.isid,
		Initiator:      s.InitiatorName,
		InitiatorAlias: s.InitiatorAlias,
		SessionType:    s.SessionType,
		Target:         target,
		ITNexusID:      uuid.NewV1(),
		expCmdSN:       conn.loginParam.cmdSN,
		Connections:    []*iscsiConnection{conn},
	}
	heap.Init(&sess.PendingTasks)
	return sess
}

// ITNexusName is the spec form of the I_T nexus identifier.
func (sess *ISCSISession) ITNexusName() string {
	tgt := ""
	if sess.Target != nil {
		tgt = sess.Target.Name
	}
	return fmt.Sprintf("%si0x%012x,%st%d", sess.Initiator, sess.ISID, tgt, 1)
}

// ExpCmdSN reads the window bottom under the session lock.
func (sess *ISCSISession) ExpCmdSN() uint32 {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	return sess.expCmdSN
}

// MaxCmdSN reads the window top under the session lock.
func (sess *ISCSISession) MaxCmdSN() uint32 {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	return sess.expCmdSN + MAX_QUEUE_CMD - 1
}

// window reports both window edges in one lock round.
func (sess *ISCSISession) window() (expCmdSN, maxCmdSN uint32) {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	return sess.expCmdSN, sess.expCmdSN + MAX_QUEUE_CMD - 1
}

// admit classifies a non-immediate command against the window and, when the
// command is the next expected one, slides the window forward. Serial number
// comparison is modulo 2**32 per rfc7143 9.3.2.
func (sess *ISCSISession) admit(cmdSN uint32) admitResult {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	if cmdSN == sess.expCmdSN {
		sess.expCmdSN++
		return admitNow
	}
	if snInWindow(cmdSN, sess.expCmdSN, sess.expCmdSN+MAX_QUEUE_CMD-1) {
		return admitQueue
	}
	return admitDrop
}

// popReady removes and returns the queued task matching the current window
// bottom, sliding the window, or nil when the head is still out of order.
func (sess *ISCSISession) popReady() *iscsiTask {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	if sess.PendingTasks.Len() == 0 {
		return nil
	}
	head := sess.PendingTasks[0]
	if head.cmd.CmdSN != sess.expCmdSN {
		return nil
	}
	sess.expCmdSN++
	return heap.Pop(&sess.PendingTasks).(*iscsiTask)
}

func (sess *ISCSISession) queueTask(task *iscsiTask) {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	heap.Push(&sess.PendingTasks, task)
}

func (sess *ISCSISession) setLastSense(sense []byte) {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	sess.lastSense = sense
}

func (sess *ISCSISession) takeLastSense() []byte {
	sess.lock.Lock()
	defer sess.lock.Unlock()
	sense := sess.lastSense
	sess.lastSense = nil
	return sense
}

type admitResult int

const (
	admitNow admitResult = iota
	admitQueue
	admitDrop
)

// snInWindow applies serial number arithmetic to exp <= sn <= max.
func snInWindow(sn, exp, max uint32) bool {
	return int32(sn-exp) >= 0 && int32(max-sn) >= 0
}

// taskQueue is a min-heap of pending tasks ordered by CmdSN so the session
// executes queued commands in sequence-number order.
type taskQueue []*iscsiTask

func (tq taskQueue) Len() int { return len(tq) }

func (tq taskQueue) Less(i, j int) bool {
	return int32(tq[i].cmd.CmdSN-tq[j].cmd.CmdSN) < 0
}

func (tq taskQueue) Swap(i, j int) {
	tq[i], tq[j] = tq[j], tq[i]
}

func (tq *taskQueue) Push(x interface{}) {
	*tq = append(*tq, x.(*iscsiTask))
}

func (tq *taskQueue) Pop() interface{} {
	old := *tq
	n := len(old)
	item := old[n-1]
	*tq = old[0 : n-1]
	return item
}
