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

	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/scsi"
)

// nextTargetTransferTag is the target-wide counter behind every emitted
// Target Transfer Tag.
var nextTargetTransferTag uint32

// NextTargetTransferTag returns the next unreserved TTT; the value
// 0xffffffff is skipped.
func NextTargetTransferTag() uint32 {
	for {
		tag := atomic.AddUint32(&nextTargetTransferTag, 1)
		if tag != TTTReserved {
			return tag
		}
	}
}

type taskState int

const (
	taskPending taskState = iota
	taskDataOut
	taskSCSI
)

// iscsiTask carries one SCSI command from arrival to response. Write
// commands park in taskDataOut while the solicited-data flow fills the
// buffer.
type iscsiTask struct {
	tag  uint32 // initiator task tag
	ttt  uint32 // target transfer tag of the open R2T, or TTTReserved
	conn *iscsiConnection
	cmd  *ISCSIPacket
	scmd *scsi.SCSICommand

	state taskState

	// write transfer bookkeeping
	expectedLen uint32
	buffer      []byte
	offset      uint32 // bytes received so far
	r2tSN       uint32
	desired     uint32 // bytes solicited by the open R2T
	unsolicited bool   // still inside the unsolicited first burst
}

// startWriteTask begins the data-out flow for a WRITE command. Immediate
// data from the command PDU lands in the buffer first; the rest is either
// waited for (unsolicited) or solicited with R2Ts.
func (s *ISCSITargetDriver) startWriteTask(conn *iscsiConnection, req *ISCSIPacket, task *iscsiTask) error {
	st := conn.pub.Current()
	task.expectedLen = req.ExpectedDataLen
	task.buffer = make([]byte, task.expectedLen)
	task.ttt = TTTReserved
	task.state = taskDataOut

	if len(req.RawData) > 0 {
		if !st.ImmediateData {
			log.Warnf("unexpected immediate data on task %x", task.tag)
			return conn.reject(req, RejectProtocolError)
		}
		n := len(req.RawData)
		if uint32(n) > st.FirstBurstLength {
			n = int(st.FirstBurstLength)
		}
		if uint32(n) > task.expectedLen {
			n = int(task.expectedLen)
		}
		copy(task.buffer, req.RawData[:n])
		task.offset = uint32(n)
	}

	if task.offset >= task.expectedLen {
		// everything arrived with the command
		return s.finishWriteTask(conn, task)
	}

	conn.taskLock.Lock()
	conn.tasks[task.tag] = task
	conn.taskLock.Unlock()

	if !req.Final {
		// more unsolicited data-out PDUs are coming before any R2T
		task.unsolicited = true
		if st.InitialR2T {
			return conn.reject(req, RejectProtocolError)
		}
		return nil
	}
	return s.sendR2T(conn, task)
}

// sendR2T solicits the next burst of at most MaxBurstLength bytes.
func (s *ISCSITargetDriver) sendR2T(conn *iscsiConnection, task *iscsiTask) error {
	st := conn.pub.Current()
	remaining := task.expectedLen - task.offset
	task.desired = remaining
	if task.desired > st.MaxBurstLength {
		task.desired = st.MaxBurstLength
	}
	task.ttt = NextTargetTransferTag()
	resp := &ISCSIPacket{
		OpCode:        OpReady,
		TaskTag:       task.tag,
		TargetXferTag: task.ttt,
		LUN:           task.cmd.LUN,
		R2TSN:         task.r2tSN,
		BufferOffset:  task.offset,
		DesiredLength: task.desired,
	}
	task.r2tSN++
	log.Debugf("R2T for task %x: offset %d, desired %d", task.tag, task.offset, task.desired)
	return conn.send(resp)
}

// handleDataOut consumes one SCSI Data-Out PDU of the solicited (or
// unsolicited first burst) flow.
func (s *ISCSITargetDriver) handleDataOut(conn *iscsiConnection, req *ISCSIPacket) error {
	conn.taskLock.Lock()
	task := conn.tasks[req.TaskTag]
	conn.taskLock.Unlock()
	if task == nil {
		log.Errorf("cannot find task with tag %x", req.TaskTag)
		return conn.reject(req, RejectInvalidPduField)
	}
	if req.TargetXferTag != TTTReserved && req.TargetXferTag != task.ttt {
		log.Errorf("data-out TTT %x does not match open R2T %x", req.TargetXferTag, task.ttt)
		return conn.reject(req, RejectInvalidPduField)
	}
	if int(req.BufferOffset)+len(req.RawData) > len(task.buffer) {
		if err := s.abortWriteTask(conn, task, req); err != nil {
			return err
		}
		return nil
	}
	copy(task.buffer[req.BufferOffset:], req.RawData)
	task.offset = req.BufferOffset + uint32(len(req.RawData))

	if !req.Final {
		return nil
	}
	if task.offset >= task.expectedLen {
		return s.finishWriteTask(conn, task)
	}
	if task.unsolicited && req.TargetXferTag == TTTReserved {
		// the unsolicited burst is over; solicit the rest
		task.unsolicited = false
	}
	return s.sendR2T(conn, task)
}

// finishWriteTask runs the buffered command against the store and answers.
func (s *ISCSITargetDriver) finishWriteTask(conn *iscsiConnection, task *iscsiTask) error {
	conn.taskLock.Lock()
	delete(conn.tasks, task.tag)
	conn.taskLock.Unlock()
	task.state = taskSCSI
	task.scmd.OutBuffer = task.buffer
	stat := scsi.PerformCommand(task.scmd)
	task.scmd.Result = stat.Stat
	return conn.sendSCSIResponse(task)
}

// abortWriteTask drops a transfer whose data ran outside the buffer.
func (s *ISCSITargetDriver) abortWriteTask(conn *iscsiConnection, task *iscsiTask, req *ISCSIPacket) error {
	conn.taskLock.Lock()
	delete(conn.tasks, task.tag)
	conn.taskLock.Unlock()
	log.Errorf("data-out overruns buffer of task %x (offset %d, %d bytes, buffer %d)",
		task.tag, req.BufferOffset, len(req.RawData), len(task.buffer))
	scsi.BuildSenseData(task.scmd, scsi.ILLEGAL_REQUEST, scsi.ASC_INVALID_FIELD_IN_PARMS)
	return conn.sendSCSIResponse(task)
}

// releaseTasks fails the pending R2T waits of a dying connection.
func (c *iscsiConnection) releaseTasks() {
	c.taskLock.Lock()
	tasks := c.tasks
	c.tasks = map[uint32]*iscsiTask{}
	c.taskLock.Unlock()
	for tag := range tasks {
		log.Debugf("releasing write task %x", tag)
	}
	if len(tasks) > 0 {
		log.Warnf("connection %s closed with %d write tasks outstanding", c.id, len(tasks))
	}
}
