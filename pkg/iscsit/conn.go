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
	"net"
	"sync"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/settings"
)

// Connection phases.
const (
	CONN_STATE_FREE = iota
	CONN_STATE_SECURITY
	CONN_STATE_LOGIN
	CONN_STATE_LOGIN_FULL
	CONN_STATE_SCSI
	CONN_STATE_LOGOUT_PENDING
	CONN_STATE_CLOSE
	CONN_STATE_EXIT
)

// iscsiLoginParam mirrors the login BHS fields across the login exchange.
type iscsiLoginParam struct {
	iniCSG   Stage
	iniNSG   Stage
	iniCont  bool
	iniTrans bool

	tgtNSG   Stage
	tgtTrans bool

	isid  uint64
	tsih  uint16
	cmdSN uint32

	keyDeclared bool
}

type iscsiConnection struct {
	id      uuid.UUID
	driver  *ISCSITargetDriver
	conn    net.Conn
	state   int
	cid     uint16
	session *ISCSISession

	loginParam iscsiLoginParam

	// StatSN - the status sequence number on this connection
	statSN uint32
	// ExpStatSN - the initiator's next expected status sequence number
	expStatSN uint32

	pub        *settings.Publisher
	negotiator *settings.Negotiator

	// outstanding write tasks by initiator task tag
	tasks    map[uint32]*iscsiTask
	taskLock sync.Mutex

	writeLock sync.Mutex
}

func (c *iscsiConnection) init(driver *ISCSITargetDriver, conn net.Conn) {
	c.id = uuid.NewV1()
	c.driver = driver
	c.conn = conn
	c.state = CONN_STATE_FREE
	c.pub = settings.NewPublisher()
	c.negotiator = settings.NewNegotiator(c.pub, driver.AllowSloppyNegotiation)
	c.tasks = map[uint32]*iscsiTask{}
}

func (c *iscsiConnection) readPDU() (*ISCSIPacket, error) {
	return ReadPDU(c.conn, c.pub.Current())
}

// statusAdvances reports whether a response PDU consumes a StatSN.
func statusAdvances(m *ISCSIPacket) bool {
	switch m.OpCode {
	case OpLoginResp, OpTextResp, OpSCSIResp, OpLogoutResp, OpNoopIn, OpReject, OpAsync:
		return true
	case OpSCSIIn:
		return m.HasStatus
	}
	return false
}

// send stamps the response with this connection's StatSN and the session
// window and writes it out. StatSN increases by exactly one for every
// status-bearing response.
func (c *iscsiConnection) send(m *ISCSIPacket) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	m.StatSN = c.statSN
	if statusAdvances(m) {
		c.statSN++
	}
	if m.ExpCmdSN == 0 && m.MaxCmdSN == 0 {
		if c.session != nil {
			m.ExpCmdSN, m.MaxCmdSN = c.session.window()
		}
	}
	s := c.pub.Current()
	if m.OpCode == OpLoginResp {
		// digests only take effect in full-feature phase
		s = settings.Settings{HeaderDigest: settings.DigestNone, DataDigest: settings.DigestNone}
	}
	log.Debugf("send %v, StatSN %d, %d data bytes", m.OpCode, m.StatSN, len(m.RawData))
	return WritePDU(c.conn, m, s)
}

// reject answers a broken request and keeps the connection unless writing
// fails.
func (c *iscsiConnection) reject(req *ISCSIPacket, reason byte) error {
	resp := &ISCSIPacket{
		OpCode:  OpReject,
		Reason:  reason,
		Final:   true,
		DataSN:  0xffffffff,
		RawData: req.RawHeader,
	}
	return c.send(resp)
}

func (c *iscsiConnection) close() {
	c.conn.Close()
}

func (c *iscsiConnection) State() string {
	switch c.state {
	case CONN_STATE_FREE:
		return "free"
	case CONN_STATE_SECURITY:
		return "security negotiation"
	case CONN_STATE_LOGIN:
		return "login operational negotiation"
	case CONN_STATE_LOGIN_FULL:
		return "login done"
	case CONN_STATE_SCSI:
		return "full feature"
	case CONN_STATE_LOGOUT_PENDING:
		return "logout pending"
	case CONN_STATE_CLOSE:
		return "close"
	case CONN_STATE_EXIT:
		return "exit"
	}
	return ""
}
