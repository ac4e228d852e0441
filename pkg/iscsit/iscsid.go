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
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/storgo/stgt/pkg/scsi"
	"github.com/storgo/stgt/pkg/settings"
	"github.com/storgo/stgt/pkg/util"
)

// maxWorkers bounds the accept loop; one worker handles one TCP connection.
const maxWorkers = 256

// ISCSITargetDriver is the iSCSI front end: it accepts connections, runs
// their state machines and routes SCSI commands into the target registry.
type ISCSITargetDriver struct {
	Registry               *scsi.Registry
	Port                   int
	AllowSloppyNegotiation bool

	TSIHPool      map[uint16]bool
	TSIHPoolMutex sync.Mutex

	sessions     map[uint16]*ISCSISession
	sessionsLock sync.Mutex

	listener net.Listener
}

func NewISCSITargetDriver(registry *scsi.Registry, port int, sloppy bool) *ISCSITargetDriver {
	return &ISCSITargetDriver{
		Registry:               registry,
		Port:                   port,
		AllowSloppyNegotiation: sloppy,
		TSIHPool:               map[uint16]bool{0: true, 65535: true},
		sessions:               map[uint16]*ISCSISession{},
	}
}

// AllocTSIH hands out the lowest free TSIH; 0 and 0xffff stay reserved.
func (s *ISCSITargetDriver) AllocTSIH() uint16 {
	s.TSIHPoolMutex.Lock()
	defer s.TSIHPoolMutex.Unlock()
	for i := uint16(0); i < ISCSI_MAX_TSIH; i++ {
		if !s.TSIHPool[i] {
			s.TSIHPool[i] = true
			return i
		}
	}
	return ISCSI_UNSPEC_TSIH
}

func (s *ISCSITargetDriver) ReleaseTSIH(tsih uint16) {
	s.TSIHPoolMutex.Lock()
	defer s.TSIHPoolMutex.Unlock()
	delete(s.TSIHPool, tsih)
}

// newSession builds the session entering full-feature phase.
func (s *ISCSITargetDriver) newSession(conn *iscsiConnection, snapshot settings.Settings) (*ISCSISession, error) {
	var target *scsi.Target
	if snapshot.SessionType == settings.SessionNormal {
		target = s.Registry.Acquire(snapshot.TargetName)
		if target == nil {
			return nil, &loginFailure{
				class:  StatusClassInitiatorError,
				detail: StatusDetailTargetNotFound,
				msg:    fmt.Sprintf("target not found: %s", snapshot.TargetName),
			}
		}
	}

	s.sessionsLock.Lock()
	for _, other := range s.sessions {
		if other.ISID == conn.loginParam.isid && other.Target == target && target != nil {
			s.sessionsLock.Unlock()
			if target != nil {
				s.Registry.Release(target.Name)
			}
			return nil, &loginFailure{
				class:  StatusClassInitiatorError,
				detail: StatusDetailSessionNotExist,
				msg:    fmt.Sprintf("session reinstatement for ISID %x is not supported", conn.loginParam.isid),
			}
		}
	}
	s.sessionsLock.Unlock()

	tsih := s.AllocTSIH()
	if tsih == ISCSI_UNSPEC_TSIH {
		if target != nil {
			s.Registry.Release(target.Name)
		}
		return nil, &loginFailure{
			class:  StatusClassTargetError,
			detail: 0x00,
			msg:    "out of TSIHs",
		}
	}
	sess := newISCSISession(tsih, conn, snapshot, target)

	s.sessionsLock.Lock()
	s.sessions[tsih] = sess
	s.sessionsLock.Unlock()
	return sess, nil
}

// removeSession tears one session down and releases what it holds.
func (s *ISCSITargetDriver) removeSession(sess *ISCSISession) {
	s.sessionsLock.Lock()
	delete(s.sessions, sess.TSIH)
	s.sessionsLock.Unlock()
	if sess.Target != nil {
		s.Registry.Release(sess.Target.Name)
	}
	s.ReleaseTSIH(sess.TSIH)
	log.Infof("session %d for initiator %s closed", sess.TSIH, sess.Initiator)
}

// SessionInfo is a read-only snapshot for the stats API.
type SessionInfo struct {
	TSIH        uint16 `json:"tsih"`
	Initiator   string `json:"initiator"`
	SessionType string `json:"session_type"`
	TargetName  string `json:"target_name,omitempty"`
}

func (s *ISCSITargetDriver) Sessions() []SessionInfo {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := SessionInfo{
			TSIH:        sess.TSIH,
			Initiator:   sess.Initiator,
			SessionType: sess.SessionType,
		}
		if sess.Target != nil {
			info.TargetName = sess.Target.Name
		}
		infos = append(infos, info)
	}
	return infos
}

// Run accepts initiator connections until Stop closes the listener.
func (s *ISCSITargetDriver) Run() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return err
	}
	s.listener = netutil.LimitListener(l, maxWorkers)
	defer s.listener.Close()
	log.Infof("iSCSI target listening on %s", l.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Error(err)
				continue
			}
			return err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		log.Infof("connection from %s", conn.RemoteAddr())

		iscsiConn := &iscsiConnection{}
		iscsiConn.init(s, conn)
		go s.handler(iscsiConn)
	}
}

// Stop closes the listener; in-flight connections run to completion.
func (s *ISCSITargetDriver) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// handler is the per-connection worker: read one PDU, process it, repeat
// until the state machine or the socket ends the connection.
func (s *ISCSITargetDriver) handler(conn *iscsiConnection) {
	defer s.closeConnection(conn)

	first := true
	for conn.state != CONN_STATE_CLOSE && conn.state != CONN_STATE_EXIT {
		req, err := conn.readPDU()
		if err != nil {
			if ce, ok := err.(*CodecError); ok {
				log.Warnf("decode error from %s: %v", conn.conn.RemoteAddr(), ce)
				if conn.reject(&ISCSIPacket{}, ce.Reason) != nil {
					return
				}
				continue
			}
			if _, ok := err.(*ProtocolError); ok {
				log.Warnf("protocol violation from %s: %v", conn.conn.RemoteAddr(), err)
				return
			}
			if err != io.EOF {
				log.Debugf("connection %s: %v", conn.conn.RemoteAddr(), err)
			}
			return
		}
		log.Debugf("got %v PDU, state %s", req.OpCode, conn.State())

		// the first PDU on a socket must be a login request
		if first && req.OpCode != OpLoginReq {
			log.Warnf("first PDU from %s is %v, closing", conn.conn.RemoteAddr(), req.OpCode)
			return
		}
		first = false

		if err := s.dispatch(conn, req); err != nil {
			log.Error(err)
			return
		}
	}
}

func (s *ISCSITargetDriver) dispatch(conn *iscsiConnection, req *ISCSIPacket) error {
	switch conn.state {
	case CONN_STATE_FREE, CONN_STATE_SECURITY, CONN_STATE_LOGIN:
		if req.OpCode != OpLoginReq {
			return fmt.Errorf("%v PDU during login phase", req.OpCode)
		}
		return s.iscsiExecLogin(conn, req)
	case CONN_STATE_SCSI, CONN_STATE_LOGOUT_PENDING:
		return s.fullFeatureHandler(conn, req)
	default:
		return fmt.Errorf("PDU in unexpected connection state %s", conn.State())
	}
}

// closeConnection unwinds one worker: abandoned write tasks are released
// and the session dies with its last connection.
func (s *ISCSITargetDriver) closeConnection(conn *iscsiConnection) {
	conn.close()
	conn.releaseTasks()
	sess := conn.session
	if sess == nil {
		return
	}
	sess.lock.Lock()
	for i, c := range sess.Connections {
		if c == conn {
			sess.Connections = append(sess.Connections[:i], sess.Connections[i+1:]...)
			break
		}
	}
	remaining := len(sess.Connections)
	sess.lock.Unlock()
	if remaining == 0 {
		s.removeSession(sess)
	}
}

// fullFeatureHandler routes one full-feature-phase PDU.
func (s *ISCSITargetDriver) fullFeatureHandler(conn *iscsiConnection, req *ISCSIPacket) error {
	// an initiator may not acknowledge status it has not seen
	if int32(req.ExpStatSN-conn.statSN) > 0 {
		log.Warnf("ExpStatSN %d ahead of StatSN %d", req.ExpStatSN, conn.statSN)
		return conn.reject(req, RejectProtocolError)
	}
	conn.expStatSN = req.ExpStatSN

	switch req.OpCode {
	case OpSCSICmd:
		return s.iscsiExecSCSICommand(conn, req)
	case OpSCSIOut:
		return s.handleDataOut(conn, req)
	case OpNoopOut:
		return s.iscsiExecNoopOut(conn, req)
	case OpTextReq:
		return s.iscsiExecText(conn, req)
	case OpLogoutReq:
		return s.iscsiExecLogout(conn, req)
	case OpSNACKReq:
		return conn.reject(req, RejectSNACKReject)
	case OpSCSITaskReq:
		return conn.reject(req, RejectCmdNotSupported)
	default:
		return conn.reject(req, RejectProtocolError)
	}
}

// iscsiExecSCSICommand gates a command on the session's CmdSN window:
// immediate commands run on arrival, the next expected CmdSN runs and
// slides the window, in-window commands queue, everything else is silently
// dropped.
func (s *ISCSITargetDriver) iscsiExecSCSICommand(conn *iscsiConnection, req *ISCSIPacket) error {
	sess := conn.session
	if sess.SessionType == settings.SessionDiscovery {
		return conn.reject(req, RejectProtocolError)
	}

	task := s.newTask(conn, req)
	if req.Immediate {
		return s.execTask(conn, task)
	}
	switch sess.admit(req.CmdSN) {
	case admitNow:
		if err := s.execTask(conn, task); err != nil {
			return err
		}
		return s.drainPending(conn)
	case admitQueue:
		log.Debugf("queueing task %x with CmdSN %d", task.tag, req.CmdSN)
		task.state = taskPending
		sess.queueTask(task)
		return nil
	default:
		exp, max := sess.window()
		log.Warnf("dropping CmdSN %d outside window [%d, %d]", req.CmdSN, exp, max)
		return nil
	}
}

// drainPending runs queued tasks that became in-order after the window
// moved.
func (s *ISCSITargetDriver) drainPending(conn *iscsiConnection) error {
	for {
		task := conn.session.popReady()
		if task == nil {
			return nil
		}
		if err := s.execTask(task.conn, task); err != nil {
			return err
		}
	}
}

func (s *ISCSITargetDriver) newTask(conn *iscsiConnection, req *ISCSIPacket) *iscsiTask {
	scmd := &scsi.SCSICommand{
		Target:          conn.session.Target,
		SCB:             req.CDB,
		LUN:             lunFromPDU(req.LUN),
		Tag:             req.TaskTag,
		ExpectedDataLen: req.ExpectedDataLen,
	}
	if req.Write {
		scmd.Direction = scsi.SCSIDataWrite
	} else if req.Read {
		scmd.Direction = scsi.SCSIDataRead
	}
	return &iscsiTask{
		tag:  req.TaskTag,
		conn: conn,
		cmd:  req,
		scmd: scmd,
	}
}

// execTask runs one admitted command. Writes detour through the transfer
// engine; everything else executes and answers here.
func (s *ISCSITargetDriver) execTask(conn *iscsiConnection, task *iscsiTask) error {
	req := task.cmd
	if req.Write {
		if !scsi.IsWriteCommand(req.CDB[0]) {
			scsi.BuildSenseData(task.scmd, scsi.ILLEGAL_REQUEST, scsi.ASC_INVALID_FIELD_IN_CDB)
			return conn.sendSCSIResponse(task)
		}
		// bounds are checked before any data moves
		if stat := scsi.ParseTransfer(task.scmd); stat.Err != nil {
			task.scmd.Result = stat.Stat
			return conn.sendSCSIResponse(task)
		}
		return s.startWriteTask(conn, req, task)
	}

	if scsi.SCSICommandType(req.CDB[0]) == scsi.REQUEST_SENSE {
		task.scmd.LastSense = conn.session.takeLastSense()
	}
	stat := scsi.PerformCommand(task.scmd)
	task.scmd.Result = stat.Stat
	return conn.sendSCSIResponse(task)
}

// sendSCSIResponse answers a finished command: Data-In bursts with a
// phase-collapsed status for successful reads, a SCSI Response PDU with
// sense data otherwise.
func (c *iscsiConnection) sendSCSIResponse(task *iscsiTask) error {
	scmd := task.scmd
	if scmd.Result != scsi.SAM_STAT_GOOD {
		if scmd.SenseBuffer != nil {
			c.session.setLastSense(scmd.SenseBuffer)
		}
		resp := &ISCSIPacket{
			OpCode:  OpSCSIResp,
			TaskTag: task.tag,
			Status:  scmd.Result,
			RawData: senseData(scmd.SenseBuffer),
		}
		return c.send(resp)
	}

	if scmd.Direction == scsi.SCSIDataRead || len(scmd.InBuffer) > 0 {
		return c.sendDataIn(task)
	}

	resp := &ISCSIPacket{
		OpCode:  OpSCSIResp,
		TaskTag: task.tag,
		Status:  scsi.SAM_STAT_GOOD,
	}
	return c.send(resp)
}

// sendDataIn streams the read payload in bursts of at most
// MaxRecvDataSegmentLength, DataSN counting up from zero, final burst
// carrying the F bit and the collapsed GOOD status.
func (c *iscsiConnection) sendDataIn(task *iscsiTask) error {
	st := c.pub.Current()
	scmd := task.scmd
	data := scmd.InBuffer
	var resid uint32
	if scmd.ExpectedDataLen > 0 && uint32(len(data)) > scmd.ExpectedDataLen {
		// initiator asked for less than the command produced
		data = data[:scmd.ExpectedDataLen]
	} else if scmd.ExpectedDataLen > uint32(len(data)) {
		resid = scmd.ExpectedDataLen - uint32(len(data))
	}

	segment := int(st.MaxRecvDataSegmentLength)
	var dataSN, offset uint32
	for {
		n := len(data) - int(offset)
		if n > segment {
			n = segment
		}
		final := int(offset)+n >= len(data)
		resp := &ISCSIPacket{
			OpCode:       OpSCSIIn,
			TaskTag:      task.tag,
			Final:        final,
			HasStatus:    final,
			DataSN:       dataSN,
			BufferOffset: offset,
			RawData:      data[offset : int(offset)+n],
		}
		if final {
			resp.Status = scsi.SAM_STAT_GOOD
			resp.Resid = resid
		}
		if err := c.send(resp); err != nil {
			return err
		}
		if final {
			return nil
		}
		dataSN++
		offset += uint32(n)
	}
}

// senseData frames sense bytes with the two-byte length prefix the
// SCSI Response data segment requires.
func senseData(sense []byte) []byte {
	if len(sense) == 0 {
		return nil
	}
	return append(util.MarshalUint16(uint16(len(sense))), sense...)
}

func (s *ISCSITargetDriver) iscsiExecNoopOut(conn *iscsiConnection, req *ISCSIPacket) error {
	if req.TaskTag == 0xffffffff {
		// reply to a target NOP-In; nothing to answer
		return nil
	}
	if req.TargetXferTag != TTTReserved {
		return conn.reject(req, RejectInvalidPduField)
	}
	// ping: echo the data segment
	resp := &ISCSIPacket{
		OpCode:        OpNoopIn,
		TaskTag:       req.TaskTag,
		TargetXferTag: TTTReserved,
		LUN:           req.LUN,
		RawData:       req.RawData,
	}
	return conn.send(resp)
}

// iscsiExecText answers TEXT requests: SendTargets discovery on Discovery
// sessions, parameter renegotiation otherwise.
func (s *ISCSITargetDriver) iscsiExecText(conn *iscsiConnection, req *ISCSIPacket) error {
	keys := util.ParseKVText(req.RawData)
	var result []util.KeyValue

	if st, ok := util.KVLookup(keys, settings.KeySendTargets); ok {
		if conn.session.SessionType != settings.SessionDiscovery && st == "All" {
			return conn.reject(req, RejectProtocolError)
		}
		switch st {
		case "All":
			for _, name := range s.Registry.Names() {
				result = append(result, util.KeyValue{Key: settings.KeyTargetName, Value: name})
				result = append(result, util.KeyValue{
					Key:   settings.KeyTargetAddress,
					Value: fmt.Sprintf("%s,%d", s.portalAddress(conn), 1),
				})
			}
		case "":
			// the session's own target; nothing new to report on a
			// normal session
		default:
			if tgt := s.Registry.Get(st); tgt != nil {
				result = append(result, util.KeyValue{Key: settings.KeyTargetName, Value: tgt.Name})
				result = append(result, util.KeyValue{
					Key:   settings.KeyTargetAddress,
					Value: fmt.Sprintf("%s,%d", s.portalAddress(conn), 1),
				})
			}
		}
	} else {
		negoKeys, err := conn.negotiator.Negotiate(keys)
		if err != nil {
			log.Error(err)
			return conn.reject(req, RejectNegotiationReset)
		}
		if _, err := conn.negotiator.Commit(); err != nil {
			log.Error(err)
			return conn.reject(req, RejectNegotiationReset)
		}
		result = negoKeys
	}

	resp := &ISCSIPacket{
		OpCode:        OpTextResp,
		Final:         true,
		TaskTag:       req.TaskTag,
		TargetXferTag: TTTReserved,
		LUN:           req.LUN,
		RawData:       util.MarshalKVText(result),
	}
	return conn.send(resp)
}

// portalAddress renders the address the initiator should dial for
// discovery responses.
func (s *ISCSITargetDriver) portalAddress(conn *iscsiConnection) string {
	host, _, err := net.SplitHostPort(conn.conn.LocalAddr().String())
	if err != nil {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.Port))
}

// iscsiExecLogout drains the connection and answers; reason "close session"
// takes the whole session down once the response is on the wire.
func (s *ISCSITargetDriver) iscsiExecLogout(conn *iscsiConnection, req *ISCSIPacket) error {
	switch req.Reason {
	case LogoutCloseSession, LogoutCloseConnection:
	default:
		return conn.reject(req, RejectProtocolError)
	}
	conn.state = CONN_STATE_LOGOUT_PENDING
	resp := &ISCSIPacket{
		OpCode:       OpLogoutResp,
		TaskTag:      req.TaskTag,
		SCSIResponse: 0x00,
	}
	if err := conn.send(resp); err != nil {
		return err
	}
	conn.state = CONN_STATE_CLOSE
	return nil
}

// lunFromPDU flattens the 8-byte LUN field; only LUN 0 is exported.
func lunFromPDU(lun uint64) uint64 {
	return (lun >> 48) & 0x3fff
}
