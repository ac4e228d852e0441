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
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/settings"
	"github.com/storgo/stgt/pkg/util"
)

// loginFailure aborts the login with the given status class/detail. The
// connection closes after the response goes out.
type loginFailure struct {
	class  uint8
	detail uint8
	msg    string
}

func (e *loginFailure) Error() string {
	return e.msg
}

// iscsiExecLogin drives one login request through the CSG/NSG state
// machine: SecurityNegotiation(0) -> LoginOperationalNegotiation(1) ->
// FullFeaturePhase(3). Only AuthMethod=None traverses the security stage.
func (s *ISCSITargetDriver) iscsiExecLogin(conn *iscsiConnection, req *ISCSIPacket) error {
	p := &conn.loginParam
	conn.cid = req.ConnID
	p.iniCSG = req.CSG
	p.iniNSG = req.NSG
	p.iniCont = req.Cont
	p.iniTrans = req.Transit
	p.isid = req.ISID
	p.tsih = req.TSIH
	p.cmdSN = req.CmdSN
	conn.statSN = req.ExpStatSN

	if req.TSIH != ISCSI_UNSPEC_TSIH {
		// session reinstatement and MC/S are not supported
		return s.failLogin(conn, req, &loginFailure{
			class:  StatusClassInitiatorError,
			detail: StatusDetailSessionNotExist,
			msg:    fmt.Sprintf("no session with TSIH %d", req.TSIH),
		})
	}

	resp, err := s.loginResponse(conn, req)
	if err != nil {
		if lf, ok := err.(*loginFailure); ok {
			return s.failLogin(conn, req, lf)
		}
		return err
	}
	if err := conn.send(resp); err != nil {
		return err
	}
	if conn.state == CONN_STATE_LOGIN_FULL {
		conn.state = CONN_STATE_SCSI
		log.Infof("initiator %s entered full feature phase on %s (TSIH %d)",
			conn.session.Initiator, conn.conn.RemoteAddr(), conn.session.TSIH)
	}
	return nil
}

func (s *ISCSITargetDriver) loginResponse(conn *iscsiConnection, req *ISCSIPacket) (*ISCSIPacket, error) {
	p := &conn.loginParam

	resp := &ISCSIPacket{
		OpCode:  OpLoginResp,
		TaskTag: req.TaskTag,
		ISID:    req.ISID,
		CSG:     req.CSG,
		NSG:     req.CSG,
	}

	switch req.CSG {
	case SecurityNegotiation:
		conn.state = CONN_STATE_SECURITY
	case LoginOperationalNegotiation:
		conn.state = CONN_STATE_LOGIN
	default:
		return nil, &loginFailure{
			class:  StatusClassInitiatorError,
			detail: StatusDetailInitiatorError,
			msg:    fmt.Sprintf("bad CSG %v in login", req.CSG),
		}
	}

	negoKeys, err := conn.negotiator.Negotiate(util.ParseKVText(req.RawData))
	if err != nil {
		return nil, &loginFailure{
			class:  StatusClassInitiatorError,
			detail: StatusDetailInitiatorError,
			msg:    err.Error(),
		}
	}
	if !p.keyDeclared && conn.negotiator.SessionType() == settings.SessionNormal {
		negoKeys = s.loginKVDeclare(conn, negoKeys)
		p.keyDeclared = true
	}
	resp.RawData = util.MarshalKVText(negoKeys)

	// agree to transit when the initiator asked for it
	p.tgtTrans = req.Transit && !req.Cont
	p.tgtNSG = req.CSG
	if p.tgtTrans {
		p.tgtNSG = req.NSG
		switch {
		case req.CSG == SecurityNegotiation &&
			(req.NSG == LoginOperationalNegotiation || req.NSG == FullFeaturePhase):
		case req.CSG == LoginOperationalNegotiation && req.NSG == FullFeaturePhase:
		default:
			return nil, &loginFailure{
				class:  StatusClassInitiatorError,
				detail: StatusDetailInitiatorError,
				msg:    fmt.Sprintf("bad stage transition %v -> %v", req.CSG, req.NSG),
			}
		}
	}
	resp.Transit = p.tgtTrans
	resp.NSG = p.tgtNSG

	if p.tgtTrans && p.tgtNSG == FullFeaturePhase {
		sess, err := s.bindSession(conn)
		if err != nil {
			return nil, err
		}
		resp.TSIH = sess.TSIH
		resp.ExpCmdSN, resp.MaxCmdSN = sess.window()
		conn.state = CONN_STATE_LOGIN_FULL
	} else {
		resp.ExpCmdSN = req.CmdSN
		resp.MaxCmdSN = req.CmdSN + MAX_QUEUE_CMD - 1
	}
	return resp, nil
}

// loginKVDeclare appends the target-originated keys of the first response.
func (s *ISCSITargetDriver) loginKVDeclare(conn *iscsiConnection, keys []util.KeyValue) []util.KeyValue {
	keys = append(keys, util.KeyValue{Key: settings.KeyTargetPortalGroupTag, Value: strconv.Itoa(1)})
	if tgt := s.Registry.Get(conn.negotiator.TargetName()); tgt != nil && tgt.Alias != "" {
		keys = append(keys, util.KeyValue{Key: settings.KeyTargetAlias, Value: tgt.Alias})
	}
	return keys
}

// bindSession commits the negotiated settings and creates the session that
// enters full-feature phase.
func (s *ISCSITargetDriver) bindSession(conn *iscsiConnection) (*ISCSISession, error) {
	snapshot, err := conn.negotiator.Commit()
	if err != nil {
		return nil, &loginFailure{
			class:  StatusClassInitiatorError,
			detail: StatusDetailInitiatorError,
			msg:    err.Error(),
		}
	}

	sess, err := s.newSession(conn, snapshot)
	if err != nil {
		return nil, err
	}
	conn.session = sess
	return sess, nil
}

func (s *ISCSITargetDriver) failLogin(conn *iscsiConnection, req *ISCSIPacket, lf *loginFailure) error {
	log.Warnf("login failed: %s", lf.msg)
	resp := &ISCSIPacket{
		OpCode:       OpLoginResp,
		TaskTag:      req.TaskTag,
		ISID:         req.ISID,
		CSG:          req.CSG,
		NSG:          req.CSG,
		StatusClass:  lf.class,
		StatusDetail: lf.detail,
		ExpCmdSN:     req.CmdSN,
		MaxCmdSN:     req.CmdSN,
	}
	if err := conn.send(resp); err != nil {
		return err
	}
	conn.state = CONN_STATE_EXIT
	return nil
}
