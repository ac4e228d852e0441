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

// Package apiserver provides the read-only stats and discovery HTTP
// service: exported targets, live sessions, and Prometheus metrics.
package apiserver

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/user"
	"strconv"
	"strings"

	systemdActivation "github.com/coreos/go-systemd/activation"
	"github.com/docker/go-connections/sockets"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/storgo/stgt/pkg/iscsit"
	"github.com/storgo/stgt/pkg/scsi"
	"github.com/storgo/stgt/pkg/storage"
)

// Config provides the configuration for the API server.
type Config struct {
	SocketGroup string
	TLSConfig   *tls.Config
	Addrs       []Addr
}

// Addr contains string representation of address and its protocol (tcp,
// unix, fd).
type Addr struct {
	Proto string
	Addr  string
}

// Server serves the stats API over the configured listeners.
type Server struct {
	cfg      *Config
	registry *scsi.Registry
	driver   *iscsit.ISCSITargetDriver
	servers  []*HTTPServer
}

// HTTPServer contains an instance of http server and the listener.
type HTTPServer struct {
	srv *http.Server
	l   net.Listener
}

func (s *HTTPServer) Serve() error {
	return s.srv.Serve(s.l)
}

func (s *HTTPServer) Close() error {
	return s.l.Close()
}

// New returns a new instance of the server based on the specified
// configuration. It allocates resources for the requested listeners.
func New(cfg *Config, registry *scsi.Registry, driver *iscsit.ISCSITargetDriver) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		driver:   driver,
	}
	for _, addr := range cfg.Addrs {
		srv, err := s.newServer(addr.Proto, addr.Addr)
		if err != nil {
			return nil, err
		}
		log.Infof("stats API server created for %s (%s)", addr.Proto, addr.Addr)
		s.servers = append(s.servers, srv...)
	}
	return s, nil
}

// newServer sets up the required listeners for one proto://addr pair.
func (s *Server) newServer(proto, addr string) ([]*HTTPServer, error) {
	var (
		ls  []net.Listener
		err error
	)
	switch proto {
	case "fd":
		ls, err = listenFD(addr)
		if err != nil {
			return nil, err
		}
	case "tcp":
		l, err := sockets.NewTCPSocket(addr, s.cfg.TLSConfig)
		if err != nil {
			return nil, err
		}
		ls = append(ls, l)
	case "unix":
		gid, err := lookupGID(s.cfg.SocketGroup)
		if err != nil {
			return nil, fmt.Errorf("can't resolve unix socket group %q: %v", s.cfg.SocketGroup, err)
		}
		l, err := sockets.NewUnixSocket(addr, gid)
		if err != nil {
			return nil, fmt.Errorf("can't create unix socket %s: %v", addr, err)
		}
		ls = append(ls, l)
	default:
		return nil, fmt.Errorf("invalid protocol format: %q", proto)
	}

	var res []*HTTPServer
	handler := s.createMux()
	for _, l := range ls {
		res = append(res, &HTTPServer{
			srv: &http.Server{Handler: handler},
			l:   l,
		})
	}
	return res, nil
}

// lookupGID resolves a socket group given as a group name or a numeric gid
// string, defaulting to gid 0 when unset.
func lookupGID(group string) (int, error) {
	if group == "" {
		return 0, nil
	}
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// listenFD resolves systemd socket activation: "fd://" picks up every
// passed socket, "fd://N" a specific one.
func listenFD(addr string) ([]net.Listener, error) {
	listeners, err := systemdActivation.Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("no sockets found via socket activation: make sure the service was started by systemd")
	}
	if addr == "" || addr == "*" {
		return listeners, nil
	}
	fdNum := 0
	if _, err := fmt.Sscanf(addr, "%d", &fdNum); err != nil {
		return nil, fmt.Errorf("failed to parse systemd fd address: %q", addr)
	}
	fdOffset := fdNum - 3
	if len(listeners) < fdOffset+1 {
		return nil, fmt.Errorf("too few socket activated files passed in")
	}
	if listeners[fdOffset] == nil {
		return nil, fmt.Errorf("failed to listen on systemd activated file at fd %d", fdOffset+3)
	}
	return []net.Listener{listeners[fdOffset]}, nil
}

// Serve runs every configured listener and reports the first error.
func (s *Server) Serve() error {
	chErrors := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		go func(srv *HTTPServer) {
			var err error
			log.Infof("stats API listening on %s", srv.l.Addr())
			if err = srv.Serve(); err != nil && strings.Contains(err.Error(), "use of closed network connection") {
				err = nil
			}
			chErrors <- err
		}(srv)
	}
	for range s.servers {
		if err := <-chErrors; err != nil {
			return err
		}
	}
	return nil
}

// Wait runs Serve in the background and delivers its result to waitChan.
func (s *Server) Wait(waitChan chan error) {
	go func() {
		waitChan <- s.Serve()
	}()
}

// Close closes servers and thus stops receiving requests.
func (s *Server) Close() {
	for _, srv := range s.servers {
		if err := srv.Close(); err != nil {
			log.Error(err)
		}
	}
}

type targetInfo struct {
	Name                  string `json:"name"`
	Alias                 string `json:"alias,omitempty"`
	SizeBytes             int64  `json:"size_bytes"`
	BlockSize             int    `json:"block_size"`
	BytesReadPerSecond    int64  `json:"bytes_read_per_second"`
	BytesWrittenPerSecond int64  `json:"bytes_written_per_second"`
}

func (s *Server) createMux() *mux.Router {
	r := mux.NewRouter()
	r.Path("/v1/targets").Methods("GET").HandlerFunc(s.getTargets)
	r.Path("/v1/sessions").Methods("GET").HandlerFunc(s.getSessions)
	r.Path("/metrics").Methods("GET").Handler(promhttp.Handler())
	return r
}

func (s *Server) getTargets(w http.ResponseWriter, r *http.Request) {
	var infos []targetInfo
	for _, name := range s.registry.Names() {
		tgt := s.registry.Get(name)
		if tgt == nil {
			continue
		}
		infos = append(infos, targetInfo{
			Name:                  tgt.Name,
			Alias:                 tgt.Alias,
			SizeBytes:             tgt.Store.Size(),
			BlockSize:             storage.VirtualBlockSize,
			BytesReadPerSecond:    tgt.BytesReadPerSecond(),
			BytesWrittenPerSecond: tgt.BytesWrittenPerSecond(),
		})
	}
	writeJSON(w, infos)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.driver.Sessions())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err)
	}
}
