// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package mgmt provides a trivial text based management interface over a
// local socket, for driving a running session from scripts or a shell.
package mgmt

import (
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/session"
)

const (
	cmdQuit       = "QUIT"
	cmdStatus     = "STATUS"
	cmdRotate     = "ROTATE"
	cmdConnect    = "CONNECT"
	cmdDisconnect = "DISCONNECT"
)

// StatusCode is a management protocol status code.
type StatusCode int

const (
	// StatusServiceReady is always sent on a new connection to signify
	// that the management interface is ready.
	StatusServiceReady StatusCode = 220

	// StatusOk signals successful completion of a command.
	StatusOk StatusCode = 250

	// StatusUnknownCommand is returned when a command is unknown.
	StatusUnknownCommand StatusCode = 500

	// StatusTransactionFailed is returned when the command has failed.
	StatusTransactionFailed StatusCode = 554
)

var statusToString = map[StatusCode]string{
	StatusServiceReady:      "ghostpass management ready",
	StatusOk:                "OK",
	StatusUnknownCommand:    "Unknown command",
	StatusTransactionFailed: "Transaction failed",
}

// Controller is the subset of the session the management interface drives.
type Controller interface {
	Connect() error
	Disconnect()
	RotateNow() error
	Snapshot() *session.Snapshot
}

// CommandHandlerFn is a command handler hook function.  Handlers fully
// handle a command including the response, and return an error only if the
// connection is to be closed immediately.
type CommandHandlerFn func(*Conn, string) error

// Server is a management interface instance bound to one session.
type Server struct {
	sync.WaitGroup

	path     string
	ctrl     Controller
	l        net.Listener
	log      *logging.Logger
	lf       *log.Backend
	handlers map[string]CommandHandlerFn

	closeAllCh chan interface{}

	connID uint64
}

// New constructs a management Server listening on the given unix socket
// path, but does not start the listener.
func New(path string, ctrl Controller, logBackend *log.Backend) *Server {
	s := &Server{
		path:       path,
		ctrl:       ctrl,
		log:        logBackend.GetLogger("mgmt"),
		lf:         logBackend,
		handlers:   make(map[string]CommandHandlerFn),
		closeAllCh: make(chan interface{}),
	}
	s.handlers[cmdQuit] = cmdQuitImpl
	s.handlers[cmdStatus] = s.onStatus
	s.handlers[cmdRotate] = s.onRotate
	s.handlers[cmdConnect] = s.onConnect
	s.handlers[cmdDisconnect] = s.onDisconnect
	return s
}

// RegisterCommand sets the handler function for the specified command.
// This MUST NOT be called after the Server has been started.
func (s *Server) RegisterCommand(cmd string, fn CommandHandlerFn) {
	s.handlers[strings.ToUpper(cmd)] = fn
}

// Start starts the Server's listener and begins accepting connections.
func (s *Server) Start() error {
	var err error
	s.l, err = net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.log.Debugf("Listening on: %v", s.path)

	s.Add(1)
	go func() {
		defer func() {
			s.l.Close()
			s.Done()
		}()
		for {
			conn, err := s.l.Accept()
			if err != nil {
				if e, ok := err.(net.Error); ok && e.Timeout() {
					s.log.Debugf("Transient accept failure: %v", err)
					continue
				}
				s.log.Debugf("Accept loop exiting: %v", err)
				return
			}
			s.log.Debugf("Accepted new connection: %d", atomic.LoadUint64(&s.connID)+1)

			c := newConn(s, conn)
			s.Add(1)
			go c.worker()
		}
	}()
	return nil
}

// Halt halts the Server.
func (s *Server) Halt() {
	if s.l != nil {
		s.l.Close()
		close(s.closeAllCh)
	}
	s.Wait()
	s.l = nil
}

func (s *Server) onCommand(c *Conn, l string) error {
	l = textproto.TrimString(l)
	cmd := strings.ToUpper(strings.SplitN(l, " ", 2)[0])

	fn, ok := s.handlers[cmd]
	if !ok {
		c.log.Debugf("Unknown command: %v", cmd)
		return c.WriteReply(StatusUnknownCommand)
	}
	return fn(c, l)
}

func (s *Server) onStatus(c *Conn, l string) error {
	snap := s.ctrl.Snapshot()
	w := c.Writer()

	wr := func(k string, v interface{}) {
		_ = w.PrintfLine("%v-%v %v", StatusOk, k, v)
	}
	wr("state", snap.State)
	wr("rotations", snap.Rotations)
	wr("rotation_failures", snap.RotationFailures)
	wr("encryption_auth_failures", snap.EncryptionAuthFailures)
	wr("killswitch_engaged", snap.KillSwitchEngaged)
	wr("score", fmt.Sprintf("%.2f", snap.Score))
	if snap.Identity != nil {
		wr("circuit", snap.Identity.CircuitID)
		wr("identity_age", snap.IdentityAge.Round(time.Second))
		if len(snap.Identity.Path) != 0 {
			wr("path", strings.Join(snap.Identity.Path, ","))
		}
	}
	if snap.LastLeak != nil {
		wr("leak_ip", snap.LastLeak.IPLeak)
		wr("leak_dns", snap.LastLeak.DNSLeak)
		wr("tunnel_live", snap.LastLeak.Live)
	}
	return c.WriteReply(StatusOk)
}

func (s *Server) onRotate(c *Conn, l string) error {
	if err := s.ctrl.RotateNow(); err != nil {
		c.log.Warningf("ROTATE failed: %v", err)
		return c.WriteReply(StatusTransactionFailed)
	}
	return c.WriteReply(StatusOk)
}

func (s *Server) onConnect(c *Conn, l string) error {
	if err := s.ctrl.Connect(); err != nil {
		c.log.Warningf("CONNECT failed: %v", err)
		return c.WriteReply(StatusTransactionFailed)
	}
	return c.WriteReply(StatusOk)
}

func (s *Server) onDisconnect(c *Conn, l string) error {
	s.ctrl.Disconnect()
	return c.WriteReply(StatusOk)
}

func cmdQuitImpl(c *Conn, l string) error {
	// Ignore the error writing the reply since we're disconnecting anyway.
	_ = c.WriteReply(StatusOk)
	return fmt.Errorf("peer requested disconnection")
}

// Conn is a management connection instance.
type Conn struct {
	s   *Server
	c   *textproto.Conn
	log *logging.Logger

	id uint64
}

func newConn(s *Server, conn net.Conn) *Conn {
	c := new(Conn)
	c.s = s
	c.c = textproto.NewConn(conn)
	c.id = atomic.AddUint64(&s.connID, 1)
	c.log = s.lf.GetLogger(fmt.Sprintf("mgmt:%d", c.id))
	return c
}

// Writer returns the underlying textproto.Writer.
func (c *Conn) Writer() *textproto.Writer {
	return &c.c.Writer
}

// WriteReply sends a StatusCode and its human readable reason to the peer.
func (c *Conn) WriteReply(status StatusCode) error {
	reason, ok := statusToString[status]
	if !ok {
		return fmt.Errorf("BUG: mgmt: unknown status code: %v", status)
	}
	return c.c.Writer.PrintfLine("%v %v", status, reason)
}

func (c *Conn) worker() {
	closedCh := make(chan interface{})
	defer func() {
		c.log.Debugf("Closing")
		c.c.Close()
		c.s.Done()
	}()

	if err := c.c.PrintfLine("%v %v", StatusServiceReady, statusToString[StatusServiceReady]); err != nil {
		c.log.Debugf("Failed to send banner: %v", err)
		return
	}

	go func() {
		defer close(closedCh)
		for {
			l, err := c.c.Reader.ReadLine()
			if err != nil {
				c.log.Debugf("Failed to receive command: %v", err)
				return
			}
			if err = c.s.onCommand(c, l); err != nil {
				c.log.Debugf("Connection closing: %v", err)
				return
			}
		}
	}()

	select {
	case <-c.s.closeAllCh:
		c.c.Close()
		<-closedCh
	case <-closedCh:
	}
}
