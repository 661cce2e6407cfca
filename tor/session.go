package tor

//----------------------------------------------------------------------
// This file is part of Gospel.
// Copyright (C) 2011-2023 Bernd Fix  >Y<
//
// Gospel is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// Gospel is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"github.com/bfix/tor-control/internal/gerrors"
	"github.com/bfix/tor-control/logger"
)

//======================================================================
// Session multiplexer (spec.md §4.3): one reader goroutine services the
// socket for the session's lifetime, routing status-650 replies to the
// event channel and everything else to the response channel. Writers
// serialize through cmdMu so reply-to-command pairing stays FIFO even
// though events may arrive interleaved on the wire.
//======================================================================

// Session owns a control-port connection and multiplexes command
// replies and asynchronous events read from it.
type Session struct {
	conn  net.Conn
	rdr   *bufio.Reader
	cmdMu sync.Mutex // serializes Do() calls: one in-flight command at a time

	respCh  chan *Reply
	eventCh chan *Reply

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// newSession wraps conn in a Session and starts its reader goroutine.
func newSession(conn net.Conn) *Session {
	s := &Session{
		conn:    conn,
		rdr:     bufio.NewReader(conn),
		respCh:  make(chan *Reply),
		eventCh: make(chan *Reply, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop is the session's single reader task. It never reads
// concurrently with itself and never blocks a writer, satisfying the
// "single-threaded cooperative" scheduling model of spec.md §5.
func (s *Session) readLoop() {
	for {
		reply, err := readReply(s.rdr)
		if err != nil {
			// A framing/grammar violation is a distinct, caller-observable
			// error kind (spec.md §7 ProtocolError) and must keep its
			// sentinel intact; only genuine I/O closure becomes
			// ErrSessionTerminated.
			if errors.Is(err, ErrProtocolError) {
				s.terminate(err)
			} else {
				s.terminate(gerrors.New(ErrSessionTerminated, "reader: %v", err))
			}
			return
		}
		if reply.IsEvent() {
			select {
			case s.eventCh <- reply:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case s.respCh <- reply:
		case <-s.done:
			return
		}
	}
}

// terminate closes the done channel exactly once, unblocking any
// goroutine waiting on respCh/eventCh/done.
func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
	})
}

// Do sends cmd (without its trailing "\r\n") and waits for the matching
// response, draining exactly one entry from respCh. Only one Do may be
// in flight at a time; the command mutex is held until a reply has been
// consumed, even if the caller's context is cancelled, because Tor has
// no command-cancellation facility (spec.md §5 "Cancellation").
func (s *Session) Do(cmd string) (*Reply, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	logger.Printf(logger.DBG, "[Session] <<< %s\n", cmd)
	if _, err := s.conn.Write([]byte(cmd + "\r\n")); err != nil {
		s.terminate(gerrors.New(ErrSessionTerminated, "write: %v", err))
		return nil, s.closeErr
	}
	select {
	case reply := <-s.respCh:
		logger.Printf(logger.DBG, "[Session] >>> status=%d lines=%d\n", reply.Status, len(reply.Lines))
		return reply, nil
	case <-s.done:
		return nil, s.closeErr
	}
}

// Events returns the channel of asynchronous (status 650) replies. Only
// the event bus should consume from it.
func (s *Session) Events() <-chan *Reply {
	return s.eventCh
}

// Done returns a channel that is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once the session has closed, or nil
// while still active.
func (s *Session) Err() error {
	return s.closeErr
}

// Close shuts down the underlying connection and terminates the session.
func (s *Session) Close() error {
	s.terminate(gerrors.New(ErrSessionTerminated, "closed by caller"))
	return s.conn.Close()
}
