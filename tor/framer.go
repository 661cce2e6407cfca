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
	"strconv"

	"github.com/bfix/tor-control/internal/gerrors"
)

//======================================================================
// Reply framer: reads one status-prefixed, possibly multi-line reply
// from the control-port socket (spec.md §4.1).
//======================================================================

// readReply reads one complete reply from r. Every reply line begins
// with three ASCII status digits; the fourth byte selects continuation:
// ' ' final, '-' mid-reply line, '+' data-block introducer terminated by
// a lone ".\r\n". A malformed status prefix yields status -1 and
// ErrProtocolError.
func readReply(r *bufio.Reader) (*Reply, error) {
	reply := &Reply{Status: -1}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return reply, gerrors.New(ErrProtocolError, "short status line %q", line)
		}
		status, cerr := strconv.Atoi(line[:3])
		if cerr != nil {
			reply.Status = -1
			return reply, gerrors.New(ErrProtocolError, "non-digit status prefix %q", line[:3])
		}
		reply.Status = status
		tag := line[3]
		switch tag {
		case ' ':
			rest := line[4:]
			if rest != "OK\r\n" {
				reply.Lines = append(reply.Lines, trimCRLF(rest))
			}
			return reply, nil
		case '-':
			reply.Lines = append(reply.Lines, trimCRLF(line[4:]))
		case '+':
			block, err := readDataBlock(r, line[3:])
			if err != nil {
				return reply, err
			}
			reply.Lines = append(reply.Lines, block)
		default:
			reply.Status = -1
			return reply, gerrors.New(ErrProtocolError, "unknown continuation byte %q", tag)
		}
	}
}

// readDataBlock reads raw lines until and including a line that is
// exactly ".\r\n", prefixing the result with the data-block introducer
// (the '+' tag byte onward of the introducer line) so the grammar
// parser can recognize the binding.
func readDataBlock(r *bufio.Reader, introducer string) (string, error) {
	block := introducer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", gerrors.New(ErrProtocolError, "truncated data block: %v", err)
		}
		block += line
		if line == ".\r\n" {
			return block, nil
		}
	}
}

func trimCRLF(s string) string {
	if len(s) >= 2 && s[len(s)-2] == '\r' && s[len(s)-1] == '\n' {
		return s[:len(s)-2]
	}
	return s
}
