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

import "fmt"

// Error kinds surfaced by this package. Callers should compare with
// errors.Is against these sentinels; the concrete error returned is
// usually wrapped with additional context (failing command, raw reply).
var (
	// ErrConnectFailed is returned when the socket could not be opened or
	// PROTOCOLINFO did not return status 250.
	ErrConnectFailed = fmt.Errorf("tor: connect failed")

	// ErrAuthUnavailable is returned when none of the advertised
	// authentication methods can be satisfied with the supplied
	// credentials.
	ErrAuthUnavailable = fmt.Errorf("tor: no authentication method available")

	// ErrAuthFailed is returned when an authentication command returned a
	// non-250 status, or the SAFECOOKIE server hash did not verify.
	ErrAuthFailed = fmt.Errorf("tor: authentication failed")

	// ErrProtocolError is returned on a framing violation: a non-digit
	// status prefix, a short status line, an unknown continuation byte,
	// or a data block cut off before its terminator. It terminates the
	// session. The grammar parser (Parse, ParseKeywords) reports no
	// errors, so malformed keyword syntax does not produce it.
	ErrProtocolError = fmt.Errorf("tor: protocol error")

	// ErrCommandFailed is returned when a command (other than
	// authentication) returns a status other than 250.
	ErrCommandFailed = fmt.Errorf("tor: command failed")

	// ErrSessionTerminated is returned to all pending commands once the
	// underlying socket has closed. Event listeners are not called with it.
	ErrSessionTerminated = fmt.Errorf("tor: session terminated")
)
