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
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/bfix/tor-control/internal/gerrors"
	"github.com/bfix/tor-control/logger"
)

//======================================================================
// Controller façade (spec.md §4.5): connect, authenticate, and the
// thin command wrappers (GETINFO, SIGNAL, MAPADDRESS, ADD_ONION,
// DEL_ONION).
//======================================================================

// Personalization strings for the SAFECOOKIE HMAC-SHA256 proofs
// (spec.md §4.5). Grounded on btcpayserver-lnd/tor/controller.go's
// serverKey/controllerKey, since the gospel teacher has no SAFECOOKIE
// support at all.
const (
	safeCookieServerKey     = "Tor safe cookie authentication server-to-controller hash"
	safeCookieControllerKey = "Tor safe cookie authentication controller-to-server hash"
)

// DefaultAddr is the default control-port endpoint.
const DefaultAddr = "127.0.0.1:9051"

// protocolInfo is the parsed result of the PROTOCOLINFO handshake.
type protocolInfo struct {
	methods    []string
	cookieFile string
}

// Controller is a client for one Tor control-port connection. It is
// valid for use after Connect followed by one successful Authenticate
// call (spec.md §3 Lifecycle).
type Controller struct {
	addr string

	mu     sync.Mutex
	sess   *Session
	auth   protocolInfo
	authed bool

	Events *EventBus
	Onions *OnionRegistry
}

// NewController returns a Controller for the given control-port address
// ("host:port"). Use DefaultAddr for Tor's default local endpoint.
func NewController(addr string) *Controller {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Controller{
		addr:   addr,
		Onions: newOnionRegistry(),
	}
}

// Connect opens the TCP connection, performs the PROTOCOLINFO handshake,
// and starts the event dispatch loop (spec.md §4.5 "connect").
func (c *Controller) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return gerrors.New(ErrConnectFailed, "dial %s: %v", c.addr, err)
	}
	logger.Printf(logger.INFO, "[Controller] connected to %s\n", c.addr)
	return c.bootstrap(conn)
}

// bootstrap runs the PROTOCOLINFO handshake over an already-open
// connection and starts the event bus. Split out from Connect so tests
// can drive it over a net.Pipe() instead of a real dialed socket.
func (c *Controller) bootstrap(conn net.Conn) error {
	c.mu.Lock()
	c.sess = newSession(conn)
	c.mu.Unlock()

	reply, err := c.sess.Do("PROTOCOLINFO 1")
	if err != nil {
		return gerrors.New(ErrConnectFailed, "PROTOCOLINFO: %v", err)
	}
	if reply.Status != 250 {
		return gerrors.New(ErrConnectFailed, "PROTOCOLINFO: status %d", reply.Status)
	}
	info, err := parseProtocolInfo(reply)
	if err != nil {
		return gerrors.New(ErrConnectFailed, "PROTOCOLINFO: %v", err)
	}
	c.mu.Lock()
	c.auth = info
	c.mu.Unlock()

	c.Events = newEventBus(c.sess)
	return nil
}

// parseProtocolInfo extracts the AUTH line's METHODS and COOKIEFILE
// fields from a PROTOCOLINFO reply.
func parseProtocolInfo(reply *Reply) (protocolInfo, error) {
	var info protocolInfo
	for _, line := range reply.Lines {
		args, kwargs := Parse(line)
		if len(args) == 0 || args[0] != "AUTH" {
			continue
		}
		if methods, ok := kwargs["METHODS"]; ok {
			info.methods = strings.Split(methods, ",")
		}
		info.cookieFile = kwargs["COOKIEFILE"]
		return info, nil
	}
	return info, fmt.Errorf("no AUTH line in PROTOCOLINFO reply")
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// Authenticate selects an authentication method from those advertised by
// PROTOCOLINFO, in the priority order of spec.md §4.5: NULL,
// HASHEDPASSWORD (only if a non-empty password was supplied -- a real
// membership test, resolving spec.md §9 Open Question (i)), SAFECOOKIE,
// then COOKIE.
func (c *Controller) Authenticate(password string) error {
	c.mu.Lock()
	info := c.auth
	c.mu.Unlock()

	var reply *Reply
	var err error
	switch {
	case contains(info.methods, "NULL"):
		reply, err = c.sess.Do("AUTHENTICATE")
	case contains(info.methods, "HASHEDPASSWORD") && password != "":
		reply, err = c.sess.Do("AUTHENTICATE \"" + password + "\"")
	case contains(info.methods, "SAFECOOKIE") && info.cookieFile != "":
		reply, err = c.authenticateSafeCookie(info.cookieFile)
	case contains(info.methods, "COOKIE") && info.cookieFile != "":
		reply, err = c.authenticateCookie(info.cookieFile)
	default:
		return ErrAuthUnavailable
	}
	if err != nil {
		// A dead session is ErrSessionTerminated, not an authentication
		// failure -- propagate it untouched, matching every other command
		// wrapper in this file (GetInfo, Signal, MapAddress, AddOnion,
		// DelOnion).
		if errors.Is(err, ErrSessionTerminated) {
			return err
		}
		return gerrors.New(ErrAuthFailed, "%v", err)
	}
	if reply.Status != 250 {
		return gerrors.New(ErrAuthFailed, "status %d", reply.Status)
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) authenticateCookie(cookieFile string) (*Reply, error) {
	cookie, err := os.ReadFile(cookieFile)
	if err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	return c.sess.Do("AUTHENTICATE " + hex.EncodeToString(cookie))
}

// authenticateSafeCookie performs the SAFECOOKIE challenge-response
// exchange (spec.md §4.5). The server hash comparison is constant-time
// via hmac.Equal; on mismatch no AUTHENTICATE command is sent.
func (c *Controller) authenticateSafeCookie(cookieFile string) (*Reply, error) {
	cookie, err := os.ReadFile(cookieFile)
	if err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	clientNonce := make([]byte, 32)
	if _, err := rand.Read(clientNonce); err != nil {
		return nil, fmt.Errorf("generating client nonce: %w", err)
	}

	reply, err := c.sess.Do("AUTHCHALLENGE SAFECOOKIE " + hex.EncodeToString(clientNonce))
	if err != nil {
		return nil, err
	}
	if reply.Status != 250 {
		return nil, fmt.Errorf("AUTHCHALLENGE: status %d", reply.Status)
	}
	_, kwargs := Parse(reply.Text())
	serverHash, err := hex.DecodeString(kwargs["SERVERHASH"])
	if err != nil {
		return nil, fmt.Errorf("decoding SERVERHASH: %w", err)
	}
	serverNonce, err := hex.DecodeString(kwargs["SERVERNONCE"])
	if err != nil {
		return nil, fmt.Errorf("decoding SERVERNONCE: %w", err)
	}

	msg := concatBytes(cookie, clientNonce, serverNonce)
	expected := computeHMAC(safeCookieServerKey, msg)
	if !hmac.Equal(expected, serverHash) {
		return nil, fmt.Errorf("invalid server hash")
	}
	proof := computeHMAC(safeCookieControllerKey, msg)
	return c.sess.Do("AUTHENTICATE " + hex.EncodeToString(proof))
}

func computeHMAC(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func concatBytes(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// GetInfo sends GETINFO for a single key and returns its bound value.
func (c *Controller) GetInfo(key string) (string, error) {
	reply, err := c.sess.Do("GETINFO " + key)
	if err != nil {
		return "", err
	}
	if reply.Status != 250 {
		return "", gerrors.New(ErrCommandFailed, "GETINFO %s: status %d", key, reply.Status)
	}
	kwargs := ParseKeywords(reply.Text())
	return kwargs[key], nil
}

// Signal sends SIGNAL <name> to the server.
func (c *Controller) Signal(name string) error {
	reply, err := c.sess.Do("SIGNAL " + name)
	if err != nil {
		return err
	}
	if reply.Status != 250 {
		return gerrors.New(ErrCommandFailed, "SIGNAL %s: status %d", name, reply.Status)
	}
	return nil
}

// MapAddress sends MAPADDRESS src=dst and returns the raw reply.
func (c *Controller) MapAddress(src, dst string) (*Reply, error) {
	reply, err := c.sess.Do(fmt.Sprintf("MAPADDRESS %s=%s", src, dst))
	if err != nil {
		return nil, err
	}
	if reply.Status != 250 {
		return nil, gerrors.New(ErrCommandFailed, "MAPADDRESS: status %d", reply.Status)
	}
	return reply, nil
}

// AddOnion registers an ephemeral onion service (spec.md §4.5
// "add_onion"). If wait is true, AddOnion blocks until an HS_DESC
// UPLOADED event for the new service's address arrives, bounded by ctx.
func (c *Controller) AddOnion(ctx context.Context, onion *Onion, wait bool) error {
	reply, err := c.sess.Do(onion.addOnionCommand())
	if err != nil {
		return err
	}
	if reply.Status != 250 {
		return gerrors.New(ErrCommandFailed, "ADD_ONION: status %d", reply.Status)
	}
	// one KEY=value per reply line; rejoin with CRLF so each value ends
	// at its own line instead of swallowing the following keys
	kwargs := ParseKeywords(strings.Join(reply.Lines, "\r\n"))
	if id, ok := kwargs["ServiceID"]; ok {
		onion.ID = id
	}
	if priv, ok := kwargs["PrivateKey"]; ok {
		parts := strings.SplitN(priv, ":", 2)
		if len(parts) == 2 {
			onion.KeyType = parts[0]
			onion.Key = parts[1]
		}
	}
	c.Onions.put(onion)

	if !wait {
		return nil
	}
	return c.waitForUpload(ctx, onion.ID)
}

// waitForUpload subscribes a one-shot HS_DESC listener that resolves
// when an UPLOADED event for id arrives (spec.md §4.5 "wait").
func (c *Controller) waitForUpload(ctx context.Context, id string) error {
	done := make(chan struct{})
	var once sync.Once
	var listener Listener
	listener = func(ev Event) error {
		hs, ok := ev.(*HSDescEvent)
		if !ok || hs.Address != id || hs.Action != "UPLOADED" {
			return nil
		}
		once.Do(func() { close(done) })
		return nil
	}
	if err := c.Events.On("HS_DESC", listener); err != nil {
		return err
	}
	defer c.Events.Off("HS_DESC", listener) //nolint:errcheck

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.sess.Done():
		return c.sess.Err()
	}
}

// DelOnion removes an ephemeral onion service and drops it from the
// registry (spec.md §4.5 "del_onion").
func (c *Controller) DelOnion(onion *Onion) error {
	reply, err := c.sess.Do("DEL_ONION " + onion.ID)
	if err != nil {
		return err
	}
	if reply.Status != 250 {
		return gerrors.New(ErrCommandFailed, "DEL_ONION: status %d", reply.Status)
	}
	c.Onions.remove(onion.ID)
	return nil
}

// Close terminates the session: any in-flight command fails with
// ErrSessionTerminated and the event dispatch loop stops. Registered
// listeners are not called with the error; they receive no further events.
func (c *Controller) Close() error {
	if c.Events != nil {
		c.Events.close()
	}
	if c.sess == nil {
		return nil
	}
	return c.sess.Close()
}
