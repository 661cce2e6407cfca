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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"
)

//======================================================================
// Onion (ephemeral hidden service) handle and ed25519-based v3 onion
// identifier derivation (spec.md §3 "Onion service handle", §4.6).
//======================================================================

// Error codes for onion key/handle handling.
var (
	ErrOnionInvalidSeed = fmt.Errorf("tor: invalid ed25519 seed length")
	ErrOnionInvalidPort = fmt.Errorf("tor: invalid onion port")
	ErrOnionNotFound    = fmt.Errorf("tor: onion not registered")
)

// onionChecksumStr is the fixed personalization prefix mixed into the
// onion-identifier checksum (control-spec rend-spec-v3 onion address
// format).
const onionChecksumStr = ".onion checksum"

// Onion is the client-side handle for an ephemeral hidden service
// (spec.md §3 "Onion service handle").
type Onion struct {
	KeyType string         // "NEW", "ED25519-V3", ...
	Key     string         // "BEST" for NEW, else base64 64-byte expanded key
	ID      string         // 56-char lowercase base32 v3 identifier (no ".onion")
	Ports   map[int]string // virtual port -> "host:port" or "unix:/path"
}

// NewRandomOnion returns a handle requesting the server generate a fresh
// best-available key (ADD_ONION NEW:BEST). Its ID is populated once the
// server replies to ADD_ONION.
func NewRandomOnion() *Onion {
	return &Onion{
		KeyType: "NEW",
		Key:     "BEST",
		Ports:   make(map[int]string),
	}
}

// NewOnionFromKey derives an Onion handle from a caller-supplied ed25519
// seed (32 bytes), computing both the Tor-format expanded private key
// and the locally-derived v3 identifier (spec.md §4.6).
func NewOnionFromKey(seed []byte) (*Onion, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrOnionInvalidSeed
	}
	key, err := encodeExpandedKey(seed)
	if err != nil {
		return nil, err
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return &Onion{
		KeyType: "ED25519-V3",
		Key:     key,
		ID:      idFromPublicKey(pub),
		Ports:   make(map[int]string),
	}, nil
}

// NewRandomOnionKey generates a fresh random ed25519 seed and returns the
// Onion handle derived from it, for callers that want the private key
// available locally rather than server-generated (spec.md §4.6
// "random()").
func NewRandomOnionKey() (*Onion, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewOnionFromKey(seed)
}

// AddPort maps a virtual port to a target ("host:port" or "unix:/path").
func (o *Onion) AddPort(virtual int, target string) error {
	if virtual < 1 || virtual > 65535 {
		return ErrOnionInvalidPort
	}
	if o.Ports == nil {
		o.Ports = make(map[int]string)
	}
	o.Ports[virtual] = target
	return nil
}

// addOnionCommand renders the ADD_ONION command line for this handle,
// in ascending virtual-port order for deterministic wire output.
func (o *Onion) addOnionCommand() string {
	var b strings.Builder
	b.WriteString("ADD_ONION ")
	b.WriteString(o.KeyType)
	b.WriteString(":")
	b.WriteString(o.Key)
	ports := make([]int, 0, len(o.Ports))
	for p := range o.Ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	for _, p := range ports {
		b.WriteString(" Port=")
		b.WriteString(strconv.Itoa(p))
		b.WriteString(",")
		b.WriteString(o.Ports[p])
	}
	return b.String()
}

//----------------------------------------------------------------------
// Key encoding (spec.md §4.6)
//----------------------------------------------------------------------

// encodeExpandedKey converts an ed25519 seed into Tor's "ED25519-V3" key
// encoding: SHA-512 the seed, clamp per RFC 8032, base64-encode the full
// 64-byte digest.
func encodeExpandedKey(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", ErrOnionInvalidSeed
	}
	h := sha512.Sum512(seed)
	h[0] &= 0xF8
	h[31] &= 0x7F
	h[31] |= 0x40
	return base64.StdEncoding.EncodeToString(h[:]), nil
}

// idFromPublicKey computes the 56-character v3 onion identifier for an
// ed25519 public key: a SHA3-256 checksum over a fixed personalization
// string, the public key, and a version byte, base32-encoded together
// with the key and version byte (spec.md §4.6).
func idFromPublicKey(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(onionChecksumStr))
	h.Write(pub)
	h.Write([]byte{0x03})
	sum := h.Sum(nil)[:2]

	combined := make([]byte, 0, len(pub)+len(sum)+1)
	combined = append(combined, pub...)
	combined = append(combined, sum...)
	combined = append(combined, 0x03)

	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(combined)
	return strings.ToLower(enc)
}

//----------------------------------------------------------------------
// Registry (spec.md §3 Invariants: "An onion handle tracked in the
// registry is live iff the server considers the service registered")
//----------------------------------------------------------------------

// OnionRegistry tracks ephemeral onion services registered through this
// controller. It is explicit, controller-owned state rather than a
// process-wide singleton (spec.md §9).
type OnionRegistry struct {
	mu   sync.Mutex
	byID map[string]*Onion
}

func newOnionRegistry() *OnionRegistry {
	return &OnionRegistry{byID: make(map[string]*Onion)}
}

func (r *OnionRegistry) put(o *Onion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[o.ID] = o
}

func (r *OnionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns the registered handle for id, if any.
func (r *OnionRegistry) Get(id string) (*Onion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byID[id]
	return o, ok
}
