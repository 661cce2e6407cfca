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
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/bfix/tor-control/internal/gerrors"
	"github.com/bfix/tor-control/logger"
)

//======================================================================
// Asynchronous events (spec.md §4.4/§6): a tagged variant over the 16
// recognized event types, ported from the registered-constructor table
// of the Python original this spec was distilled from.
//======================================================================

// Event is implemented by every recognized asynchronous event variant.
type Event interface {
	// EventType returns the wire tag this event was built from (e.g. "BW").
	EventType() string
}

// BWEvent reports bandwidth used since the last such event.
type BWEvent struct {
	Read, Written string
	Kwargs        map[string]string
}

// EventType implements Event.
func (e *BWEvent) EventType() string { return "BW" }

// CircEvent reports a circuit status change.
type CircEvent struct {
	ID, Status string
	Path       string // empty if not present
	Kwargs     map[string]string
}

// EventType implements Event.
func (e *CircEvent) EventType() string { return "CIRC" }

// StreamEvent reports a stream status change.
type StreamEvent struct {
	ID, Status, CircID, Target string
	Kwargs                     map[string]string
}

// EventType implements Event.
func (e *StreamEvent) EventType() string { return "STREAM" }

// AddrMapEvent reports an address mapping change.
type AddrMapEvent struct {
	Hostname, Destination, Expiry string
	Kwargs                        map[string]string
}

// EventType implements Event.
func (e *AddrMapEvent) EventType() string { return "ADDRMAP" }

// HSDescEvent reports hidden-service descriptor fetch/publish activity.
type HSDescEvent struct {
	Action, Address, Authentication, Directory string
	DescriptorID                               string // empty if not present
	Kwargs                                      map[string]string
}

// EventType implements Event.
func (e *HSDescEvent) EventType() string { return "HS_DESC" }

// StreamBWEvent reports per-stream bandwidth usage.
type StreamBWEvent struct {
	ID, Written, Read, Time string
	Kwargs                  map[string]string
}

// EventType implements Event.
func (e *StreamBWEvent) EventType() string { return "STREAM_BW" }

// NetworkLivenessEvent reports a change in perceived network reachability.
type NetworkLivenessEvent struct {
	Status string
	Kwargs map[string]string
}

// EventType implements Event.
func (e *NetworkLivenessEvent) EventType() string { return "NETWORK_LIVENESS" }

// GuardEvent reports a guard-node status change.
type GuardEvent struct {
	GuardType, Endpoint, Status string
	Kwargs                      map[string]string
}

// EventType implements Event.
func (e *GuardEvent) EventType() string { return "GUARD" }

// SignalEvent echoes a signal the server processed.
type SignalEvent struct {
	Signal string
	Kwargs map[string]string
}

// EventType implements Event.
func (e *SignalEvent) EventType() string { return "SIGNAL" }

// ORConnEvent reports an OR-connection status change.
type ORConnEvent struct {
	Endpoint, Status string
	Kwargs           map[string]string
}

// EventType implements Event.
func (e *ORConnEvent) EventType() string { return "ORCONN" }

// CircMinorEvent reports a minor circuit change not covered by CircEvent.
type CircMinorEvent struct {
	ID, Event string
	Path      string // empty if not present
	Kwargs    map[string]string
}

// EventType implements Event.
func (e *CircMinorEvent) EventType() string { return "CIRC_MINOR" }

// StatusGeneralEvent reports a general status change.
type StatusGeneralEvent struct {
	Runlevel, Action string
	Kwargs           map[string]string
}

// EventType implements Event.
func (e *StatusGeneralEvent) EventType() string { return "STATUS_GENERAL" }

// StatusClientEvent reports a client status change.
type StatusClientEvent struct {
	Runlevel, Action string
	Kwargs           map[string]string
}

// EventType implements Event.
func (e *StatusClientEvent) EventType() string { return "STATUS_CLIENT" }

// StatusServerEvent reports a server status change.
type StatusServerEvent struct {
	Runlevel, Action string
	Kwargs           map[string]string
}

// EventType implements Event.
func (e *StatusServerEvent) EventType() string { return "STATUS_SERVER" }

// HSDescContentEvent carries the raw content of a fetched hidden-service
// descriptor.
type HSDescContentEvent struct {
	Address, DescriptorID, Directory string
	Kwargs                           map[string]string
}

// EventType implements Event.
func (e *HSDescContentEvent) EventType() string { return "HS_DESC_CONTENT" }

// TransportLaunchedEvent reports a pluggable transport having started.
type TransportLaunchedEvent struct {
	TransportType, Name, Address, Port string
	Kwargs                             map[string]string
}

// EventType implements Event.
func (e *TransportLaunchedEvent) EventType() string { return "TRANSPORT_LAUNCHED" }

// argAt returns args[i], or "" if out of range -- Tor never truncates a
// known event's required fields in practice, but a short read should not
// panic the dispatcher.
func argAt(args []string, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}

// eventCtors maps a wire tag to a constructor taking the event's
// positional args (the tag itself excluded) and residual keyword map.
var eventCtors = map[string]func(args []string, kwargs map[string]string) Event{
	"BW": func(a []string, k map[string]string) Event {
		return &BWEvent{Read: argAt(a, 0), Written: argAt(a, 1), Kwargs: k}
	},
	"CIRC": func(a []string, k map[string]string) Event {
		return &CircEvent{ID: argAt(a, 0), Status: argAt(a, 1), Path: argAt(a, 2), Kwargs: k}
	},
	"STREAM": func(a []string, k map[string]string) Event {
		return &StreamEvent{ID: argAt(a, 0), Status: argAt(a, 1), CircID: argAt(a, 2), Target: argAt(a, 3), Kwargs: k}
	},
	"ADDRMAP": func(a []string, k map[string]string) Event {
		return &AddrMapEvent{Hostname: argAt(a, 0), Destination: argAt(a, 1), Expiry: argAt(a, 2), Kwargs: k}
	},
	"HS_DESC": func(a []string, k map[string]string) Event {
		return &HSDescEvent{
			Action: argAt(a, 0), Address: argAt(a, 1), Authentication: argAt(a, 2),
			Directory: argAt(a, 3), DescriptorID: argAt(a, 4), Kwargs: k,
		}
	},
	"STREAM_BW": func(a []string, k map[string]string) Event {
		return &StreamBWEvent{ID: argAt(a, 0), Written: argAt(a, 1), Read: argAt(a, 2), Time: argAt(a, 3), Kwargs: k}
	},
	"NETWORK_LIVENESS": func(a []string, k map[string]string) Event {
		return &NetworkLivenessEvent{Status: argAt(a, 0), Kwargs: k}
	},
	"GUARD": func(a []string, k map[string]string) Event {
		return &GuardEvent{GuardType: argAt(a, 0), Endpoint: argAt(a, 1), Status: argAt(a, 2), Kwargs: k}
	},
	"SIGNAL": func(a []string, k map[string]string) Event {
		return &SignalEvent{Signal: argAt(a, 0), Kwargs: k}
	},
	"ORCONN": func(a []string, k map[string]string) Event {
		return &ORConnEvent{Endpoint: argAt(a, 0), Status: argAt(a, 1), Kwargs: k}
	},
	"CIRC_MINOR": func(a []string, k map[string]string) Event {
		return &CircMinorEvent{ID: argAt(a, 0), Event: argAt(a, 1), Path: argAt(a, 2), Kwargs: k}
	},
	"STATUS_GENERAL": func(a []string, k map[string]string) Event {
		return &StatusGeneralEvent{Runlevel: argAt(a, 0), Action: argAt(a, 1), Kwargs: k}
	},
	"STATUS_CLIENT": func(a []string, k map[string]string) Event {
		return &StatusClientEvent{Runlevel: argAt(a, 0), Action: argAt(a, 1), Kwargs: k}
	},
	"STATUS_SERVER": func(a []string, k map[string]string) Event {
		return &StatusServerEvent{Runlevel: argAt(a, 0), Action: argAt(a, 1), Kwargs: k}
	},
	"HS_DESC_CONTENT": func(a []string, k map[string]string) Event {
		return &HSDescContentEvent{Address: argAt(a, 0), DescriptorID: argAt(a, 1), Directory: argAt(a, 2), Kwargs: k}
	},
	"TRANSPORT_LAUNCHED": func(a []string, k map[string]string) Event {
		return &TransportLaunchedEvent{
			TransportType: argAt(a, 0), Name: argAt(a, 1), Address: argAt(a, 2), Port: argAt(a, 3), Kwargs: k,
		}
	},
}

// decodeEvent turns a raw 650 reply into a typed Event. Unknown event
// types yield (nil, false) and must be dropped silently by the caller
// (spec.md §3 "forward-compatibility").
func decodeEvent(reply *Reply) (Event, bool) {
	args, kwargs := Parse(reply.Text())
	if len(args) == 0 {
		return nil, false
	}
	ctor, ok := eventCtors[args[0]]
	if !ok {
		return nil, false
	}
	return ctor(args[1:], kwargs), true
}

// Listener receives events for the type(s) it was subscribed to. A
// returned error is reported to the bus's error sink; it does not stop
// dispatch to sibling listeners of the same event.
type Listener func(Event) error

// EventBus subscribes/unsubscribes listeners by event type, keeps the
// Tor server's SETEVENTS registration in sync with the live listener
// set, and dispatches events sequentially per type (spec.md §4.4).
type EventBus struct {
	sess *Session

	mu        sync.Mutex
	listeners map[string][]Listener
	live      map[string]bool // currently-registered SETEVENTS set

	// OnError receives errors returned by listeners during dispatch. It
	// may be nil, in which case listener errors are logged and dropped.
	OnError func(eventType string, err error)

	closeOnce sync.Once
	stopCh    chan struct{}
}

func newEventBus(sess *Session) *EventBus {
	b := &EventBus{
		sess:      sess,
		listeners: make(map[string][]Listener),
		live:      make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// On subscribes listener for events of the given type, issuing SETEVENTS
// if this is the first listener for that type.
func (b *EventBus) On(eventType string, listener Listener) error {
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], listener)
	b.mu.Unlock()
	return b.sync()
}

// Off unsubscribes listener for the given type, issuing SETEVENTS if
// this removes the last listener for that type. Listener identity is
// compared by pointer, matching Go's function-value equality rules; the
// exact same function value passed to On must be passed here.
func (b *EventBus) Off(eventType string, listener Listener) error {
	b.mu.Lock()
	list := b.listeners[eventType]
	for i := range list {
		if sameFunc(list[i], listener) {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.listeners, eventType)
	} else {
		b.listeners[eventType] = list
	}
	b.mu.Unlock()
	return b.sync()
}

// sync diffs the live listener-type set against the last SETEVENTS sent
// and, if changed, issues a new SETEVENTS command (spec.md §4.4).
func (b *EventBus) sync() error {
	b.mu.Lock()
	want := make(map[string]bool, len(b.listeners))
	for t, l := range b.listeners {
		if len(l) > 0 {
			want[t] = true
		}
	}
	changed := len(want) != len(b.live)
	if !changed {
		for t := range want {
			if !b.live[t] {
				changed = true
				break
			}
		}
	}
	if !changed {
		b.mu.Unlock()
		return nil
	}
	types := make([]string, 0, len(want))
	for t := range want {
		types = append(types, t)
	}
	sort.Strings(types)
	b.live = want
	b.mu.Unlock()

	reply, err := b.sess.Do("SETEVENTS " + strings.Join(types, " "))
	if err != nil {
		return err
	}
	if reply.Status != 250 {
		return gerrors.New(ErrCommandFailed, "SETEVENTS: status %d", reply.Status)
	}
	return nil
}

// dispatchLoop consumes events from the session in arrival order and
// invokes each registered listener for that type sequentially, so a
// listener may mutate shared state without additional locking.
func (b *EventBus) dispatchLoop() {
	for {
		select {
		case reply := <-b.sess.Events():
			event, ok := decodeEvent(reply)
			if !ok {
				continue // unknown event type: dropped silently
			}
			b.mu.Lock()
			list := append([]Listener(nil), b.listeners[event.EventType()]...)
			b.mu.Unlock()
			for _, l := range list {
				if err := l(event); err != nil {
					if b.OnError != nil {
						b.OnError(event.EventType(), err)
					} else {
						logger.Printf(logger.WARN, "[EventBus] listener error for %s: %v\n", event.EventType(), err)
					}
				}
			}
		case <-b.sess.Done():
			return
		case <-b.stopCh:
			return
		}
	}
}

// close stops the dispatch loop.
func (b *EventBus) close() {
	b.closeOnce.Do(func() { close(b.stopCh) })
}

// sameFunc compares two Listener values by identity. Go does not allow
// comparing func values with ==, so reflect is used; callers that need
// Off must pass back the same variable (not a re-created closure).
func sameFunc(a, b Listener) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
