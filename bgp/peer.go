// Copyright 2025 The FeatherBGP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"github.com/featherbgp/featherbgp/wire"
)

// A Filter is a function that runs upon import or export of a path.
//
// Import filters always receive a new instance of a Path and may safely
// modify it to apply local policy. Export filters receive a deep copy of the
// Path from the local table and may also modify it freely.
//
// A filter may return ErrDiscard to terminate the evaluation of the filter
// chain and prevent the path from being imported or exported.
type Filter func(prefix netip.Prefix, p *Path) error

// ErrDiscard is returned by filters that have made an explicit decision to
// discard a path.
var ErrDiscard = errors.New("discard")

// runFilters evaluates a filter chain against a path. The first error stops
// the chain.
func runFilters(filters []Filter, prefix netip.Prefix, p *Path) error {
	for _, f := range filters {
		if err := f(prefix, p); err != nil {
			return err
		}
	}
	return nil
}

// DefaultImportFilter applies common acceptance policy for externally learned
// paths: the next hop must be a valid unicast address. It is not installed
// automatically; include it in a peer's ImportFilters to use it.
func DefaultImportFilter(prefix netip.Prefix, p *Path) error {
	if !p.Nexthop.IsValid() || p.Nexthop.IsUnspecified() || p.Nexthop.IsMulticast() {
		return errors.New("unusable nexthop")
	}
	return nil
}

// A Peer is a BGP neighbor.
type Peer struct {
	// Addr is the address of the peer. This is required for configured peers.
	Addr netip.Addr
	// Port is the port on which the peer listens.
	// If not set, port 179 is assumed.
	Port int
	// Passive inhibits dialing the peer. The local server will still listen
	// for incoming connections from the peer.
	Passive bool

	// LocalAddr is the local address.
	LocalAddr netip.Addr

	// ASN is the expected ASN of the peer.
	// If present, it will be verified upon connection establishment.
	ASN uint32

	// ImportFilters run for each path received from the peer before it is
	// inserted into the shared table of the path's route family.
	ImportFilters []Filter

	// ExportFilters run for each path to be announced to the peer, after the
	// built in loop prevention and attribute rewriting.
	ExportFilters []Filter

	// Timers holds optional parameters to control the hold time and keepalive
	// of the BGP session.
	Timers *Timers

	// DialerControl is called after creating the network connection but before
	// actually dialing. See https://pkg.go.dev/net#Dialer.Control for details.
	DialerControl func(network, address string, c syscall.RawConn) error

	// ConfigureListener is called for each of the server's listeners when the
	// peer is added, e.g. to install a TCP MD5 key.
	ConfigureListener func(l net.Listener) error

	fsm     *fsm
	dynamic bool
}

func (p *Peer) localAddr() net.Addr {
	if !p.LocalAddr.IsValid() {
		return nil
	}
	return &net.TCPAddr{
		IP:   net.IP(p.LocalAddr.AsSlice()),
		Zone: p.LocalAddr.Zone(),
	}
}

func (p *Peer) dialAddr() string {
	port := 179
	if p.Port != 0 {
		port = p.Port
	}
	if p.Addr.Is6() {
		return "[" + p.Addr.String() + "]:" + strconv.Itoa(port)
	}
	return p.Addr.String() + ":" + strconv.Itoa(port)
}

func (p *Peer) transportAFI() uint16 {
	for _, a := range []netip.Addr{p.LocalAddr, p.Addr} {
		if afi := wire.AFIFor(a); afi != 0 {
			return afi
		}
	}
	return 0
}

func (p *Peer) start(s *Server) error {
	if p.fsm != nil {
		return errors.New("tried to start the same peer twice")
	}
	p.fsm = &fsm{
		server:   s,
		peer:     p,
		timers:   newTimers(p.Timers),
		acceptC:  make(chan net.Conn, 1),
		refreshC: make(chan Family, 4),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
	go p.fsm.run()
	return nil
}

func (p *Peer) stop() {
	if p.fsm == nil {
		// The peer was added to a server that never started.
		return
	}
	p.fsm.stop()
}
