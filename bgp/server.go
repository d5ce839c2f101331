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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Server is a BGP server: it owns the shared tables, accepts and dials
// peering connections, and runs one state machine per peer.
type Server struct {
	// Hostname is the server's short name. If present, it will be announced
	// to peers via the FQDN capability.
	Hostname string
	// Domainname is the server's domain. If present, it will be announced to
	// peers via the FQDN capability.
	Domainname string
	// RouterID is a unique identifier for this router within its AS. You must
	// populate this with a 32-bit number formatted as an IPv4 address.
	RouterID string
	// ASN is the autonomous system number. This is required.
	ASN uint32
	// RIB holds the routing table for each supported route family. At least
	// one of IPv4Unicast or IPv6Unicast must be present. Paths received from
	// all peers are merged here, and each peer is announced the best path per
	// prefix.
	RIB map[Family]*Table
	// AlwaysCompareMED extends the MED comparison during best path selection
	// to paths from different neighboring ASes. It only affects tables whose
	// Compare function is unset, and must not change after Serve is called.
	AlwaysCompareMED bool
	// CreatePeer is called when an incoming connection doesn't match any
	// predefined peer. If this function is non-nil and returns a non-error,
	// the connection will be accepted using the dynamically created peer.
	// Dynamic peers are destroyed when their TCP connection is closed.
	CreatePeer func(localAddr, remoteAddr netip.Addr, conn net.Conn) (*Peer, error)
	// Logger is the destination for structured logs. If nil, logs are
	// discarded.
	Logger *slog.Logger

	mu           sync.Mutex
	listeners    []net.Listener
	peers        map[netip.Addr]*Peer
	dynamicPeers map[*Peer]struct{}
	running      bool
	closed       bool
	serverClosed chan struct{}
	peersStopped chan struct{}
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return discardLogger
}

// routerID parses the configured router ID.
func (s *Server) routerID() (netip.Addr, error) {
	a, err := netip.ParseAddr(s.RouterID)
	if err != nil || !a.Is4() || a.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("router ID %q is not a nonzero IPv4 formatted identifier", s.RouterID)
	}
	return a, nil
}

// routerIDValue converts a router ID to its numeric form for comparisons.
func routerIDValue(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// addrFromNetAddr extracts the IP address and port from a net.Addr, with
// IPv4-mapped IPv6 addresses unmapped. It returns an invalid address for
// non-TCP transports.
func addrFromNetAddr(a net.Addr) (netip.Addr, int) {
	if t, ok := a.(*net.TCPAddr); ok {
		ap := t.AddrPort()
		return ap.Addr().Unmap(), int(ap.Port())
	}
	return netip.Addr{}, 0
}

func (s *Server) startPeer(p *Peer) error {
	// invariant: s.mu is locked
	if p.ConfigureListener != nil {
		for _, l := range s.listeners {
			if err := p.ConfigureListener(l); err != nil {
				return err
			}
		}
	}
	return p.start(s)
}

// AddPeer adds a peer.
//
// Peers that are added to a non-running server will be held idle until Serve
// is called. Peers that are added after the first call to Serve will
// immediately have their state machine start running.
func (s *Server) AddPeer(p *Peer) error {
	if !p.Addr.IsValid() {
		return fmt.Errorf("invalid peer address: %v", p.Addr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot add peer to closed server")
	}
	if s.peers[p.Addr] != nil {
		return fmt.Errorf("duplicate peer: %v", p.Addr)
	}
	if s.peers == nil {
		s.peers = map[netip.Addr]*Peer{}
	}
	s.peers[p.Addr] = p
	if s.running {
		return s.startPeer(p)
	}
	return nil
}

// RemovePeer stops a peer's state machine and removes it. Routes learned from
// the peer are withdrawn from the shared tables as its session ends.
func (s *Server) RemovePeer(peer netip.Addr) error {
	s.mu.Lock()
	p := s.peers[peer]
	if s.closed {
		s.mu.Unlock()
		return errors.New("cannot remove peer from closed server")
	}
	if p == nil {
		s.mu.Unlock()
		return fmt.Errorf("peer not found: %v", peer)
	}
	delete(s.peers, peer)
	running := s.running
	s.mu.Unlock()
	// Stopping blocks until the run loop exits, so it must happen without
	// holding the server lock.
	if running {
		p.stop()
	}
	return nil
}

func (s *Server) removeDynamicPeer(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dynamicPeers, p)
}

func (s *Server) matchPeer(conn net.Conn) (*Peer, error) {
	localAddr, _ := addrFromNetAddr(conn.LocalAddr())
	remoteAddr, remotePort := addrFromNetAddr(conn.RemoteAddr())
	if !localAddr.IsValid() || !remoteAddr.IsValid() {
		return nil, errors.New("unsupported peer address type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		fullMatch   []*Peer
		remoteMatch []*Peer
		localMatch  []*Peer
	)
	for _, p := range s.peers {
		switch {
		case remoteAddr == p.Addr && localAddr == p.LocalAddr:
			fullMatch = append(fullMatch, p)
		case remoteAddr == p.Addr && !p.LocalAddr.IsValid():
			remoteMatch = append(remoteMatch, p)
		case localAddr == p.LocalAddr && !p.Addr.IsValid():
			localMatch = append(localMatch, p)
		}
	}
	for _, match := range [][]*Peer{fullMatch, remoteMatch, localMatch} {
		switch len(match) {
		case 1:
			return match[0], nil
		case 0:
			continue
		default:
			return nil, errors.New("ambiguous match of more than one peer")
		}
	}
	if s.CreatePeer == nil {
		return nil, errors.New("unknown peer")
	}
	p, err := s.CreatePeer(localAddr, remoteAddr, conn)
	if err != nil {
		return nil, err
	}
	p.Addr = remoteAddr
	p.Port = remotePort
	p.Passive = true
	p.LocalAddr = localAddr
	p.dynamic = true
	if err := p.start(s); err != nil {
		return nil, err
	}
	s.dynamicPeers[p] = struct{}{}
	return p, nil
}

func (s *Server) acceptLoop(l net.Listener) error {
	defer s.Close() // close server if any listener fails
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept on %v: %v", l.Addr(), err)
		}
		p, err := s.matchPeer(conn)
		if err != nil {
			s.log().Info("rejecting connection", "remote", conn.RemoteAddr().String(), "err", err)
			conn.Close() // ignore errors
			continue
		}
		select {
		case p.fsm.acceptC <- conn:
			// We've successfully handed off the connection to the FSM!
		default:
			// The FSM's input queue is full; immediately close the connection so that
			// we don't block the accept loop. This can happen if the peer tries to
			// open two connections. It will never happen for dynamic peers because
			// those are created per-connection with an acceptC buffer size of 1.
			s.log().Info("rejecting connection", "remote", conn.RemoteAddr().String(), "err", "peer queue is full")
			conn.Close() // ignore errors
		}
	}
}

func (s *Server) start(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot start a closed server")
	}
	if len(s.RIB) == 0 {
		return errors.New("server has no routing tables")
	}
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	if s.running {
		for _, p := range s.peers {
			if p.ConfigureListener != nil {
				if err := p.ConfigureListener(l); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if _, err := s.routerID(); err != nil {
		return err
	}
	if s.AlwaysCompareMED {
		for _, t := range s.RIB {
			if t.Compare == nil {
				t.Compare = CompareAlwaysMED
			}
		}
	}
	s.running = true
	s.dynamicPeers = map[*Peer]struct{}{}
	s.serverClosed = make(chan struct{})
	s.peersStopped = make(chan struct{})
	for _, p := range s.peers {
		if err := s.startPeer(p); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the BGP protocol. A listener is optional, and multiple listeners
// can be provided by calling Serve concurrently in several goroutines. All
// concurrent calls to Serve block until a single call to Shutdown or Close is
// made.
func (s *Server) Serve(l net.Listener) error {
	if err := s.start(l); err != nil {
		return err
	}
	if l != nil {
		return s.acceptLoop(l)
	}
	<-s.serverClosed
	return errors.New("server closed")
}

// Shutdown terminates the server and closes all listeners. It waits for all
// peering connections to be closed before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close() // ignore errors
	select {
	case <-s.peersStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the server and closes all listeners. It does not wait for
// peering connections to be closed; to do that call Shutdown instead.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only invoke the close sequence once.
	if s.closed {
		return errors.New("server is already closed")
	}
	s.closed = true
	if s.serverClosed == nil {
		// The server was never started.
		s.serverClosed = make(chan struct{})
		s.peersStopped = make(chan struct{})
		close(s.serverClosed)
		close(s.peersStopped)
		return nil
	}
	close(s.serverClosed)

	// Close all listeners.
	var closeErr error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			// Only keep the first error from any listener.
			if closeErr == nil {
				closeErr = err
			}
		}
	}

	// Stop the peers, but don't wait for them.
	peers := make([]*Peer, 0, len(s.peers)+len(s.dynamicPeers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	for p := range s.dynamicPeers {
		peers = append(peers, p)
	}
	go func() {
		var wg sync.WaitGroup
		for _, p := range peers {
			wg.Add(1)
			go func(p *Peer) {
				p.stop()
				wg.Done()
			}(p)
		}
		wg.Wait()
		close(s.peersStopped)
	}()

	return closeErr
}
