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

// This file implements the session state machine of
// https://datatracker.ietf.org/doc/html/rfc4271#section-8, reduced to the
// states a speaker actually passes through: each peer runs one goroutine
// that moves through the states sequentially and spawns send/receive
// goroutines only while established.

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/jpillora/backoff"

	"github.com/featherbgp/featherbgp/wire"
)

type fsmState uint8

const (
	stateIdle fsmState = iota
	stateConnect
	stateActive
	stateOpenSent
	stateOpenConfirm
	stateEstablished
	// stateTerminate is an additional state used as a signal to terminate the
	// run loop.
	stateTerminate
)

func (s fsmState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateConnect:
		return "CONNECT"
	case stateActive:
		return "ACTIVE"
	case stateOpenSent:
		return "OPENSENT"
	case stateOpenConfirm:
		return "OPENCONFIRM"
	case stateEstablished:
		return "ESTABLISHED"
	case stateTerminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// session holds data with a lifetime matching a BGP session TCP connection.
type session struct {
	// PeerName is a human readable peer name, used for logging. It is
	// typically initialized to the peer's IP address, and subsequently
	// augmented if the peer supplies a hostname in its OPEN message.
	PeerName string
	// Families is the intersection of AFI/SAFI tuples that are supported by
	// both the local server and the peer.
	Families map[Family]bool
	// PeerHost and PeerDomain are populated if supplied by the peer.
	PeerHost, PeerDomain string
	// PeerASN is the peer's AS number and PeerID its router ID.
	PeerASN uint32
	PeerID  uint32
	// EBGP records whether the peer is in a different AS.
	EBGP bool
	// RouteRefresh records whether the peer can handle ROUTE-REFRESH.
	RouteRefresh bool
	// HoldTime is the negotiated hold time: the minimum of the locally
	// configured and the peer's proposed value. Zero disables keepalives and
	// the hold timer.
	HoldTime time.Duration
	// LocalIP is the local address of the connection, used as the default
	// next hop in outgoing UPDATEs.
	LocalIP netip.Addr
	// Options carries the negotiated encoding options for the session.
	Options *wire.Options

	// tracked and suppressed record, per family, what was last announced to
	// the peer. Together with versions they are the cursor state for
	// Table.updatedRoutes.
	tracked    map[Family]map[netip.Prefix]*Path
	suppressed map[Family]map[netip.Prefix]struct{}
	versions   map[Family]*int64
}

// initCache initializes the per-family announcement state. It must be called
// upon connection establishment.
func (s *session) initCache() {
	s.tracked = map[Family]map[netip.Prefix]*Path{}
	s.suppressed = map[Family]map[netip.Prefix]struct{}{}
	s.versions = map[Family]*int64{}
	for fam := range s.Families {
		s.tracked[fam] = map[netip.Prefix]*Path{}
		s.suppressed[fam] = map[netip.Prefix]struct{}{}
		s.versions[fam] = new(int64)
	}
}

func (s *session) setLocalIP(c net.Conn) {
	addr, _ := addrFromNetAddr(c.LocalAddr())
	s.LocalIP = addr
}

type fsm struct {
	server *Server
	peer   *Peer
	timers *Timers
	// acceptC is used to pass incoming connections from Server.acceptLoop to
	// fsm.run.
	acceptC chan net.Conn
	// refreshC carries ROUTE-REFRESH requests from the receive loop to the
	// send loop.
	refreshC chan Family
	state    fsmState
	session  session
	routerID netip.Addr
	// stopC will be closed to signal the run loop to terminate.
	stopC chan struct{}
	// doneC will be closed when the run loop has terminated.
	doneC chan struct{}
}

func (f *fsm) setStateWithoutLog(s fsmState) {
	f.state = s
}

func (f *fsm) setState(s fsmState) {
	f.server.log().Info("bgp peer state change", "peer", f.session.PeerName, "from", f.state.String(), "to", s.String())
	f.setStateWithoutLog(s)
}

func (f *fsm) setStateError(e error) {
	nextState := stateIdle
	if f.peer.dynamic {
		nextState = stateTerminate
	}
	f.server.log().Warn("bgp peer state change", "peer", f.session.PeerName, "from", f.state.String(), "to", nextState.String(), "err", e)
	f.setStateWithoutLog(nextState)
}

// fsmDialPeer attempts to connect to the peer in the background, and returns
// the opened connection or error on a channel. If the caller does not read
// from the channel within a short time of the connection being established,
// the connection will automatically be closed. It is safe for callers to
// abandon a dial attempt and never read from either channel.
func fsmDialPeer(d *net.Dialer, addr string) (<-chan net.Conn, <-chan error) {
	// connC has no buffer because we want to detect when the channel is read.
	connC := make(chan net.Conn)
	// errC has a buffer to avoid a resource leak if the caller abandons the dial.
	errC := make(chan error, 1)
	go func(connC chan<- net.Conn, errC chan<- error) {
		c, err := d.Dial("tcp", addr)
		if err != nil {
			errC <- err
			return
		}
		select {
		case connC <- c:
		case <-time.After(3 * time.Second):
			// We've lost the race against an incoming connection. Close ours.
			c.Close()
		}
	}(connC, errC)
	return connC, errC
}

// fsmSendMessage sends a BGP message to the peer.
func fsmSendMessage(c net.Conn, m wire.Message, o *wire.Options, timeout time.Duration) error {
	b, err := wire.Encode(m, o)
	if err != nil {
		return err
	}
	if err := c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = c.Write(b)
	return err
}

// fsmRecvMessage reads a single BGP message from the peer. A zero deadline
// blocks indefinitely, for sessions with a negotiated hold time of zero.
func fsmRecvMessage(c net.Conn, o *wire.Options, deadline time.Time) (wire.Message, error) {
	if err := c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return wire.ReadMessage(c, o)
}

// sendOpen sends an OPEN.
func (f *fsm) sendOpen(c net.Conn) error {
	caps := make([]wire.Capability, 0, 6)
	if f.server.Hostname != "" {
		caps = append(caps, wire.CapFQDN{Hostname: f.server.Hostname, Domain: f.server.Domainname})
	}
	caps = append(caps, wire.CapFourOctetAS{ASN: f.server.ASN}, wire.CapRouteRefresh{})
	var families int
	for _, fam := range []Family{IPv4Unicast, IPv6Unicast} {
		if f.server.RIB[fam] != nil {
			afi, safi := fam.Split()
			caps = append(caps, wire.CapMultiprotocol{AFI: afi, SAFI: safi})
			families++
		}
	}
	if families == 0 {
		return errors.New("local RIB must support at least one of IPv4 or IPv6")
	}
	asn := uint16(f.server.ASN)
	if f.server.ASN > 0xffff {
		asn = uint16(wire.ASTrans)
	}
	m := &wire.Open{
		Version:      4,
		ASN:          asn,
		HoldTime:     uint16(f.timers.HoldTime / time.Second),
		RouterID:     f.routerID,
		Capabilities: caps,
	}
	return fsmSendMessage(c, m, nil, defaultOpenTimeout)
}

// validateOpen checks the OPEN message received from the peer and initializes
// the session from it. It returns an error subcode that may be combined with
// code wire.ErrCodeOpenMessage into a NOTIFICATION back to the peer.
func (f *fsm) validateOpen(o *wire.Open, peerAddr netip.Addr, expectASN uint32) (uint8, error) {
	// We only support BGP-4, https://datatracker.ietf.org/doc/html/rfc4271.
	if o.Version != 4 {
		return wire.ErrSubUnsupportedVersionNumber, fmt.Errorf("unsupported BGP version: %v", o.Version)
	}
	f.session = session{PeerName: peerAddr.String()} // Clear the previous session.
	f.session.Families = map[Family]bool{}
	var (
		fourOctet    bool
		fourOctetASN uint32
		sawMP        bool
	)
	for _, cc := range o.Capabilities {
		switch c := cc.(type) {
		case wire.CapFourOctetAS:
			fourOctet = true
			fourOctetASN = c.ASN
		case wire.CapMultiprotocol:
			sawMP = true
			fam := NewFamily(c.AFI, c.SAFI)
			if f.server.RIB[fam] != nil {
				f.session.Families[fam] = true
			}
		case wire.CapRouteRefresh:
			f.session.RouteRefresh = true
		case wire.CapFQDN:
			f.session.PeerHost = c.Hostname
			f.session.PeerDomain = c.Domain
			if c.Hostname != "" {
				f.session.PeerName = c.Hostname + "/" + peerAddr.String()
			}
		}
	}
	// A speaker that advertises no multiprotocol capability is an IPv4
	// unicast only speaker, https://datatracker.ietf.org/doc/html/rfc4760#section-8.
	if !sawMP && f.server.RIB[IPv4Unicast] != nil {
		f.session.Families[IPv4Unicast] = true
	}
	if len(f.session.Families) == 0 {
		return wire.ErrSubUnsupportedCapability, errors.New("no route family in common with peer")
	}
	// Determine the peer's real AS number. Without the 4-octet capability the
	// 2-byte field in the OPEN is authoritative.
	peerASN := uint32(o.ASN)
	if fourOctet {
		peerASN = fourOctetASN
		if peerASN > 0xffff && o.ASN != uint16(wire.ASTrans) {
			return wire.ErrSubBadPeerAS, fmt.Errorf("wrong peer AS field: got %v, want transition %v", o.ASN, wire.ASTrans)
		}
		if peerASN <= 0xffff && uint32(o.ASN) != peerASN {
			return wire.ErrSubBadPeerAS, fmt.Errorf("peer AS field %v disagrees with 4-byte capability %v", o.ASN, peerASN)
		}
	}
	if peerASN == 0 {
		return wire.ErrSubBadPeerAS, errors.New("peer AS is zero")
	}
	if expectASN != 0 && peerASN != expectASN {
		return wire.ErrSubBadPeerAS, fmt.Errorf("wrong peer AS: got %v, want %v", peerASN, expectASN)
	}
	f.session.PeerASN = peerASN
	f.session.EBGP = peerASN != f.server.ASN
	// The router ID must be a valid nonzero IPv4 style identifier and, on an
	// iBGP session, must differ from ours.
	if !o.RouterID.Is4() || o.RouterID.IsUnspecified() {
		return wire.ErrSubBadBGPIdentifier, fmt.Errorf("bad router ID: %v", o.RouterID)
	}
	f.session.PeerID = routerIDValue(o.RouterID)
	if !f.session.EBGP && o.RouterID == f.routerID {
		return wire.ErrSubBadBGPIdentifier, fmt.Errorf("peer claims our own router ID %v", o.RouterID)
	}
	// A hold time of zero disables keepalives entirely; otherwise it must be
	// at least three seconds. The session uses the lower of the two proposals.
	peerHold := time.Duration(o.HoldTime) * time.Second
	if peerHold != 0 && peerHold < minHoldTime {
		return wire.ErrSubUnacceptableHoldTime, fmt.Errorf("hold time is too short: %v", peerHold)
	}
	f.session.HoldTime = min(f.timers.HoldTime, peerHold)
	if peerHold == 0 {
		f.session.HoldTime = 0
	}
	f.session.Options = &wire.Options{FourOctetAS: fourOctet}
	return 0, nil
}

// fsmSendKeepAlive sends a KEEPALIVE.
func fsmSendKeepAlive(c net.Conn, timeout time.Duration) error {
	return fsmSendMessage(c, &wire.Keepalive{}, nil, timeout)
}

// exportPath applies the built in export policy and then the peer's export
// filters. It returns a transformed copy of the path, or an error if the path
// must not be announced to this peer.
func (f *fsm) exportPath(prefix netip.Prefix, p *Path) (*Path, error) {
	// Split horizon: never send a path back to the peer it came from.
	if p.Peer.IsValid() && p.Peer == f.peer.Addr {
		return nil, ErrDiscard
	}
	if f.session.EBGP && p.ContainsAS(f.session.PeerASN) {
		return nil, ErrDiscard
	}
	// Without route reflection, paths learned over iBGP are not re-advertised
	// to other iBGP peers.
	if !f.session.EBGP && p.Peer.IsValid() && !p.EBGP {
		return nil, ErrDiscard
	}
	q := p.Clone()
	if f.session.EBGP {
		q.Prepend(f.server.ASN)
		q.HasLocalPref = false
		q.LocalPref = 0
		if p.Peer.IsValid() {
			// MED is not propagated beyond the neighboring AS.
			q.HasMED = false
			q.MED = 0
		}
		q.Nexthop = f.session.LocalIP
	} else {
		if !q.HasLocalPref {
			q.HasLocalPref = true
			q.LocalPref = DefaultLocalPref
		}
		if !q.Nexthop.IsValid() {
			q.Nexthop = f.session.LocalIP
		}
	}
	if err := runFilters(f.peer.ExportFilters, prefix, q); err != nil {
		return nil, err
	}
	return q, nil
}

// sendUpdate sends an UPDATE announcing a new or changed path.
func (f *fsm) sendUpdate(c net.Conn, fam Family, prefix netip.Prefix, p *Path) error {
	attrs := make([]wire.Attribute, 0, 8)
	if fam != IPv4Unicast {
		// MP_REACH_NLRI should be the first attribute according to
		// https://datatracker.ietf.org/doc/html/rfc7606#section-5.1
		afi, safi := fam.Split()
		attrs = append(attrs, wire.MPReachAttr{
			AFI:     afi,
			SAFI:    safi,
			NextHop: p.Nexthop,
			NLRI:    []netip.Prefix{prefix},
		})
	}
	attrs = append(attrs,
		wire.OriginAttr{Origin: p.Origin},
		wire.ASPathAttr{Segments: p.ASPath},
	)
	m := &wire.Update{Attributes: attrs}
	if fam == IPv4Unicast {
		m.Attributes = append(m.Attributes, wire.NextHopAttr{NextHop: p.Nexthop.Unmap()})
		m.NLRI = []netip.Prefix{prefix}
	}
	if p.HasMED {
		m.Attributes = append(m.Attributes, wire.MEDAttr{MED: p.MED})
	}
	if p.HasLocalPref && !f.session.EBGP {
		m.Attributes = append(m.Attributes, wire.LocalPrefAttr{LocalPref: p.LocalPref})
	}
	if len(p.Communities) != 0 {
		cs := make([]uint32, len(p.Communities))
		for i, comm := range p.Communities {
			cs[i] = uint32(comm)
		}
		m.Attributes = append(m.Attributes, wire.CommunitiesAttr{Communities: cs})
	}
	for _, a := range p.Attrs {
		if a.Transitive() {
			m.Attributes = append(m.Attributes, a)
		}
	}
	return fsmSendMessage(c, m, f.session.Options, defaultMessageTimeout)
}

// sendWithdraw sends an UPDATE withdrawing a route.
func (f *fsm) sendWithdraw(c net.Conn, fam Family, prefix netip.Prefix) error {
	m := &wire.Update{}
	if fam == IPv4Unicast {
		m.WithdrawnRoutes = []netip.Prefix{prefix}
	} else {
		afi, safi := fam.Split()
		m.Attributes = []wire.Attribute{wire.MPUnreachAttr{
			AFI:  afi,
			SAFI: safi,
			NLRI: []netip.Prefix{prefix},
		}}
	}
	return fsmSendMessage(c, m, f.session.Options, defaultMessageTimeout)
}

// sendUpdates informs the peer of any routes that have changed since the last
// call. Families in reevaluate are pushed through the export policy again
// even if unchanged, in response to a ROUTE-REFRESH.
func (f *fsm) sendUpdates(c net.Conn, reevaluate map[Family]bool) (bool, error) {
	var alive bool
	for fam, table := range f.server.RIB {
		if !f.session.Families[fam] {
			// Skip route families not negotiated with the peer.
			continue
		}
		var sendErr error
		for prefix, p := range table.updatedRoutes(f.exportPath, f.session.tracked[fam], f.session.suppressed[fam], f.session.versions[fam], reevaluate[fam]) {
			if p == nil {
				f.server.log().Debug("withdrawing route", "peer", f.session.PeerName, "prefix", prefix)
				sendErr = f.sendWithdraw(c, fam, prefix)
			} else {
				f.server.log().Debug("announcing route", "peer", f.session.PeerName, "prefix", prefix)
				sendErr = f.sendUpdate(c, fam, prefix, p)
			}
			if sendErr != nil {
				break
			}
			alive = true
		}
		if sendErr != nil {
			return false, sendErr
		}
	}
	return alive, nil
}

// notification is a NOTIFICATION to be transmitted by the send loop.
type notification struct {
	Code, Subcode uint8
	Data          []byte
}

// fsmSendNotification sends a NOTIFICATION to inform the peer of an error.
func fsmSendNotification(c net.Conn, code, subcode uint8, data []byte) error {
	m := &wire.Notification{Code: code, Subcode: subcode, Data: data}
	return fsmSendMessage(c, m, nil, defaultNotificationTimeout)
}

// maybeSendNotification sends a NOTIFICATION if the passed error contains a
// *wire.MessageError and does nothing otherwise.
func maybeSendNotification(c net.Conn, e error) error {
	var me *wire.MessageError
	if errors.As(e, &me) {
		return fsmSendNotification(c, me.Code, me.Subcode, me.Data)
	}
	return nil
}

// sendLoop launches a background goroutine to handle outgoing messages.
func (f *fsm) sendLoop(c net.Conn) (chan<- notification, <-chan error) {
	// notifyC needs a buffer of 2 because either the run or recvLoop function
	// may wish to transmit a NOTIFICATION.
	notifyC := make(chan notification, 2)
	errC := make(chan error, 1)
	go func(notifyC <-chan notification, errC chan<- error) {
		var nextKeepAlive time.Time
		if interval := f.timers.keepAliveInterval(f.session.HoldTime); interval != 0 {
			nextKeepAlive = time.Now().Add(f.timers.nextKeepAlive(f.session.HoldTime))
		}
		for {
			select {
			case <-time.After(1 * time.Second):
				reevaluate := map[Family]bool{}
			drain:
				for {
					select {
					case fam := <-f.refreshC:
						reevaluate[fam] = true
					default:
						break drain
					}
				}
				ok, err := f.sendUpdates(c, reevaluate)
				if err != nil {
					errC <- err
					return
				}
				if nextKeepAlive.IsZero() {
					// The negotiated hold time is zero: no keepalives.
					continue
				}
				if ok {
					// We sent at least one update, so can reset the keepalive timer.
					nextKeepAlive = time.Now().Add(f.timers.nextKeepAlive(f.session.HoldTime))
					continue
				}
				if time.Now().Before(nextKeepAlive) {
					// We don't need to send another KEEPALIVE yet.
					continue
				}
				// Send a KEEPALIVE to hold the session open.
				if err := fsmSendKeepAlive(c, defaultMessageTimeout); err != nil {
					errC <- err
					return
				}
				nextKeepAlive = time.Now().Add(f.timers.nextKeepAlive(f.session.HoldTime))
			case n := <-notifyC:
				if n.Code == 0 && n.Subcode == 0 {
					// We've been asked to terminate without sending a NOTIFICATION.
					errC <- nil
				} else {
					errC <- fsmSendNotification(c, n.Code, n.Subcode, n.Data)
				}
				return
			}
		}
	}(notifyC, errC)
	return notifyC, errC
}

// updateAttrs is the result of classifying an UPDATE's path attributes.
type updateAttrs struct {
	origin       uint8
	hasOrigin    bool
	asPath       []wire.ASPathSegment
	hasASPath    bool
	nexthop      netip.Addr
	hasNexthop   bool
	med          uint32
	hasMED       bool
	localPref    uint32
	hasLocalPref bool
	communities  []Community
	mpReach      *wire.MPReachAttr
	mpUnreach    *wire.MPUnreachAttr
	unrecognized []wire.UnrecognizedAttr
}

func classifyAttrs(attrs []wire.Attribute) updateAttrs {
	var ua updateAttrs
	for _, attr := range attrs {
		switch a := attr.(type) {
		case wire.OriginAttr:
			ua.origin = a.Origin
			ua.hasOrigin = true
		case wire.ASPathAttr:
			ua.asPath = a.Segments
			ua.hasASPath = true
		case wire.NextHopAttr:
			ua.nexthop = a.NextHop
			ua.hasNexthop = true
		case wire.MEDAttr:
			ua.med = a.MED
			ua.hasMED = true
		case wire.LocalPrefAttr:
			ua.localPref = a.LocalPref
			ua.hasLocalPref = true
		case wire.CommunitiesAttr:
			for _, c := range a.Communities {
				ua.communities = append(ua.communities, Community(c))
			}
			slices.Sort(ua.communities)
		case wire.MPReachAttr:
			ua.mpReach = &a
		case wire.MPUnreachAttr:
			ua.mpUnreach = &a
		case wire.UnrecognizedAttr:
			if a.Transitive() {
				ua.unrecognized = append(ua.unrecognized, a)
			}
		}
	}
	return ua
}

// processUpdate applies one received UPDATE to the shared tables. A returned
// *wire.MessageError indicates a protocol error that must terminate the
// session with a NOTIFICATION.
func (f *fsm) processUpdate(m *wire.Update) error {
	ua := classifyAttrs(m.Attributes)

	// Withdrawals are processed first so a re-announcement in the same
	// message wins.
	if len(m.WithdrawnRoutes) > 0 && f.session.Families[IPv4Unicast] {
		for _, prefix := range m.WithdrawnRoutes {
			f.server.log().Debug("received withdraw", "peer", f.session.PeerName, "prefix", prefix)
			f.server.RIB[IPv4Unicast].RemovePath(prefix, f.peer.Addr)
		}
	}
	if ua.mpUnreach != nil {
		fam := NewFamily(ua.mpUnreach.AFI, ua.mpUnreach.SAFI)
		if f.session.Families[fam] {
			for _, prefix := range ua.mpUnreach.NLRI {
				f.server.log().Debug("received withdraw", "peer", f.session.PeerName, "prefix", prefix)
				f.server.RIB[fam].RemovePath(prefix, f.peer.Addr)
			}
		}
	}

	type reach struct {
		fam     Family
		nexthop netip.Addr
		nlri    []netip.Prefix
	}
	var reaches []reach
	if len(m.NLRI) > 0 {
		if !ua.hasNexthop {
			return &wire.MessageError{Code: wire.ErrCodeUpdateMessage, Subcode: wire.ErrSubMissingWellKnownAttr, Data: []byte{wire.AttrTypeNextHop}, Detail: "missing NEXT_HOP"}
		}
		reaches = append(reaches, reach{IPv4Unicast, ua.nexthop, m.NLRI})
	}
	if ua.mpReach != nil && len(ua.mpReach.NLRI) > 0 {
		reaches = append(reaches, reach{NewFamily(ua.mpReach.AFI, ua.mpReach.SAFI), ua.mpReach.NextHop, ua.mpReach.NLRI})
	}
	if len(reaches) == 0 {
		return nil
	}

	// ORIGIN and AS_PATH are mandatory once the message announces anything.
	if !ua.hasOrigin {
		return &wire.MessageError{Code: wire.ErrCodeUpdateMessage, Subcode: wire.ErrSubMissingWellKnownAttr, Data: []byte{wire.AttrTypeOrigin}, Detail: "missing ORIGIN"}
	}
	if !ua.hasASPath {
		return &wire.MessageError{Code: wire.ErrCodeUpdateMessage, Subcode: wire.ErrSubMissingWellKnownAttr, Data: []byte{wire.AttrTypeASPath}, Detail: "missing AS_PATH"}
	}

	base := Path{
		Peer:        f.peer.Addr,
		PeerID:      f.session.PeerID,
		PeerASN:     f.session.PeerASN,
		EBGP:        f.session.EBGP,
		Origin:      ua.origin,
		ASPath:      ua.asPath,
		MED:         ua.med,
		HasMED:      ua.hasMED,
		Communities: ua.communities,
		Attrs:       ua.unrecognized,
	}
	if f.session.EBGP {
		// The first AS in the path of an external route must be the
		// neighboring AS, https://datatracker.ietf.org/doc/html/rfc4271#section-6.3.
		if base.FirstAS() != f.session.PeerASN {
			return &wire.MessageError{Code: wire.ErrCodeUpdateMessage, Subcode: wire.ErrSubMalformedASPath, Detail: fmt.Sprintf("first AS %v is not the peer AS %v", base.FirstAS(), f.session.PeerASN)}
		}
	} else if ua.hasLocalPref {
		// LOCAL_PREF is only honored from internal peers.
		base.LocalPref = ua.localPref
		base.HasLocalPref = true
	}
	// A path carrying our own AS has looped and is ineligible: treat its
	// prefixes as withdrawn.
	looped := base.ContainsAS(f.server.ASN)

	for _, r := range reaches {
		if !f.session.Families[r.fam] {
			// Ignore route families not negotiated with the peer. A well
			// behaved peer should not send them.
			continue
		}
		table := f.server.RIB[r.fam]
		for _, prefix := range r.nlri {
			if looped {
				table.RemovePath(prefix, f.peer.Addr)
				continue
			}
			p := base.Clone()
			p.Nexthop = r.nexthop
			if err := runFilters(f.peer.ImportFilters, prefix, p); err != nil {
				if !errors.Is(err, ErrDiscard) {
					f.server.log().Info("not importing route", "peer", f.session.PeerName, "prefix", prefix, "err", err)
				}
				// The rejected path still replaces a previously accepted one.
				table.RemovePath(prefix, f.peer.Addr)
				continue
			}
			f.server.log().Debug("received route", "peer", f.session.PeerName, "prefix", prefix)
			table.AddPath(prefix, p)
		}
	}
	return nil
}

// recvLoop launches a background goroutine to handle incoming messages.
func (f *fsm) recvLoop(c net.Conn, notifyC chan<- notification) <-chan error {
	errC := make(chan error, 1)
	go func(errC chan<- error) {
		holdTime := f.session.HoldTime
		var deadline time.Time
		if holdTime != 0 {
			deadline = time.Now().Add(holdTime)
		}
		for {
			msg, err := fsmRecvMessage(c, f.session.Options, deadline)
			if err != nil {
				errC <- err // Unblock recvErrC in func run before sendErrC.
				var me *wire.MessageError
				switch {
				case errors.As(err, &me):
					notifyC <- notification{me.Code, me.Subcode, me.Data}
				case !deadline.IsZero() && time.Now().After(deadline):
					notifyC <- notification{wire.ErrCodeHoldTimerExpired, 0, nil}
				default:
					notifyC <- notification{}
				}
				return
			}
			switch m := msg.(type) {
			case *wire.Update:
				if holdTime != 0 {
					deadline = time.Now().Add(holdTime)
				}
				if err := f.processUpdate(m); err != nil {
					errC <- err
					var me *wire.MessageError
					if errors.As(err, &me) {
						notifyC <- notification{me.Code, me.Subcode, me.Data}
					} else {
						notifyC <- notification{}
					}
					return
				}
			case *wire.Keepalive:
				if holdTime != 0 {
					deadline = time.Now().Add(holdTime)
				}
			case *wire.RouteRefresh:
				fam := NewFamily(m.AFI, m.SAFI)
				if f.session.Families[fam] {
					f.server.log().Info("route refresh requested", "peer", f.session.PeerName, "afi", m.AFI, "safi", m.SAFI)
					select {
					case f.refreshC <- fam:
					default:
					}
				}
			case *wire.Notification:
				errC <- fmt.Errorf("notification: code=%v subcode=%v data=%q", m.Code, m.Subcode, string(m.Data))
				notifyC <- notification{}
				return
			default:
				errC <- fmt.Errorf("received unexpected message type %v", msg.Type())
				notifyC <- notification{wire.ErrCodeFSM, wire.ErrSubUnexpectedMessageInEstablished, nil}
				return
			}
		}
	}(errC)
	return errC
}

// clearRoutes withdraws everything learned from the peer, in every family.
// It is called whenever an established session ends.
func (f *fsm) clearRoutes() {
	for fam := range f.session.Families {
		if t := f.server.RIB[fam]; t != nil {
			t.RemovePathsFrom(f.peer.Addr)
		}
	}
}

// resolveCollision handles an incoming connection that arrives while our own
// handshake is in flight. It returns the connection to continue with and
// whether the new connection was adopted, which requires redoing the
// handshake.
func (f *fsm) resolveCollision(current, incoming net.Conn, inbound bool) (net.Conn, bool) {
	if inbound || !preferInbound(routerIDValue(f.routerID), f.session.PeerID, f.server.ASN, f.session.PeerASN) {
		f.server.log().Info("closing colliding connection", "peer", f.session.PeerName)
		incoming.Close() // ignore errors
		return current, false
	}
	// The connection initiated by the peer wins; abandon ours.
	f.server.log().Info("connection collision, adopting peer initiated connection", "peer", f.session.PeerName)
	fsmSendNotification(current, wire.ErrCodeCease, wire.ErrSubConnectionCollisionResolution, nil) // ignore errors
	current.Close()                                                                                // ignore errors
	return incoming, true
}

// run executes the BGP state machine.
func (f *fsm) run() {
	peer := f.peer
	if peer.Addr.IsValid() {
		f.session.PeerName = peer.Addr.String()
	} else {
		f.session.PeerName = "<unknown>"
	}
	rid, err := f.server.routerID()
	if err != nil {
		f.server.log().Error("bgp peer cannot start", "peer", f.session.PeerName, "err", err)
		close(f.doneC)
		return
	}
	f.routerID = rid
	dialer := &net.Dialer{
		Timeout:   defaultOpenTimeout,
		LocalAddr: peer.localAddr(),
		KeepAlive: -1,
		Control:   peer.DialerControl,
	}
	peerAddr := peer.dialAddr()
	connectBackoff := backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    1 * time.Second,
		Max:    90 * time.Second,
	}
	var bgpConn net.Conn
	var inbound bool
	for {
		switch f.state {
		case stateIdle:
			var readyToConnect <-chan time.Time
			if !peer.Passive {
				readyToConnect = time.After(connectBackoff.Duration())
			}
			select {
			case c := <-f.acceptC:
				bgpConn = c
				inbound = true
				f.setState(stateActive)
			case <-readyToConnect:
				f.setState(stateConnect)
			case <-f.stopC:
				f.setState(stateTerminate)
			}

		case stateConnect:
			// Make an outgoing connection in the background.
			connC, errC := fsmDialPeer(dialer, peerAddr)
			// Wait for a connection to be established.
			select {
			case c := <-connC:
				bgpConn = c
				inbound = false
				f.setState(stateActive)
			case c := <-f.acceptC:
				// The peer connected to us first.
				bgpConn = c
				inbound = true
				f.setState(stateActive)
			case err := <-errC:
				f.setStateError(err)
			case <-f.stopC:
				f.setState(stateTerminate)
			}

		case stateActive:
			if err := f.sendOpen(bgpConn); err != nil {
				bgpConn.Close() // ignore errors
				f.setStateError(err)
				continue
			}
			f.setState(stateOpenSent)

		case stateOpenSent:
			m, err := fsmRecvMessage(bgpConn, nil, time.Now().Add(defaultMessageTimeout))
			if err != nil {
				f.setStateError(err)
				maybeSendNotification(bgpConn, err) // ignore errors
				bgpConn.Close()                     // ignore errors
				continue
			}
			switch o := m.(type) {
			case *wire.Open:
				if code, err := f.validateOpen(o, peer.Addr, peer.ASN); err != nil {
					if code != 0 {
						fsmSendNotification(bgpConn, wire.ErrCodeOpenMessage, code, nil) // ignore errors
					}
					f.setStateError(err)
					bgpConn.Close() // ignore errors
					continue
				}
				if err := fsmSendKeepAlive(bgpConn, defaultMessageTimeout); err != nil {
					f.setStateError(err)
					bgpConn.Close() // ignore errors
					continue
				}
				f.setState(stateOpenConfirm)
			default:
				fsmSendNotification(bgpConn, wire.ErrCodeFSM, wire.ErrSubUnexpectedMessageInOpenSent, nil) // ignore errors
				f.setStateError(fmt.Errorf("received unexpected message type %v", m.Type()))
				bgpConn.Close() // ignore errors
			}

		case stateOpenConfirm:
			// If the peer opened a connection towards us while our handshake
			// was in flight, resolve the collision now that we know its
			// router ID.
			select {
			case incoming := <-f.acceptC:
				var adopted bool
				bgpConn, adopted = f.resolveCollision(bgpConn, incoming, inbound)
				if adopted {
					inbound = true
					f.setState(stateActive)
					continue
				}
			default:
			}
			m, err := fsmRecvMessage(bgpConn, nil, time.Now().Add(defaultMessageTimeout))
			if err != nil {
				f.setStateError(err)
				maybeSendNotification(bgpConn, err) // ignore errors
				bgpConn.Close()                     // ignore errors
				continue
			}
			switch n := m.(type) {
			case *wire.Keepalive:
				f.setState(stateEstablished)
			case *wire.Notification:
				f.setStateError(fmt.Errorf(
					"received notification code=%v subcode=%v data=%q",
					n.Code, n.Subcode, string(n.Data),
				))
				bgpConn.Close() // ignore errors
				continue
			default:
				fsmSendNotification(bgpConn, wire.ErrCodeFSM, wire.ErrSubUnexpectedMessageInOpenConfirm, nil) // ignore errors
				f.setStateError(fmt.Errorf("received unexpected message type %v", m.Type()))
				bgpConn.Close() // ignore errors
			}

		case stateEstablished:
			connectBackoff.Reset()
			f.session.initCache()
			f.session.setLocalIP(bgpConn)
			notifyC, sendErrC := f.sendLoop(bgpConn)
			recvErrC := f.recvLoop(bgpConn, notifyC)
			select {
			case err := <-sendErrC:
				if err != nil {
					f.setStateError(fmt.Errorf("send: %v", err))
				} else {
					// The error emitted by sendLoop should only be nil if a NOTIFICATION
					// was successfully sent. Handle the original error from recvLoop, but
					// don't block if there is none.
					select {
					case err := <-recvErrC:
						f.setStateError(fmt.Errorf("receive: %v", err))
					default:
					}
				}
			case err := <-recvErrC:
				f.setStateError(fmt.Errorf("receive: %v", err))
				select {
				// Wait for sendLoop to send an optional NOTIFICATION and terminate.
				case <-sendErrC:
				// But don't wait forever. (This case shouldn't happen if we're diligent
				// about signaling the sendLoop to shut down after any receive error.)
				case <-time.After(defaultNotificationTimeout):
				}
			case <-f.stopC:
				notifyC <- notification{wire.ErrCodeCease, wire.ErrSubAdministrativeReset, nil}
				f.setState(stateTerminate)
				select {
				// Wait for sendLoop to transmit the NOTIFICATION and terminate.
				case <-sendErrC:
				// But make sure that shutdown doesn't block forever.
				case <-time.After(10 * time.Second):
				}
			}
			bgpConn.Close() // ignore errors
			f.clearRoutes()

		case stateTerminate:
			if peer.dynamic {
				f.server.removeDynamicPeer(peer)
			}
			close(f.doneC)
			return

		default:
			f.server.log().Error("reached invalid state", "peer", f.session.PeerName, "state", f.state.String())
			close(f.doneC)
			return
		}
	}
}

func (f *fsm) stop() {
	close(f.stopC)
	<-f.doneC
}
