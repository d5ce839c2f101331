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
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/featherbgp/featherbgp/wire"
)

// DefaultLocalPref is the local preference assumed for paths that do not
// carry one.
const DefaultLocalPref uint32 = 100

// A Path is one advertised route to a prefix. Paths are owned by the table
// entry holding them and are never mutated after insertion; replacing a
// path means inserting a new one from the same peer.
type Path struct {
	// Peer is the BGP neighbor the path was received from. It is the zero
	// Addr for locally originated paths.
	Peer netip.Addr
	// PeerID is the peer's router ID, used as a deterministic tie breaker.
	PeerID uint32
	// PeerASN is the AS the path was received from.
	PeerASN uint32
	// EBGP records whether the path was learned over an external session.
	EBGP bool
	// Nexthop is the IP neighbor where packets traversing the path should be
	// sent. It's commonly equal to the peer address, but can differ e.g. if
	// the peer is a route server.
	Nexthop netip.Addr
	// Origin is one of wire.OriginIGP, wire.OriginEGP or
	// wire.OriginIncomplete.
	Origin uint8
	// ASPath holds the AS path segments. The first AS of the first sequence
	// segment is the neighboring AS and the last AS is the path's origin.
	ASPath []wire.ASPathSegment
	// MED is the multi exit discriminator, if HasMED is set.
	MED    uint32
	HasMED bool
	// LocalPref ranks the path ahead of all AS path considerations, if
	// HasLocalPref is set. It is local to the AS: honored from iBGP peers,
	// assigned by import policy for eBGP paths.
	LocalPref    uint32
	HasLocalPref bool
	// Communities are the RFC 1997 community tags, sorted ascending.
	Communities []Community
	// InteriorCost is the interior distance to the next hop. The protocol
	// engine has no IGP of its own, so this is zero unless import policy
	// supplies a value.
	InteriorCost uint32
	// Attrs preserves unrecognized optional transitive attributes so they
	// can be re-advertised unmodified.
	Attrs []wire.UnrecognizedAttr

	// order is the table-assigned learned-order sequence number, the final
	// tie breaker.
	order int64
}

// LocalPrefOrDefault returns the local preference, substituting the default
// of 100 when the path does not carry one.
func (p *Path) LocalPrefOrDefault() uint32 {
	if p.HasLocalPref {
		return p.LocalPref
	}
	return DefaultLocalPref
}

// PathLen returns the AS path length for best path selection: each AS in a
// sequence counts one, an entire set counts one.
func (p *Path) PathLen() int {
	n := 0
	for _, s := range p.ASPath {
		if s.Kind == wire.SegmentSet {
			n++
		} else {
			n += len(s.ASNs)
		}
	}
	return n
}

// FirstAS returns the neighboring AS of the path, or zero for a local path.
func (p *Path) FirstAS() uint32 {
	for _, s := range p.ASPath {
		if s.Kind == wire.SegmentSequence && len(s.ASNs) > 0 {
			return s.ASNs[0]
		}
	}
	return 0
}

// ContainsAS checks whether an AS number appears anywhere in the AS path.
func (p *Path) ContainsAS(asn uint32) bool {
	for _, s := range p.ASPath {
		if slices.Contains(s.ASNs, asn) {
			return true
		}
	}
	return false
}

// Prepend adds an AS to the front of the AS path, extending the leading
// sequence segment or creating one if needed.
func (p *Path) Prepend(asn uint32) {
	if len(p.ASPath) > 0 && p.ASPath[0].Kind == wire.SegmentSequence && len(p.ASPath[0].ASNs) < 255 {
		seg := p.ASPath[0]
		p.ASPath = append([]wire.ASPathSegment{{
			Kind: wire.SegmentSequence,
			ASNs: append([]uint32{asn}, seg.ASNs...),
		}}, p.ASPath[1:]...)
		return
	}
	p.ASPath = append([]wire.ASPathSegment{{
		Kind: wire.SegmentSequence,
		ASNs: []uint32{asn},
	}}, p.ASPath...)
}

// Clone returns a deep copy that a filter may mutate freely.
func (p *Path) Clone() *Path {
	q := *p
	q.ASPath = make([]wire.ASPathSegment, len(p.ASPath))
	for i, s := range p.ASPath {
		q.ASPath[i] = wire.ASPathSegment{Kind: s.Kind, ASNs: slices.Clone(s.ASNs)}
	}
	q.Communities = slices.Clone(p.Communities)
	q.Attrs = slices.Clone(p.Attrs)
	return &q
}

// Equal checks for equality of everything a peer could observe, ignoring the
// learned order.
func (p *Path) Equal(q *Path) bool {
	if p == nil || q == nil {
		return p == q
	}
	return p.Peer == q.Peer &&
		p.PeerASN == q.PeerASN &&
		p.EBGP == q.EBGP &&
		p.Nexthop == q.Nexthop &&
		p.Origin == q.Origin &&
		p.MED == q.MED &&
		p.HasMED == q.HasMED &&
		p.LocalPref == q.LocalPref &&
		p.HasLocalPref == q.HasLocalPref &&
		p.InteriorCost == q.InteriorCost &&
		slices.EqualFunc(p.ASPath, q.ASPath, func(a, b wire.ASPathSegment) bool {
			return a.Kind == b.Kind && slices.Equal(a.ASNs, b.ASNs)
		}) &&
		slices.Equal(p.Communities, q.Communities) &&
		slices.EqualFunc(p.Attrs, q.Attrs, func(a, b wire.UnrecognizedAttr) bool {
			return a.Flags == b.Flags && a.TypeCode == b.TypeCode && slices.Equal(a.Value, b.Value)
		})
}

// String returns a human readable representation of a few key fields.
func (p *Path) String() string {
	var parts []string
	if p.Nexthop.IsValid() {
		parts = append(parts, "nexthop="+p.Nexthop.String())
	}
	if len(p.ASPath) > 0 {
		var asns []uint32
		for _, s := range p.ASPath {
			asns = append(asns, s.ASNs...)
		}
		parts = append(parts, fmt.Sprintf("path=%v", asns))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func cmpValues[T uint32 | int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compare is the best path decision process. It returns a negative number if
// a is the better path, positive if b is, and never zero for distinct paths:
// the trailing tie breakers make it a total order, so the winner for a fixed
// candidate set does not depend on evaluation order. alwaysMED extends the
// MED comparison to paths from different neighboring ASes.
func compare(a, b *Path, alwaysMED bool) int {
	// Higher local preference wins.
	if c := cmpValues(b.LocalPrefOrDefault(), a.LocalPrefOrDefault()); c != 0 {
		return c
	}
	// Shorter AS path wins.
	if c := cmpValues(a.PathLen(), b.PathLen()); c != 0 {
		return c
	}
	// Lower origin wins: IGP < EGP < INCOMPLETE.
	if c := cmpValues(uint32(a.Origin), uint32(b.Origin)); c != 0 {
		return c
	}
	// Lower MED wins, by default only between paths via the same
	// neighboring AS. A path without a MED counts as MED 0.
	if (a.HasMED || b.HasMED) && (alwaysMED || a.FirstAS() == b.FirstAS()) {
		if c := cmpValues(a.medOrZero(), b.medOrZero()); c != 0 {
			return c
		}
	}
	// Prefer eBGP over iBGP.
	if a.EBGP != b.EBGP {
		if a.EBGP {
			return -1
		}
		return 1
	}
	// Lower interior cost to the next hop wins.
	if c := cmpValues(a.InteriorCost, b.InteriorCost); c != 0 {
		return c
	}
	// Deterministic tie break: lowest peer router ID, then lowest peer
	// address, then the path learned first.
	if c := cmpValues(a.PeerID, b.PeerID); c != 0 {
		return c
	}
	if c := a.Peer.Compare(b.Peer); c != 0 {
		return c
	}
	return cmpValues(a.order, b.order)
}

func (p *Path) medOrZero() uint32 {
	if p.HasMED {
		return p.MED
	}
	return 0
}

// Compare decides which of two paths is the better route, applying the
// standard decision process: local preference, AS path length, origin, MED
// (same neighboring AS only), eBGP over iBGP, interior cost, and a
// deterministic tie break. It returns a negative number if a is better and a
// positive number if b is better.
func Compare(a, b *Path) int {
	return compare(a, b, false)
}

// CompareAlwaysMED is like Compare but compares MED between paths from
// different neighboring ASes too.
func CompareAlwaysMED(a, b *Path) int {
	return compare(a, b, true)
}

// SortPaths sorts paths so the best path is first.
func SortPaths(ps []*Path) {
	slices.SortStableFunc(ps, Compare)
}
