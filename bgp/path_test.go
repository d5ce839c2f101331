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
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/featherbgp/featherbgp/wire"
)

func seq(asns ...uint32) wire.ASPathSegment {
	return wire.ASPathSegment{Kind: wire.SegmentSequence, ASNs: asns}
}

func set(asns ...uint32) wire.ASPathSegment {
	return wire.ASPathSegment{Kind: wire.SegmentSet, ASNs: asns}
}

func TestCompare(t *testing.T) {
	lp := func(v uint32) *Path {
		return &Path{LocalPref: v, HasLocalPref: true}
	}
	for _, tc := range []struct {
		Name      string
		A, B      *Path
		AlwaysMED bool
		WantBest  *Path
	}{
		{
			Name:     "higher local preference wins",
			A:        lp(200),
			B:        lp(100),
			WantBest: lp(200),
		},
		{
			Name:     "missing local preference defaults to 100",
			A:        &Path{},
			B:        lp(200),
			WantBest: lp(200),
		},
		{
			Name:     "shorter AS path wins",
			A:        &Path{ASPath: []wire.ASPathSegment{seq(64521, 64522)}},
			B:        &Path{ASPath: []wire.ASPathSegment{seq(64523)}},
			WantBest: &Path{ASPath: []wire.ASPathSegment{seq(64523)}},
		},
		{
			Name:     "AS set counts as one hop",
			A:        &Path{ASPath: []wire.ASPathSegment{seq(64521, 64522, 64523)}},
			B:        &Path{ASPath: []wire.ASPathSegment{seq(64521), set(64522, 64523)}},
			WantBest: &Path{ASPath: []wire.ASPathSegment{seq(64521), set(64522, 64523)}},
		},
		{
			Name:     "lower origin wins",
			A:        &Path{Origin: wire.OriginIncomplete},
			B:        &Path{Origin: wire.OriginIGP},
			WantBest: &Path{Origin: wire.OriginIGP},
		},
		{
			Name:     "lower MED wins via same neighbor AS",
			A:        &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true},
			B:        &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 20, HasMED: true},
			WantBest: &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true},
		},
		{
			Name:     "missing MED counts as zero",
			A:        &Path{ASPath: []wire.ASPathSegment{seq(64521)}},
			B:        &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true},
			WantBest: &Path{ASPath: []wire.ASPathSegment{seq(64521)}},
		},
		{
			Name: "MED ignored across different neighbor ASes",
			// If MED were compared, A would win. It isn't, so the peer
			// router ID decides.
			A:        &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true, PeerID: 2},
			B:        &Path{ASPath: []wire.ASPathSegment{seq(64522)}, MED: 100, HasMED: true, PeerID: 1},
			WantBest: &Path{ASPath: []wire.ASPathSegment{seq(64522)}, MED: 100, HasMED: true, PeerID: 1},
		},
		{
			Name:      "MED compared across ASes when configured",
			A:         &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true, PeerID: 2},
			B:         &Path{ASPath: []wire.ASPathSegment{seq(64522)}, MED: 100, HasMED: true, PeerID: 1},
			AlwaysMED: true,
			WantBest:  &Path{ASPath: []wire.ASPathSegment{seq(64521)}, MED: 10, HasMED: true, PeerID: 2},
		},
		{
			Name:     "eBGP preferred over iBGP",
			A:        &Path{EBGP: false, PeerID: 1},
			B:        &Path{EBGP: true, PeerID: 2},
			WantBest: &Path{EBGP: true, PeerID: 2},
		},
		{
			Name:     "lower interior cost wins",
			A:        &Path{InteriorCost: 20, PeerID: 1},
			B:        &Path{InteriorCost: 10, PeerID: 2},
			WantBest: &Path{InteriorCost: 10, PeerID: 2},
		},
		{
			Name:     "lower peer router ID breaks ties",
			A:        &Path{PeerID: 2},
			B:        &Path{PeerID: 1},
			WantBest: &Path{PeerID: 1},
		},
		{
			Name:     "lower peer address breaks router ID ties",
			A:        &Path{PeerID: 1, Peer: netip.MustParseAddr("192.0.2.9")},
			B:        &Path{PeerID: 1, Peer: netip.MustParseAddr("192.0.2.1")},
			WantBest: &Path{PeerID: 1, Peer: netip.MustParseAddr("192.0.2.1")},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			cmpFn := Compare
			if tc.AlwaysMED {
				cmpFn = CompareAlwaysMED
			}
			got := tc.A
			if cmpFn(tc.A, tc.B) > 0 {
				got = tc.B
			}
			if !got.Equal(tc.WantBest) {
				t.Errorf("got best %v, want %v", got, tc.WantBest)
			}
			// The comparison must be antisymmetric.
			if c1, c2 := cmpFn(tc.A, tc.B), cmpFn(tc.B, tc.A); c1 != -c2 {
				t.Errorf("compare(a, b) = %v but compare(b, a) = %v", c1, c2)
			}
		})
	}
}

func TestSortPathsDeterministic(t *testing.T) {
	paths := []*Path{
		{PeerID: 3, LocalPref: 200, HasLocalPref: true},
		{PeerID: 1, ASPath: []wire.ASPathSegment{seq(64521)}},
		{PeerID: 2, ASPath: []wire.ASPathSegment{seq(64521, 64522)}},
		{PeerID: 4, Origin: wire.OriginEGP},
		{PeerID: 5, EBGP: true},
	}
	for i, p := range paths {
		p.order = int64(i)
	}
	sorted := slices.Clone(paths)
	SortPaths(sorted)
	reversed := slices.Clone(paths)
	slices.Reverse(reversed)
	SortPaths(reversed)
	for i := range sorted {
		if sorted[i] != reversed[i] {
			t.Fatalf("order depends on input permutation: position %d got %v and %v", i, sorted[i], reversed[i])
		}
	}
	if sorted[0].PeerID != 3 {
		t.Errorf("got best path with peer ID %v, want 3", sorted[0].PeerID)
	}
}

func TestPathLen(t *testing.T) {
	p := &Path{ASPath: []wire.ASPathSegment{
		seq(64521, 64522),
		set(64523, 64524, 64525),
		seq(64526),
	}}
	if got, want := p.PathLen(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFirstAS(t *testing.T) {
	for _, tc := range []struct {
		Name string
		Path *Path
		Want uint32
	}{
		{
			Name: "sequence",
			Path: &Path{ASPath: []wire.ASPathSegment{seq(64521, 64522)}},
			Want: 64521,
		},
		{
			Name: "leading set is skipped",
			Path: &Path{ASPath: []wire.ASPathSegment{set(64523), seq(64521)}},
			Want: 64521,
		},
		{
			Name: "local path",
			Path: &Path{},
			Want: 0,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := tc.Path.FirstAS(); got != tc.Want {
				t.Errorf("got %v, want %v", got, tc.Want)
			}
		})
	}
}

func TestContainsAS(t *testing.T) {
	p := &Path{ASPath: []wire.ASPathSegment{seq(64521), set(64522, 64523)}}
	if !p.ContainsAS(64523) {
		t.Error("ContainsAS(64523) = false, want true")
	}
	if p.ContainsAS(64524) {
		t.Error("ContainsAS(64524) = true, want false")
	}
}

func TestPrepend(t *testing.T) {
	p := &Path{ASPath: []wire.ASPathSegment{seq(64522)}}
	p.Prepend(64521)
	want := []wire.ASPathSegment{seq(64521, 64522)}
	if diff := cmp.Diff(want, p.ASPath); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Prepending to a path that starts with a set creates a new segment.
	q := &Path{ASPath: []wire.ASPathSegment{set(64522, 64523)}}
	q.Prepend(64521)
	want = []wire.ASPathSegment{seq(64521), set(64522, 64523)}
	if diff := cmp.Diff(want, q.ASPath); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// Prepending to an empty path creates the first segment.
	r := &Path{}
	r.Prepend(64521)
	want = []wire.ASPathSegment{seq(64521)}
	if diff := cmp.Diff(want, r.ASPath); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := &Path{
		ASPath:      []wire.ASPathSegment{seq(64521, 64522)},
		Communities: []Community{1, 2},
	}
	q := p.Clone()
	q.Prepend(64523)
	q.Communities[0] = 99
	if p.ContainsAS(64523) {
		t.Error("mutating the clone's AS path affected the original")
	}
	if p.Communities[0] != 1 {
		t.Error("mutating the clone's communities affected the original")
	}
}

func TestLocalPrefOrDefault(t *testing.T) {
	if got := (&Path{}).LocalPrefOrDefault(); got != DefaultLocalPref {
		t.Errorf("got %v, want %v", got, DefaultLocalPref)
	}
	p := &Path{LocalPref: 50, HasLocalPref: true}
	if got := p.LocalPrefOrDefault(); got != 50 {
		t.Errorf("got %v, want 50", got)
	}
}
