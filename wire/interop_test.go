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

package wire

// These tests cross-validate the codec against the GoBGP packet library to
// catch one-sided encoding mistakes that a pure round trip would miss.

import (
	"bytes"
	"net/netip"
	"testing"

	gobgp "github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/google/go-cmp/cmp"
)

func TestKeepaliveBytesMatchGoBGP(t *testing.T) {
	ours, err := Encode(&Keepalive{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := gobgp.NewBGPKeepAliveMessage().Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ours, theirs) {
		t.Errorf("got % x, want % x", ours, theirs)
	}
}

func TestNotificationBytesMatchGoBGP(t *testing.T) {
	ours, err := Encode(&Notification{Code: ErrCodeCease, Subcode: ErrSubAdministrativeReset, Data: []byte("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := gobgp.NewBGPNotificationMessage(ErrCodeCease, ErrSubAdministrativeReset, []byte("x")).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ours, theirs) {
		t.Errorf("got % x, want % x", ours, theirs)
	}
}

func TestOpenDecodableByGoBGP(t *testing.T) {
	b, err := Encode(&Open{
		Version:  4,
		ASN:      64521,
		HoldTime: 90,
		RouterID: netip.MustParseAddr("100.64.0.1"),
		Capabilities: []Capability{
			CapFourOctetAS{ASN: 64521},
			CapRouteRefresh{},
			CapMultiprotocol{AFI: AFIIPv4, SAFI: SAFIUnicast},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := gobgp.ParseBGPMessage(b)
	if err != nil {
		t.Fatalf("GoBGP failed to parse our OPEN: %v", err)
	}
	o, ok := m.Body.(*gobgp.BGPOpen)
	if !ok {
		t.Fatalf("got body %T, want *gobgp.BGPOpen", m.Body)
	}
	if o.MyAS != 64521 {
		t.Errorf("got AS %v, want 64521", o.MyAS)
	}
	if o.HoldTime != 90 {
		t.Errorf("got hold time %v, want 90", o.HoldTime)
	}
	if got := o.ID.String(); got != "100.64.0.1" {
		t.Errorf("got router ID %v, want 100.64.0.1", got)
	}
	var sawFourOctet, sawMultiprotocol bool
	for _, p := range o.OptParams {
		c, ok := p.(*gobgp.OptionParameterCapability)
		if !ok {
			continue
		}
		for _, cc := range c.Capability {
			switch c := cc.(type) {
			case *gobgp.CapFourOctetASNumber:
				sawFourOctet = c.CapValue == 64521
			case *gobgp.CapMultiProtocol:
				sawMultiprotocol = c.CapValue == gobgp.RF_IPv4_UC
			}
		}
	}
	if !sawFourOctet {
		t.Error("GoBGP did not see the 4-octet AS capability")
	}
	if !sawMultiprotocol {
		t.Error("GoBGP did not see the IPv4 unicast multiprotocol capability")
	}
}

func TestUpdateFromGoBGP(t *testing.T) {
	m := gobgp.NewBGPUpdateMessage(nil, []gobgp.PathAttributeInterface{
		gobgp.NewPathAttributeOrigin(OriginIGP),
		gobgp.NewPathAttributeAsPath([]gobgp.AsPathParamInterface{
			gobgp.NewAsPathParam(SegmentSequence, []uint16{64521, 64522}),
		}),
		gobgp.NewPathAttributeNextHop("192.0.2.1"),
	}, []*gobgp.IPAddrPrefix{
		gobgp.NewIPAddrPrefix(24, "198.51.100.0"),
	})
	b, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b, nil)
	if err != nil {
		t.Fatalf("failed to decode GoBGP's UPDATE: %v", err)
	}
	want := &Update{
		Attributes: []Attribute{
			OriginAttr{Origin: OriginIGP},
			ASPathAttr{Segments: []ASPathSegment{
				{Kind: SegmentSequence, ASNs: []uint32{64521, 64522}},
			}},
			NextHopAttr{NextHop: netip.MustParseAddr("192.0.2.1")},
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")},
	}
	if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateDecodableByGoBGP(t *testing.T) {
	b, err := Encode(&Update{
		Attributes: []Attribute{
			OriginAttr{Origin: OriginIGP},
			ASPathAttr{Segments: []ASPathSegment{
				{Kind: SegmentSequence, ASNs: []uint32{64521, 64522}},
			}},
			NextHopAttr{NextHop: netip.MustParseAddr("192.0.2.1")},
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := gobgp.ParseBGPMessage(b)
	if err != nil {
		t.Fatalf("GoBGP failed to parse our UPDATE: %v", err)
	}
	u, ok := m.Body.(*gobgp.BGPUpdate)
	if !ok {
		t.Fatalf("got body %T, want *gobgp.BGPUpdate", m.Body)
	}
	if len(u.NLRI) != 1 || u.NLRI[0].String() != "198.51.100.0/24" {
		t.Errorf("got NLRI %v, want [198.51.100.0/24]", u.NLRI)
	}
	var asns []uint32
	for _, pa := range u.PathAttributes {
		if a, ok := pa.(*gobgp.PathAttributeAsPath); ok {
			for _, seg := range a.Value {
				asns = append(asns, seg.GetAS()...)
			}
		}
	}
	if diff := cmp.Diff([]uint32{64521, 64522}, asns); diff != "" {
		t.Errorf("AS path mismatch (-want +got):\n%s", diff)
	}
}
