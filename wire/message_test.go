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

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var cmpOpts = []cmp.Option{
	cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}),
}

func TestMessageRoundTrip(t *testing.T) {
	fourOctet := &Options{FourOctetAS: true}
	for _, tc := range []struct {
		Name    string
		Message Message
		Options *Options
	}{
		{
			Name: "open",
			Message: &Open{
				Version:  4,
				ASN:      64521,
				HoldTime: 90,
				RouterID: netip.MustParseAddr("100.64.0.1"),
				Capabilities: []Capability{
					CapFQDN{Hostname: "r1", Domain: "example.net"},
					CapFourOctetAS{ASN: 64521},
					CapRouteRefresh{},
					CapMultiprotocol{AFI: AFIIPv4, SAFI: SAFIUnicast},
					CapMultiprotocol{AFI: AFIIPv6, SAFI: SAFIUnicast},
				},
			},
		},
		{
			Name: "open with unknown capability",
			Message: &Open{
				Version:  4,
				ASN:      64521,
				HoldTime: 180,
				RouterID: netip.MustParseAddr("192.0.2.1"),
				Capabilities: []Capability{
					CapUnknown{CapCode: 200, Data: []byte{1, 2, 3}},
				},
			},
		},
		{
			Name: "update ipv4",
			Message: &Update{
				Attributes: []Attribute{
					OriginAttr{Origin: OriginIGP},
					ASPathAttr{Segments: []ASPathSegment{
						{Kind: SegmentSequence, ASNs: []uint32{64521, 64522}},
						{Kind: SegmentSet, ASNs: []uint32{64523, 64524}},
					}},
					NextHopAttr{NextHop: netip.MustParseAddr("192.0.2.1")},
					MEDAttr{MED: 50},
					LocalPrefAttr{LocalPref: 200},
					CommunitiesAttr{Communities: []uint32{64521<<16 | 1, 64521<<16 | 2}},
				},
				NLRI: []netip.Prefix{
					netip.MustParsePrefix("198.51.100.0/24"),
					netip.MustParsePrefix("203.0.113.128/25"),
				},
			},
			Options: fourOctet,
		},
		{
			Name: "update ipv4 withdraw",
			Message: &Update{
				WithdrawnRoutes: []netip.Prefix{
					netip.MustParsePrefix("198.51.100.0/24"),
				},
			},
		},
		{
			Name: "update ipv6",
			Message: &Update{
				Attributes: []Attribute{
					MPReachAttr{
						AFI:     AFIIPv6,
						SAFI:    SAFIUnicast,
						NextHop: netip.MustParseAddr("2001:db8::1"),
						NLRI:    []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")},
					},
					OriginAttr{Origin: OriginIncomplete},
					ASPathAttr{Segments: []ASPathSegment{
						{Kind: SegmentSequence, ASNs: []uint32{4200000001}},
					}},
				},
			},
			Options: fourOctet,
		},
		{
			Name: "update ipv6 withdraw",
			Message: &Update{
				Attributes: []Attribute{
					MPUnreachAttr{
						AFI:  AFIIPv6,
						SAFI: SAFIUnicast,
						NLRI: []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")},
					},
				},
			},
		},
		{
			Name: "update with unrecognized attribute",
			Message: &Update{
				Attributes: []Attribute{
					OriginAttr{Origin: OriginEGP},
					ASPathAttr{Segments: []ASPathSegment{
						{Kind: SegmentSequence, ASNs: []uint32{64521}},
					}},
					NextHopAttr{NextHop: netip.MustParseAddr("192.0.2.1")},
					UnrecognizedAttr{Flags: 0xc0, TypeCode: 32, Value: []byte{0, 1, 2, 3}},
				},
				NLRI: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")},
			},
			Options: fourOctet,
		},
		{
			Name:    "notification",
			Message: &Notification{Code: ErrCodeCease, Subcode: ErrSubAdministrativeReset, Data: []byte("bye")},
		},
		{
			Name:    "keepalive",
			Message: &Keepalive{},
		},
		{
			Name:    "route refresh",
			Message: &RouteRefresh{AFI: AFIIPv6, SAFI: SAFIUnicast},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			b, err := Encode(tc.Message, tc.Options)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(b, tc.Options)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tc.Message, got, cmpOpts...); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenDispersedCapabilities(t *testing.T) {
	// A speaker may spread its capabilities over several optional parameters.
	// Build one such OPEN by hand.
	caps1 := appendCapabilities(nil, []Capability{CapRouteRefresh{}})
	caps2 := appendCapabilities(nil, []Capability{CapFourOctetAS{ASN: 64521}})
	// Version 4, ASN 64521, hold time 90, router ID 10.0.0.1.
	body := []byte{4, 0xfc, 0x09, 0, 90, 10, 0, 0, 1}
	params := append([]byte{paramTypeCapabilities, uint8(len(caps1))}, caps1...)
	params = append(params, paramTypeCapabilities, uint8(len(caps2)))
	params = append(params, caps2...)
	body = append(body, uint8(len(params)))
	body = append(body, params...)

	m, err := parseOpen(body)
	if err != nil {
		t.Fatalf("parseOpen: %v", err)
	}
	want := []Capability{CapRouteRefresh{}, CapFourOctetAS{ASN: 64521}}
	if diff := cmp.Diff(want, m.Capabilities, cmpOpts...); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestTwoOctetASEncoding(t *testing.T) {
	// Without the 4-octet capability, mappable ASNs pass through and large
	// ones become AS_TRANS.
	m := &Update{
		Attributes: []Attribute{
			OriginAttr{Origin: OriginIGP},
			ASPathAttr{Segments: []ASPathSegment{
				{Kind: SegmentSequence, ASNs: []uint32{4200000001, 64521}},
			}},
			NextHopAttr{NextHop: netip.MustParseAddr("192.0.2.1")},
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")},
	}
	b, err := Encode(m, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	update, ok := got.(*Update)
	if !ok {
		t.Fatalf("got message type %T, want *Update", got)
	}
	var asns []uint32
	for _, a := range update.Attributes {
		if ap, ok := a.(ASPathAttr); ok {
			asns = ap.Segments[0].ASNs
		}
	}
	want := []uint32{ASTrans, 64521}
	if diff := cmp.Diff(want, asns); diff != "" {
		t.Errorf("AS path mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	encode := func(m Message) []byte {
		b, err := Encode(m, nil)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return b
	}
	breakMarker := func(b []byte) []byte {
		b = bytes.Clone(b)
		b[0] = 0
		return b
	}
	setType := func(b []byte, typ uint8) []byte {
		b = bytes.Clone(b)
		b[18] = typ
		return b
	}
	updateWithRawAttrs := func(attrs []byte) []byte {
		body := []byte{0, 0} // no withdrawn routes
		body = append(body, byte(len(attrs)>>8), byte(len(attrs)))
		body = append(body, attrs...)
		b := bytes.Repeat([]byte{0xff}, 16)
		total := HeaderLen + len(body)
		b = append(b, byte(total>>8), byte(total), msgTypeUpdate)
		return append(b, body...)
	}
	for _, tc := range []struct {
		Name        string
		Input       []byte
		WantCode    uint8
		WantSubcode uint8
	}{
		{
			Name:        "bad marker",
			Input:       breakMarker(encode(&Keepalive{})),
			WantCode:    ErrCodeMessageHeader,
			WantSubcode: ErrSubConnectionNotSynchronized,
		},
		{
			Name:        "unknown message type",
			Input:       setType(encode(&Keepalive{}), 99),
			WantCode:    ErrCodeMessageHeader,
			WantSubcode: ErrSubBadMessageType,
		},
		{
			Name:        "keepalive with body",
			Input:       setType(encode(&Notification{Code: 6, Subcode: 4}), msgTypeKeepalive),
			WantCode:    ErrCodeMessageHeader,
			WantSubcode: ErrSubBadMessageLength,
		},
		{
			Name: "unrecognized well-known attribute",
			// Type 99 without the optional bit set.
			Input:       updateWithRawAttrs([]byte{0x40, 99, 1, 0}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubUnrecognizedWellKnownAttr,
		},
		{
			Name: "wrong attribute flags",
			// ORIGIN marked optional.
			Input:       updateWithRawAttrs([]byte{0x80, AttrTypeOrigin, 1, 0}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubAttributeFlagsError,
		},
		{
			Name:        "attribute overruns message",
			Input:       updateWithRawAttrs([]byte{0x40, AttrTypeOrigin, 5, 0}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubAttributeLengthError,
		},
		{
			Name:        "invalid origin value",
			Input:       updateWithRawAttrs([]byte{0x40, AttrTypeOrigin, 1, 9}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubInvalidOriginAttribute,
		},
		{
			Name:        "bad origin length",
			Input:       updateWithRawAttrs([]byte{0x40, AttrTypeOrigin, 2, 0, 0}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubAttributeLengthError,
		},
		{
			Name:        "malformed AS path segment",
			Input:       updateWithRawAttrs([]byte{0x40, AttrTypeASPath, 2, 9, 1}),
			WantCode:    ErrCodeUpdateMessage,
			WantSubcode: ErrSubMalformedASPath,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := Decode(tc.Input, nil)
			var me *MessageError
			if !errors.As(err, &me) {
				t.Fatalf("got error %v, want *MessageError", err)
			}
			if me.Code != tc.WantCode || me.Subcode != tc.WantSubcode {
				t.Errorf("got code %d subcode %d, want code %d subcode %d", me.Code, me.Subcode, tc.WantCode, tc.WantSubcode)
			}
		})
	}
}

func TestEncodeOversizedOpen(t *testing.T) {
	// 86 capabilities of 3 bytes each overflow the 1-byte parameter length.
	manyCaps := make([]Capability, 86)
	for i := range manyCaps {
		manyCaps[i] = CapUnknown{CapCode: 200, Data: []byte{0}}
	}
	routerID := netip.MustParseAddr("192.0.2.1")
	for _, tc := range []struct {
		Name string
		Open *Open
	}{
		{
			Name: "capabilities exceed one parameter",
			Open: &Open{Version: 4, ASN: 64521, HoldTime: 90, RouterID: routerID, Capabilities: manyCaps},
		},
		{
			Name: "oversized unknown parameter",
			Open: &Open{Version: 4, ASN: 64521, HoldTime: 90, RouterID: routerID, OtherParams: []UnknownParam{
				{ParamType: 9, Data: make([]byte, 256)},
			}},
		},
		{
			Name: "combined parameters overflow",
			Open: &Open{Version: 4, ASN: 64521, HoldTime: 90, RouterID: routerID, OtherParams: []UnknownParam{
				{ParamType: 9, Data: make([]byte, 130)},
				{ParamType: 10, Data: make([]byte, 130)},
			}},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := Encode(tc.Open, nil)
			var me *MessageError
			if !errors.As(err, &me) {
				t.Fatalf("got error %v, want *MessageError", err)
			}
			if me.Code != ErrCodeMessageHeader || me.Subcode != ErrSubBadMessageLength {
				t.Errorf("got code %d subcode %d, want code %d subcode %d", me.Code, me.Subcode, ErrCodeMessageHeader, ErrSubBadMessageLength)
			}
		})
	}
}

func TestDecodeOversizedPrefix(t *testing.T) {
	// A /33 IPv4 prefix in the withdrawn routes field.
	body := []byte{0, 5, 33, 1, 2, 3, 4, 5, 0, 0}
	b := bytes.Repeat([]byte{0xff}, 16)
	total := HeaderLen + len(body)
	b = append(b, byte(total>>8), byte(total), msgTypeUpdate)
	b = append(b, body...)
	_, err := Decode(b, nil)
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("got error %v, want *MessageError", err)
	}
	if me.Code != ErrCodeUpdateMessage || me.Subcode != ErrSubInvalidNetworkField {
		t.Errorf("got code %d subcode %d, want code %d subcode %d", me.Code, me.Subcode, ErrCodeUpdateMessage, ErrSubInvalidNetworkField)
	}
}

func TestReadMessage(t *testing.T) {
	// Two messages back to back on one stream.
	m1 := &Keepalive{}
	m2 := &Notification{Code: ErrCodeCease, Subcode: ErrSubAdministrativeShutdown}
	b1, err := Encode(m1, nil)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Encode(m2, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := bytes.NewReader(append(b1, b2...))
	got1, err := ReadMessage(r, nil)
	if err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}
	if _, ok := got1.(*Keepalive); !ok {
		t.Errorf("got %T, want *Keepalive", got1)
	}
	got2, err := ReadMessage(r, nil)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if diff := cmp.Diff(m2, got2, cmpOpts...); diff != "" {
		t.Errorf("second message mismatch (-want +got):\n%s", diff)
	}
}
