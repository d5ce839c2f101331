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
	"encoding/binary"
	"net/netip"
)

// Path attribute type codes from
// https://www.iana.org/assignments/bgp-parameters.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunities     uint8 = 8
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
)

// Path attribute flag bits.
const (
	attrFlagOptional       uint8 = 0x80
	attrFlagTransitive     uint8 = 0x40
	attrFlagPartial        uint8 = 0x20
	attrFlagExtendedLength uint8 = 0x10
)

// ORIGIN attribute values. Lower is preferred in best path selection.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// AS path segment kinds.
const (
	SegmentSet      uint8 = 1
	SegmentSequence uint8 = 2
)

// ASTrans is the 2-byte placeholder ASN substituted for 4-byte ASNs when the
// peer has not negotiated the 4-octet AS capability
// (https://datatracker.ietf.org/doc/html/rfc6793#section-9).
const ASTrans uint32 = 23456

// An Attribute is one path attribute TLV in an UPDATE message.
type Attribute interface {
	Type() uint8
	flags() uint8
	appendValue(b []byte, o *Options) []byte
}

// attrFlagsByType maps known attribute types to the flag bits mandated for
// them, ignoring the partial and extended length bits.
var attrFlagsByType = map[uint8]uint8{
	AttrTypeOrigin:          attrFlagTransitive,
	AttrTypeASPath:          attrFlagTransitive,
	AttrTypeNextHop:         attrFlagTransitive,
	AttrTypeMED:             attrFlagOptional,
	AttrTypeLocalPref:       attrFlagTransitive,
	AttrTypeAtomicAggregate: attrFlagTransitive,
	AttrTypeAggregator:      attrFlagOptional | attrFlagTransitive,
	AttrTypeCommunities:     attrFlagOptional | attrFlagTransitive,
	AttrTypeMPReachNLRI:     attrFlagOptional,
	AttrTypeMPUnreachNLRI:   attrFlagOptional,
}

// OriginAttr is the well-known mandatory ORIGIN attribute.
type OriginAttr struct {
	Origin uint8
}

func (a OriginAttr) Type() uint8  { return AttrTypeOrigin }
func (a OriginAttr) flags() uint8 { return attrFlagTransitive }

func (a OriginAttr) appendValue(b []byte, o *Options) []byte {
	return append(b, a.Origin)
}

// ASPathSegment is one segment of an AS_PATH: an ordered sequence or an
// unordered set of AS numbers.
type ASPathSegment struct {
	Kind uint8
	ASNs []uint32
}

// ASPathAttr is the well-known mandatory AS_PATH attribute.
type ASPathAttr struct {
	Segments []ASPathSegment
}

func (a ASPathAttr) Type() uint8  { return AttrTypeASPath }
func (a ASPathAttr) flags() uint8 { return attrFlagTransitive }

func (a ASPathAttr) appendValue(b []byte, o *Options) []byte {
	for _, s := range a.Segments {
		b = append(b, s.Kind, uint8(len(s.ASNs)))
		for _, asn := range s.ASNs {
			if o.fourOctetAS() {
				b = binary.BigEndian.AppendUint32(b, asn)
			} else {
				b = binary.BigEndian.AppendUint16(b, twoOctetAS(asn))
			}
		}
	}
	return b
}

// twoOctetAS narrows an ASN for a session without the 4-octet AS capability.
func twoOctetAS(asn uint32) uint16 {
	if asn > 0xffff {
		return uint16(ASTrans)
	}
	return uint16(asn)
}

// NextHopAttr is the well-known mandatory NEXT_HOP attribute.
type NextHopAttr struct {
	NextHop netip.Addr
}

func (a NextHopAttr) Type() uint8  { return AttrTypeNextHop }
func (a NextHopAttr) flags() uint8 { return attrFlagTransitive }

func (a NextHopAttr) appendValue(b []byte, o *Options) []byte {
	return append(b, a.NextHop.AsSlice()...)
}

// MEDAttr is the optional non-transitive MULTI_EXIT_DISC attribute.
type MEDAttr struct {
	MED uint32
}

func (a MEDAttr) Type() uint8  { return AttrTypeMED }
func (a MEDAttr) flags() uint8 { return attrFlagOptional }

func (a MEDAttr) appendValue(b []byte, o *Options) []byte {
	return binary.BigEndian.AppendUint32(b, a.MED)
}

// LocalPrefAttr is the LOCAL_PREF attribute, well-known on iBGP sessions.
type LocalPrefAttr struct {
	LocalPref uint32
}

func (a LocalPrefAttr) Type() uint8  { return AttrTypeLocalPref }
func (a LocalPrefAttr) flags() uint8 { return attrFlagTransitive }

func (a LocalPrefAttr) appendValue(b []byte, o *Options) []byte {
	return binary.BigEndian.AppendUint32(b, a.LocalPref)
}

// AtomicAggregateAttr is the well-known discretionary ATOMIC_AGGREGATE
// attribute. It carries no value.
type AtomicAggregateAttr struct{}

func (a AtomicAggregateAttr) Type() uint8  { return AttrTypeAtomicAggregate }
func (a AtomicAggregateAttr) flags() uint8 { return attrFlagTransitive }

func (a AtomicAggregateAttr) appendValue(b []byte, o *Options) []byte { return b }

// AggregatorAttr is the optional transitive AGGREGATOR attribute.
type AggregatorAttr struct {
	ASN  uint32
	Addr netip.Addr
}

func (a AggregatorAttr) Type() uint8  { return AttrTypeAggregator }
func (a AggregatorAttr) flags() uint8 { return attrFlagOptional | attrFlagTransitive }

func (a AggregatorAttr) appendValue(b []byte, o *Options) []byte {
	if o.fourOctetAS() {
		b = binary.BigEndian.AppendUint32(b, a.ASN)
	} else {
		b = binary.BigEndian.AppendUint16(b, twoOctetAS(a.ASN))
	}
	return append(b, a.Addr.AsSlice()...)
}

// CommunitiesAttr is the optional transitive COMMUNITIES attribute per
// https://datatracker.ietf.org/doc/html/rfc1997.
type CommunitiesAttr struct {
	Communities []uint32
}

func (a CommunitiesAttr) Type() uint8  { return AttrTypeCommunities }
func (a CommunitiesAttr) flags() uint8 { return attrFlagOptional | attrFlagTransitive }

func (a CommunitiesAttr) appendValue(b []byte, o *Options) []byte {
	for _, c := range a.Communities {
		b = binary.BigEndian.AppendUint32(b, c)
	}
	return b
}

// MPReachAttr is the MP_REACH_NLRI attribute per
// https://datatracker.ietf.org/doc/html/rfc4760#section-3.
type MPReachAttr struct {
	AFI     uint16
	SAFI    uint8
	NextHop netip.Addr
	// LinkLocal is the optional IPv6 link-local next hop.
	LinkLocal netip.Addr
	NLRI      []netip.Prefix
}

func (a MPReachAttr) Type() uint8  { return AttrTypeMPReachNLRI }
func (a MPReachAttr) flags() uint8 { return attrFlagOptional }

func (a MPReachAttr) appendValue(b []byte, o *Options) []byte {
	b = binary.BigEndian.AppendUint16(b, a.AFI)
	b = append(b, a.SAFI)
	nh := a.NextHop.AsSlice()
	if a.LinkLocal.IsValid() {
		nh = append(nh, a.LinkLocal.AsSlice()...)
	}
	b = append(b, uint8(len(nh)))
	b = append(b, nh...)
	b = append(b, 0) // reserved
	for _, p := range a.NLRI {
		b = appendPrefix(b, p)
	}
	return b
}

// MPUnreachAttr is the MP_UNREACH_NLRI attribute per
// https://datatracker.ietf.org/doc/html/rfc4760#section-4.
type MPUnreachAttr struct {
	AFI  uint16
	SAFI uint8
	NLRI []netip.Prefix
}

func (a MPUnreachAttr) Type() uint8  { return AttrTypeMPUnreachNLRI }
func (a MPUnreachAttr) flags() uint8 { return attrFlagOptional }

func (a MPUnreachAttr) appendValue(b []byte, o *Options) []byte {
	b = binary.BigEndian.AppendUint16(b, a.AFI)
	b = append(b, a.SAFI)
	for _, p := range a.NLRI {
		b = appendPrefix(b, p)
	}
	return b
}

// UnrecognizedAttr preserves an optional attribute this codec does not model.
// Transitive ones must be passed along unmodified to other peers, per
// https://datatracker.ietf.org/doc/html/rfc4271#section-5.
type UnrecognizedAttr struct {
	Flags    uint8
	TypeCode uint8
	Value    []byte
}

func (a UnrecognizedAttr) Type() uint8 { return a.TypeCode }

func (a UnrecognizedAttr) flags() uint8 { return a.Flags &^ attrFlagExtendedLength }

func (a UnrecognizedAttr) appendValue(b []byte, o *Options) []byte {
	return append(b, a.Value...)
}

// Transitive reports whether the attribute must be propagated to other peers.
func (a UnrecognizedAttr) Transitive() bool {
	return a.Flags&attrFlagTransitive != 0
}

// appendAttribute appends the full TLV encoding of one attribute.
func appendAttribute(b []byte, a Attribute, o *Options) []byte {
	value := a.appendValue(nil, o)
	flags := a.flags()
	if len(value) > 0xff {
		flags |= attrFlagExtendedLength
	}
	b = append(b, flags, a.Type())
	if flags&attrFlagExtendedLength != 0 {
		b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	} else {
		b = append(b, uint8(len(value)))
	}
	return append(b, value...)
}

func parseASPath(value []byte, o *Options) (ASPathAttr, error) {
	asSize := 2
	if o.fourOctetAS() {
		asSize = 4
	}
	var a ASPathAttr
	for len(value) > 0 {
		if len(value) < 2 {
			return a, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedASPath, nil, "truncated AS path segment header")
		}
		kind, count := value[0], int(value[1])
		if kind != SegmentSet && kind != SegmentSequence {
			return a, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedASPath, nil, "unknown AS path segment kind %d", kind)
		}
		value = value[2:]
		if len(value) < count*asSize {
			return a, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedASPath, nil, "AS path segment overruns attribute")
		}
		asns := make([]uint32, count)
		for i := range asns {
			if asSize == 4 {
				asns[i] = binary.BigEndian.Uint32(value[i*4:])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(value[i*2:]))
			}
		}
		a.Segments = append(a.Segments, ASPathSegment{Kind: kind, ASNs: asns})
		value = value[count*asSize:]
	}
	return a, nil
}

func parseNextHopAddr(value []byte) (netip.Addr, netip.Addr, error) {
	switch len(value) {
	case 4, 16:
		nh, _ := netip.AddrFromSlice(value)
		return nh, netip.Addr{}, nil
	case 32:
		// IPv6 global followed by link-local.
		nh, _ := netip.AddrFromSlice(value[:16])
		ll, _ := netip.AddrFromSlice(value[16:])
		return nh, ll, nil
	}
	return netip.Addr{}, netip.Addr{}, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNexthopAttribute, nil, "next hop has length %d", len(value))
}

func parseMPReach(value []byte) (MPReachAttr, error) {
	var a MPReachAttr
	if len(value) < 5 {
		return a, newMessageError(ErrCodeUpdateMessage, ErrSubOptionalAttributeError, nil, "truncated MP_REACH_NLRI")
	}
	a.AFI = binary.BigEndian.Uint16(value[:2])
	a.SAFI = value[2]
	nhLen := int(value[3])
	value = value[4:]
	if len(value) < nhLen+1 {
		return a, newMessageError(ErrCodeUpdateMessage, ErrSubOptionalAttributeError, nil, "MP_REACH_NLRI next hop overruns attribute")
	}
	var err error
	a.NextHop, a.LinkLocal, err = parseNextHopAddr(value[:nhLen])
	if err != nil {
		return a, err
	}
	value = value[nhLen+1:] // skip reserved byte
	a.NLRI, err = parsePrefixes(value, a.AFI)
	return a, err
}

func parseMPUnreach(value []byte) (MPUnreachAttr, error) {
	var a MPUnreachAttr
	if len(value) < 3 {
		return a, newMessageError(ErrCodeUpdateMessage, ErrSubOptionalAttributeError, nil, "truncated MP_UNREACH_NLRI")
	}
	a.AFI = binary.BigEndian.Uint16(value[:2])
	a.SAFI = value[2]
	var err error
	a.NLRI, err = parsePrefixes(value[3:], a.AFI)
	return a, err
}

// parseAttribute consumes one attribute TLV and returns the remainder of the
// buffer. The header bytes of the offending attribute are included in the
// MessageError data so the FSM can echo them in the NOTIFICATION.
func parseAttribute(buf []byte, o *Options) (Attribute, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "truncated attribute header")
	}
	flags, typ := buf[0], buf[1]
	var length, hdrLen int
	if flags&attrFlagExtendedLength != 0 {
		if len(buf) < 4 {
			return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "truncated extended attribute header")
		}
		length = int(binary.BigEndian.Uint16(buf[2:4]))
		hdrLen = 4
	} else {
		length = int(buf[2])
		hdrLen = 3
	}
	if len(buf) < hdrLen+length {
		return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubAttributeLengthError, buf[:hdrLen], "attribute type %d length %d overruns message", typ, length)
	}
	header := buf[:hdrLen]
	value := buf[hdrLen : hdrLen+length]
	rest := buf[hdrLen+length:]

	if want, known := attrFlagsByType[typ]; known {
		got := flags &^ (attrFlagExtendedLength | attrFlagPartial)
		if got != want {
			return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubAttributeFlagsError, header, "attribute type %d has flags %#x, want %#x", typ, got, want)
		}
	} else if flags&attrFlagOptional == 0 {
		// An unrecognized well-known attribute is a hard error; unrecognized
		// optional attributes are carried opaquely below.
		return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubUnrecognizedWellKnownAttr, header, "unrecognized well-known attribute type %d", typ)
	}

	lengthErr := func() error {
		return newMessageError(ErrCodeUpdateMessage, ErrSubAttributeLengthError, header, "attribute type %d has bad length %d", typ, length)
	}
	switch typ {
	case AttrTypeOrigin:
		if length != 1 {
			return nil, nil, lengthErr()
		}
		if value[0] > OriginIncomplete {
			return nil, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidOriginAttribute, header, "invalid origin %d", value[0])
		}
		return OriginAttr{Origin: value[0]}, rest, nil
	case AttrTypeASPath:
		a, err := parseASPath(value, o)
		if err != nil {
			return nil, nil, err
		}
		return a, rest, nil
	case AttrTypeNextHop:
		nh, _, err := parseNextHopAddr(value)
		if err != nil {
			return nil, nil, err
		}
		return NextHopAttr{NextHop: nh}, rest, nil
	case AttrTypeMED:
		if length != 4 {
			return nil, nil, lengthErr()
		}
		return MEDAttr{MED: binary.BigEndian.Uint32(value)}, rest, nil
	case AttrTypeLocalPref:
		if length != 4 {
			return nil, nil, lengthErr()
		}
		return LocalPrefAttr{LocalPref: binary.BigEndian.Uint32(value)}, rest, nil
	case AttrTypeAtomicAggregate:
		if length != 0 {
			return nil, nil, lengthErr()
		}
		return AtomicAggregateAttr{}, rest, nil
	case AttrTypeAggregator:
		switch length {
		case 6:
			addr, _ := netip.AddrFromSlice(value[2:6])
			return AggregatorAttr{ASN: uint32(binary.BigEndian.Uint16(value)), Addr: addr}, rest, nil
		case 8:
			addr, _ := netip.AddrFromSlice(value[4:8])
			return AggregatorAttr{ASN: binary.BigEndian.Uint32(value), Addr: addr}, rest, nil
		}
		return nil, nil, lengthErr()
	case AttrTypeCommunities:
		if length%4 != 0 {
			return nil, nil, lengthErr()
		}
		cs := make([]uint32, length/4)
		for i := range cs {
			cs[i] = binary.BigEndian.Uint32(value[i*4:])
		}
		return CommunitiesAttr{Communities: cs}, rest, nil
	case AttrTypeMPReachNLRI:
		a, err := parseMPReach(value)
		if err != nil {
			return nil, nil, err
		}
		return a, rest, nil
	case AttrTypeMPUnreachNLRI:
		a, err := parseMPUnreach(value)
		if err != nil {
			return nil, nil, err
		}
		return a, rest, nil
	default:
		return UnrecognizedAttr{
			Flags:    flags &^ attrFlagExtendedLength,
			TypeCode: typ,
			Value:    append([]byte(nil), value...),
		}, rest, nil
	}
}
