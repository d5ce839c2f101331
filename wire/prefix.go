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
	"net/netip"
)

// Address family identifiers from
// https://www.iana.org/assignments/address-family-numbers.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// Subsequent address family identifiers from
// https://datatracker.ietf.org/doc/html/rfc4760#section-6.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// AFIFor returns the address family identifier for an address, or zero if the
// address is invalid.
func AFIFor(a netip.Addr) uint16 {
	switch {
	case a.Is4():
		return AFIIPv4
	case a.Is6():
		return AFIIPv6
	}
	return 0
}

// appendPrefix appends the (length, truncated address) encoding of a prefix
// as used in the NLRI and withdrawn routes fields of an UPDATE.
func appendPrefix(b []byte, p netip.Prefix) []byte {
	bits := p.Bits()
	b = append(b, uint8(bits))
	addr := p.Masked().Addr().AsSlice()
	return append(b, addr[:(bits+7)/8]...)
}

// parsePrefix consumes one prefix of the given address family from buf and
// returns the remainder. Trailing bits beyond the prefix length are zeroed,
// as https://datatracker.ietf.org/doc/html/rfc4271#section-4.3 requires them
// to be disregarded.
func parsePrefix(buf []byte, afi uint16) (netip.Prefix, []byte, error) {
	if len(buf) < 1 {
		return netip.Prefix{}, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "truncated prefix")
	}
	bits := int(buf[0])
	buf = buf[1:]
	var max int
	switch afi {
	case AFIIPv4:
		max = 32
	case AFIIPv6:
		max = 128
	default:
		return netip.Prefix{}, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "unsupported address family %d", afi)
	}
	if bits > max {
		return netip.Prefix{}, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "prefix length %d exceeds maximum %d", bits, max)
	}
	n := (bits + 7) / 8
	if len(buf) < n {
		return netip.Prefix{}, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "truncated prefix body")
	}
	addr := make([]byte, max/8)
	copy(addr, buf[:n])
	a, ok := netip.AddrFromSlice(addr)
	if !ok {
		return netip.Prefix{}, nil, newMessageError(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "invalid prefix address")
	}
	return netip.PrefixFrom(a, bits).Masked(), buf[n:], nil
}

// parsePrefixes consumes prefixes until buf is exhausted.
func parsePrefixes(buf []byte, afi uint16) ([]netip.Prefix, error) {
	var ps []netip.Prefix
	for len(buf) > 0 {
		p, rest, err := parsePrefix(buf, afi)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
		buf = rest
	}
	return ps, nil
}
