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

import "encoding/binary"

// Capability codes from
// https://www.iana.org/assignments/capability-codes.
const (
	capCodeMultiprotocol uint8 = 1
	capCodeRouteRefresh  uint8 = 2
	capCodeFourOctetAS   uint8 = 65
	capCodeFQDN          uint8 = 73
)

// A Capability is advertised in the OPEN message to tell the peer about a
// supported protocol extension, per
// https://datatracker.ietf.org/doc/html/rfc5492.
type Capability interface {
	Code() uint8
	appendValue(b []byte) []byte
}

// CapMultiprotocol announces support for a route family per
// https://datatracker.ietf.org/doc/html/rfc4760#section-8.
type CapMultiprotocol struct {
	AFI  uint16
	SAFI uint8
}

func (c CapMultiprotocol) Code() uint8 { return capCodeMultiprotocol }

func (c CapMultiprotocol) appendValue(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, c.AFI)
	return append(b, 0, c.SAFI)
}

// CapRouteRefresh announces support for the ROUTE-REFRESH message per
// https://datatracker.ietf.org/doc/html/rfc2918.
type CapRouteRefresh struct{}

func (c CapRouteRefresh) Code() uint8 { return capCodeRouteRefresh }

func (c CapRouteRefresh) appendValue(b []byte) []byte { return b }

// CapFourOctetAS announces support for 4-byte AS numbers and carries the
// speaker's real ASN, per https://datatracker.ietf.org/doc/html/rfc6793.
type CapFourOctetAS struct {
	ASN uint32
}

func (c CapFourOctetAS) Code() uint8 { return capCodeFourOctetAS }

func (c CapFourOctetAS) appendValue(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, c.ASN)
}

// CapFQDN carries the speaker's host and domain name for display purposes.
type CapFQDN struct {
	Hostname string
	Domain   string
}

func (c CapFQDN) Code() uint8 { return capCodeFQDN }

func (c CapFQDN) appendValue(b []byte) []byte {
	b = append(b, uint8(len(c.Hostname)))
	b = append(b, c.Hostname...)
	b = append(b, uint8(len(c.Domain)))
	return append(b, c.Domain...)
}

// CapUnknown preserves a capability this codec does not model so that it can
// be logged or matched by code.
type CapUnknown struct {
	CapCode uint8
	Data    []byte
}

func (c CapUnknown) Code() uint8 { return c.CapCode }

func (c CapUnknown) appendValue(b []byte) []byte {
	return append(b, c.Data...)
}

func parseCapability(code uint8, data []byte) (Capability, error) {
	switch code {
	case capCodeMultiprotocol:
		if len(data) != 4 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedCapability, nil, "multiprotocol capability has length %d, want 4", len(data))
		}
		return CapMultiprotocol{
			AFI:  binary.BigEndian.Uint16(data[:2]),
			SAFI: data[3],
		}, nil
	case capCodeRouteRefresh:
		return CapRouteRefresh{}, nil
	case capCodeFourOctetAS:
		if len(data) != 4 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedCapability, nil, "4-octet AS capability has length %d, want 4", len(data))
		}
		return CapFourOctetAS{ASN: binary.BigEndian.Uint32(data)}, nil
	case capCodeFQDN:
		if len(data) < 2 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedCapability, nil, "truncated fqdn capability")
		}
		hl := int(data[0])
		if len(data) < 1+hl+1 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedCapability, nil, "truncated fqdn capability hostname")
		}
		host := string(data[1 : 1+hl])
		dl := int(data[1+hl])
		if len(data) < 2+hl+dl {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedCapability, nil, "truncated fqdn capability domain")
		}
		return CapFQDN{Hostname: host, Domain: string(data[2+hl : 2+hl+dl])}, nil
	default:
		return CapUnknown{CapCode: code, Data: append([]byte(nil), data...)}, nil
	}
}

// parseCapabilities parses the value of a capabilities optional parameter,
// which holds a sequence of (code, length, value) triplets.
func parseCapabilities(buf []byte) ([]Capability, error) {
	var caps []Capability
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedOptionalParam, nil, "truncated capability header")
		}
		code, length := buf[0], int(buf[1])
		if len(buf) < 2+length {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedOptionalParam, nil, "capability length %d overruns parameter", length)
		}
		c, err := parseCapability(code, buf[2:2+length])
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
		buf = buf[2+length:]
	}
	return caps, nil
}

func appendCapabilities(b []byte, caps []Capability) []byte {
	for _, c := range caps {
		value := c.appendValue(nil)
		b = append(b, c.Code(), uint8(len(value)))
		b = append(b, value...)
	}
	return b
}
