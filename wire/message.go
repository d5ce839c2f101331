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

// Package wire encodes and decodes BGP-4 messages as specified by RFC 4271
// and the multiprotocol (RFC 4760), 4-octet ASN (RFC 6793), communities
// (RFC 1997) and route refresh (RFC 2918) extensions.
//
// Decoding never panics on malformed input; wire errors are reported as
// *MessageError values whose code and subcode map directly onto the
// NOTIFICATION to send before closing the session.
package wire

import (
	"encoding/binary"
	"io"
	"net/netip"
)

// Message type codes.
const (
	msgTypeOpen         uint8 = 1
	msgTypeUpdate       uint8 = 2
	msgTypeNotification uint8 = 3
	msgTypeKeepalive    uint8 = 4
	msgTypeRouteRefresh uint8 = 5
)

const (
	// HeaderLen is the length of the fixed message header: 16-byte marker,
	// 2-byte length, 1-byte type.
	HeaderLen = 19
	// MaxMessageLen is the largest message permitted by RFC 4271.
	MaxMessageLen = 4096
)

// Options carries capability negotiation outcomes that change how UPDATE
// bodies are laid out on the wire. A nil *Options is valid and selects the
// pre-negotiation defaults.
type Options struct {
	// FourOctetAS selects 4-byte AS number encoding in AS_PATH and
	// AGGREGATOR, per https://datatracker.ietf.org/doc/html/rfc6793.
	FourOctetAS bool
}

func (o *Options) fourOctetAS() bool {
	return o != nil && o.FourOctetAS
}

// A Message is one of *Open, *Update, *Notification, *Keepalive or
// *RouteRefresh. The set of message types is closed by the protocol.
type Message interface {
	Type() uint8
	appendBody(b []byte, o *Options) ([]byte, error)
}

// Open is the OPEN message
// (https://datatracker.ietf.org/doc/html/rfc4271#section-4.2).
type Open struct {
	Version  uint8
	ASN      uint16
	HoldTime uint16
	RouterID netip.Addr
	// Capabilities holds the RFC 5492 capabilities from all capability
	// parameters in the message.
	Capabilities []Capability
	// OtherParams preserves optional parameters other than capabilities.
	OtherParams []UnknownParam
}

// UnknownParam is an optional parameter this codec does not model.
type UnknownParam struct {
	ParamType uint8
	Data      []byte
}

func (m *Open) Type() uint8 { return msgTypeOpen }

func (m *Open) appendBody(b []byte, o *Options) ([]byte, error) {
	if !m.RouterID.Is4() {
		return nil, newMessageError(ErrCodeOpenMessage, ErrSubBadBGPIdentifier, nil, "router ID %v is not an IPv4 address", m.RouterID)
	}
	b = append(b, m.Version)
	b = binary.BigEndian.AppendUint16(b, m.ASN)
	b = binary.BigEndian.AppendUint16(b, m.HoldTime)
	b = append(b, m.RouterID.AsSlice()...)

	var params []byte
	if len(m.Capabilities) > 0 {
		caps := appendCapabilities(nil, m.Capabilities)
		if len(caps) > 0xff {
			return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "capabilities length %d exceeds one optional parameter", len(caps))
		}
		params = append(params, paramTypeCapabilities, uint8(len(caps)))
		params = append(params, caps...)
	}
	for _, p := range m.OtherParams {
		if len(p.Data) > 0xff {
			return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "optional parameter length %d exceeds the length field", len(p.Data))
		}
		params = append(params, p.ParamType, uint8(len(p.Data)))
		params = append(params, p.Data...)
	}
	if len(params) > 0xff {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "optional parameters length %d exceeds the length field", len(params))
	}
	b = append(b, uint8(len(params)))
	return append(b, params...), nil
}

// paramTypeCapabilities is the optional parameter type that carries
// capabilities (https://datatracker.ietf.org/doc/html/rfc5492#section-4).
const paramTypeCapabilities uint8 = 2

func parseOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "open body has length %d, want at least 10", len(body))
	}
	routerID, _ := netip.AddrFromSlice(body[5:9])
	m := &Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: routerID,
	}
	paramLen := int(body[9])
	params := body[10:]
	if len(params) != paramLen {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "optional parameters length %d does not match remaining %d bytes", paramLen, len(params))
	}
	for len(params) > 0 {
		if len(params) < 2 {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedOptionalParam, nil, "truncated optional parameter header")
		}
		typ, length := params[0], int(params[1])
		if len(params) < 2+length {
			return nil, newMessageError(ErrCodeOpenMessage, ErrSubUnsupportedOptionalParam, nil, "optional parameter overruns message")
		}
		value := params[2 : 2+length]
		if typ == paramTypeCapabilities {
			caps, err := parseCapabilities(value)
			if err != nil {
				return nil, err
			}
			m.Capabilities = append(m.Capabilities, caps...)
		} else {
			m.OtherParams = append(m.OtherParams, UnknownParam{ParamType: typ, Data: append([]byte(nil), value...)})
		}
		params = params[2+length:]
	}
	return m, nil
}

// Update is the UPDATE message
// (https://datatracker.ietf.org/doc/html/rfc4271#section-4.3). WithdrawnRoutes
// and NLRI carry IPv4 prefixes; other families travel in the MP_REACH_NLRI
// and MP_UNREACH_NLRI attributes.
type Update struct {
	WithdrawnRoutes []netip.Prefix
	Attributes      []Attribute
	NLRI            []netip.Prefix
}

func (m *Update) Type() uint8 { return msgTypeUpdate }

func (m *Update) appendBody(b []byte, o *Options) ([]byte, error) {
	var withdrawn []byte
	for _, p := range m.WithdrawnRoutes {
		withdrawn = appendPrefix(withdrawn, p)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(withdrawn)))
	b = append(b, withdrawn...)

	var attrs []byte
	for _, a := range m.Attributes {
		attrs = appendAttribute(attrs, a, o)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(attrs)))
	b = append(b, attrs...)

	for _, p := range m.NLRI {
		b = appendPrefix(b, p)
	}
	return b, nil
}

func parseUpdate(body []byte, o *Options) (*Update, error) {
	if len(body) < 4 {
		return nil, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "update body has length %d, want at least 4", len(body))
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+withdrawnLen+2 {
		return nil, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "withdrawn routes overrun message")
	}
	m := &Update{}
	var err error
	if m.WithdrawnRoutes, err = parsePrefixes(body[2:2+withdrawnLen], AFIIPv4); err != nil {
		return nil, err
	}
	body = body[2+withdrawnLen:]
	attrLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+attrLen {
		return nil, newMessageError(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "path attributes overrun message")
	}
	attrs := body[2 : 2+attrLen]
	for len(attrs) > 0 {
		var a Attribute
		if a, attrs, err = parseAttribute(attrs, o); err != nil {
			return nil, err
		}
		m.Attributes = append(m.Attributes, a)
	}
	if m.NLRI, err = parsePrefixes(body[2+attrLen:], AFIIPv4); err != nil {
		return nil, err
	}
	return m, nil
}

// Notification is the NOTIFICATION message
// (https://datatracker.ietf.org/doc/html/rfc4271#section-4.5).
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (m *Notification) Type() uint8 { return msgTypeNotification }

func (m *Notification) appendBody(b []byte, o *Options) ([]byte, error) {
	b = append(b, m.Code, m.Subcode)
	return append(b, m.Data...), nil
}

func parseNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "notification body has length %d, want at least 2", len(body))
	}
	m := &Notification{Code: body[0], Subcode: body[1]}
	if len(body) > 2 {
		m.Data = append([]byte(nil), body[2:]...)
	}
	return m, nil
}

// Keepalive is the KEEPALIVE message. It has no body.
type Keepalive struct{}

func (m *Keepalive) Type() uint8 { return msgTypeKeepalive }

func (m *Keepalive) appendBody(b []byte, o *Options) ([]byte, error) { return b, nil }

// RouteRefresh is the ROUTE-REFRESH message
// (https://datatracker.ietf.org/doc/html/rfc2918). It asks the peer to
// re-advertise all routes of one family.
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

func (m *RouteRefresh) Type() uint8 { return msgTypeRouteRefresh }

func (m *RouteRefresh) appendBody(b []byte, o *Options) ([]byte, error) {
	b = binary.BigEndian.AppendUint16(b, m.AFI)
	return append(b, 0, m.SAFI), nil
}

func parseRouteRefresh(body []byte) (*RouteRefresh, error) {
	if len(body) != 4 {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "route refresh body has length %d, want 4", len(body))
	}
	return &RouteRefresh{AFI: binary.BigEndian.Uint16(body[:2]), SAFI: body[3]}, nil
}

// Encode serializes a message, including the fixed header.
func Encode(m Message, o *Options) ([]byte, error) {
	body, err := m.appendBody(nil, o)
	if err != nil {
		return nil, err
	}
	if HeaderLen+len(body) > MaxMessageLen {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "message length %d exceeds maximum %d", HeaderLen+len(body), MaxMessageLen)
	}
	b := make([]byte, 0, HeaderLen+len(body))
	for i := 0; i < 16; i++ {
		b = append(b, 0xff)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(HeaderLen+len(body)))
	b = append(b, m.Type())
	return append(b, body...), nil
}

// parseHeader validates the fixed header and returns the total message length
// and type.
func parseHeader(hdr []byte) (int, uint8, error) {
	for _, c := range hdr[:16] {
		if c != 0xff {
			return 0, 0, newMessageError(ErrCodeMessageHeader, ErrSubConnectionNotSynchronized, nil, "marker is not all ones")
		}
	}
	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	typ := hdr[18]
	if length < HeaderLen || length > MaxMessageLen {
		return 0, 0, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, hdr[16:18], "message length %d out of range", length)
	}
	return length, typ, nil
}

func parseBody(typ uint8, body []byte, o *Options) (Message, error) {
	switch typ {
	case msgTypeOpen:
		return parseOpen(body)
	case msgTypeUpdate:
		return parseUpdate(body, o)
	case msgTypeNotification:
		return parseNotification(body)
	case msgTypeKeepalive:
		if len(body) != 0 {
			return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "keepalive has %d body bytes, want 0", len(body))
		}
		return &Keepalive{}, nil
	case msgTypeRouteRefresh:
		return parseRouteRefresh(body)
	default:
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageType, []byte{typ}, "unrecognized message type %d", typ)
	}
}

// Decode parses a single message from a buffer that contains exactly one
// message.
func Decode(b []byte, o *Options) (Message, error) {
	if len(b) < HeaderLen {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, nil, "buffer of %d bytes is shorter than a message header", len(b))
	}
	length, typ, err := parseHeader(b[:HeaderLen])
	if err != nil {
		return nil, err
	}
	if length != len(b) {
		return nil, newMessageError(ErrCodeMessageHeader, ErrSubBadMessageLength, b[16:18], "header length %d does not match buffer length %d", length, len(b))
	}
	return parseBody(typ, b[HeaderLen:], o)
}

// ReadMessage frames and decodes a single message from a stream.
func ReadMessage(r io.Reader, o *Options) (Message, error) {
	var buf [MaxMessageLen]byte
	if _, err := io.ReadFull(r, buf[:HeaderLen]); err != nil {
		return nil, err
	}
	length, typ, err := parseHeader(buf[:HeaderLen])
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, buf[HeaderLen:length]); err != nil {
		return nil, err
	}
	return parseBody(typ, buf[HeaderLen:length], o)
}
