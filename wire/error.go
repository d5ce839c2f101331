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

import "fmt"

// NOTIFICATION error codes from
// https://datatracker.ietf.org/doc/html/rfc4271#section-4.5.
const (
	ErrCodeMessageHeader    uint8 = 1
	ErrCodeOpenMessage      uint8 = 2
	ErrCodeUpdateMessage    uint8 = 3
	ErrCodeHoldTimerExpired uint8 = 4
	ErrCodeFSM              uint8 = 5
	ErrCodeCease            uint8 = 6
)

// Message header error subcodes.
const (
	ErrSubConnectionNotSynchronized uint8 = 1
	ErrSubBadMessageLength          uint8 = 2
	ErrSubBadMessageType            uint8 = 3
)

// OPEN message error subcodes. Subcode 7 is defined by
// https://datatracker.ietf.org/doc/html/rfc5492#section-5.
const (
	ErrSubUnsupportedVersionNumber uint8 = 1
	ErrSubBadPeerAS                uint8 = 2
	ErrSubBadBGPIdentifier         uint8 = 3
	ErrSubUnsupportedOptionalParam uint8 = 4
	ErrSubUnacceptableHoldTime     uint8 = 6
	ErrSubUnsupportedCapability    uint8 = 7
)

// UPDATE message error subcodes.
const (
	ErrSubMalformedAttributeList    uint8 = 1
	ErrSubUnrecognizedWellKnownAttr uint8 = 2
	ErrSubMissingWellKnownAttr      uint8 = 3
	ErrSubAttributeFlagsError       uint8 = 4
	ErrSubAttributeLengthError      uint8 = 5
	ErrSubInvalidOriginAttribute    uint8 = 6
	ErrSubInvalidNexthopAttribute   uint8 = 8
	ErrSubOptionalAttributeError    uint8 = 9
	ErrSubInvalidNetworkField       uint8 = 10
	ErrSubMalformedASPath           uint8 = 11
)

// FSM error subcodes from https://datatracker.ietf.org/doc/html/rfc6608.
const (
	ErrSubUnexpectedMessageInOpenSent    uint8 = 1
	ErrSubUnexpectedMessageInOpenConfirm uint8 = 2
	ErrSubUnexpectedMessageInEstablished uint8 = 3
)

// Cease subcodes from https://datatracker.ietf.org/doc/html/rfc4486.
const (
	ErrSubAdministrativeShutdown        uint8 = 2
	ErrSubPeerDeconfigured              uint8 = 3
	ErrSubAdministrativeReset           uint8 = 4
	ErrSubConnectionRejected            uint8 = 5
	ErrSubConnectionCollisionResolution uint8 = 7
	ErrSubOutOfResources                uint8 = 8
)

// A MessageError describes malformed or semantically invalid wire data. The
// code and subcode map directly onto the NOTIFICATION that should be sent to
// the peer before the session is torn down.
type MessageError struct {
	Code    uint8
	Subcode uint8
	// Data is carried in the NOTIFICATION data field, e.g. the offending
	// attribute per https://datatracker.ietf.org/doc/html/rfc4271#section-6.3.
	Data []byte
	// Detail is a human readable explanation. It is not sent to the peer.
	Detail string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("bgp message error (code %d, subcode %d): %s", e.Code, e.Subcode, e.Detail)
}

func newMessageError(code, subcode uint8, data []byte, format string, args ...any) *MessageError {
	return &MessageError{
		Code:    code,
		Subcode: subcode,
		Data:    data,
		Detail:  fmt.Sprintf(format, args...),
	}
}
