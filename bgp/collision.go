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

// preferInbound decides a connection collision: both speakers opened a TCP
// connection to each other and the handshakes are racing. It reports whether
// the connection initiated by the peer should survive.
//
// Per https://datatracker.ietf.org/doc/html/rfc4271#section-6.8 the
// connection initiated by the speaker with the higher BGP Identifier is kept.
// If the identifiers are equal, which can happen across distinct ASes,
// https://datatracker.ietf.org/doc/html/rfc6286#section-2.3 breaks the tie by
// the higher AS number.
func preferInbound(localID, peerID, localASN, peerASN uint32) bool {
	if peerID != localID {
		return peerID > localID
	}
	return peerASN > localASN
}
