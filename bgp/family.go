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

	"github.com/featherbgp/featherbgp/wire"
)

// A Family identifies a route family as an AFI/SAFI tuple.
type Family uint32

const (
	IPv4Unicast = Family(wire.AFIIPv4)<<16 | Family(wire.SAFIUnicast)
	IPv6Unicast = Family(wire.AFIIPv6)<<16 | Family(wire.SAFIUnicast)
)

func NewFamily(afi uint16, safi uint8) Family {
	return Family(afi)<<16 | Family(safi)
}

func (f Family) Split() (uint16, uint8) {
	return uint16(f >> 16), uint8(f & 0xffff)
}

// FamilyFor returns the unicast family of an address, or zero if the address
// is invalid.
func FamilyFor(a netip.Addr) Family {
	switch {
	case a.Is4():
		return IPv4Unicast
	case a.Is6():
		return IPv6Unicast
	default:
		return 0
	}
}
