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
	"fmt"
	"strconv"
	"strings"
)

// Community is a BGP community as defined in
// https://datatracker.ietf.org/doc/html/rfc1997. The high 16 bits hold the
// originating AS and the low 16 bits a value with meaning local to that AS.
type Community uint32

// ParseCommunity parses a community from a string like "64512:1".
func ParseCommunity(s string) (Community, error) {
	origin, value, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("community is not two parts: %q", s)
	}
	o, err := strconv.ParseUint(origin, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community origin: %v", err)
	}
	v, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid community value: %v", err)
	}
	return Community(o)<<16 | Community(v), nil
}

// Origin returns the AS number part of the community.
func (c Community) Origin() uint16 {
	return uint16(c >> 16)
}

// Value returns the locally assigned part of the community.
func (c Community) Value() uint16 {
	return uint16(c & 0xffff)
}

// String converts a community to a colon separated string like "64512:1".
func (c Community) String() string {
	return fmt.Sprintf("%v:%v", c.Origin(), c.Value())
}
