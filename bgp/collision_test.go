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

import "testing"

func TestPreferInbound(t *testing.T) {
	for _, tc := range []struct {
		Name              string
		LocalID, PeerID   uint32
		LocalASN, PeerASN uint32
		Want              bool
	}{
		{
			Name:    "higher peer router ID",
			LocalID: 1, PeerID: 2,
			LocalASN: 64521, PeerASN: 64522,
			Want: true,
		},
		{
			Name:    "lower peer router ID",
			LocalID: 2, PeerID: 1,
			LocalASN: 64521, PeerASN: 64522,
			Want: false,
		},
		{
			Name:    "equal router IDs fall back to the higher ASN",
			LocalID: 1, PeerID: 1,
			LocalASN: 64521, PeerASN: 64522,
			Want: true,
		},
		{
			Name:    "equal router IDs and lower peer ASN",
			LocalID: 1, PeerID: 1,
			LocalASN: 64522, PeerASN: 64521,
			Want: false,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := preferInbound(tc.LocalID, tc.PeerID, tc.LocalASN, tc.PeerASN); got != tc.Want {
				t.Errorf("got %v, want %v", got, tc.Want)
			}
		})
	}
}
