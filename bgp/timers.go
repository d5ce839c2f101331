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
	"math/rand"
	"time"
)

const (
	// defaultHoldTime is the hold time proposed in outgoing OPEN messages.
	// The effective hold time of a session is the minimum of the values
	// proposed by both ends.
	defaultHoldTime = 90 * time.Second
	// minHoldTime is the smallest nonzero hold time accepted from a peer. A
	// peer may also propose zero to disable keepalives entirely.
	minHoldTime = 3 * time.Second
	// defaultKeepAliveFuzz spreads out keepalive transmission so sessions
	// established at the same moment don't stay synchronized.
	defaultKeepAliveFuzz = 2 * time.Second
	// defaultOpenTimeout is the timeout to dial the peer and transmit an OPEN.
	defaultOpenTimeout = 10 * time.Second
	// defaultMessageTimeout is the timeout for most messages sent and received.
	defaultMessageTimeout = 30 * time.Second
	// defaultNotificationTimeout is the transmit timeout for NOTIFICATIONs.
	defaultNotificationTimeout = 3 * time.Second
)

type Timers struct {
	// HoldTime is the hold time proposed to the peer. If zero, 90 seconds is
	// proposed. The negotiated value may be lower.
	HoldTime time.Duration
	// KeepAliveInterval overrides the keepalive interval, which is otherwise
	// derived as one third of the negotiated hold time.
	KeepAliveInterval time.Duration
	KeepAliveFuzz     time.Duration
}

func newTimers(from *Timers) *Timers {
	t := &Timers{
		HoldTime:      defaultHoldTime,
		KeepAliveFuzz: defaultKeepAliveFuzz,
	}
	if from != nil {
		if from.HoldTime != 0 {
			t.HoldTime = from.HoldTime
		}
		if from.KeepAliveInterval != 0 {
			t.KeepAliveInterval = from.KeepAliveInterval
			t.KeepAliveFuzz = from.KeepAliveFuzz
		}
	}
	return t
}

// keepAliveInterval returns the interval between keepalives for a session
// with the given negotiated hold time, or zero if keepalives are disabled.
func (t *Timers) keepAliveInterval(holdTime time.Duration) time.Duration {
	if holdTime == 0 {
		return 0
	}
	if t.KeepAliveInterval != 0 {
		return t.KeepAliveInterval
	}
	return holdTime / 3
}

// nextKeepAlive returns the delay until the next keepalive should be sent.
// The fuzz is capped at half the interval so that a short negotiated hold
// time cannot be exceeded by a delayed keepalive.
func (t *Timers) nextKeepAlive(holdTime time.Duration) time.Duration {
	interval := t.keepAliveInterval(holdTime)
	fuzz := min(t.KeepAliveFuzz, interval/2)
	if fuzz == 0 || interval == 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(fuzz)))
}
