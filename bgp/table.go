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
	"context"
	"iter"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// editsBufferSize is the number of table edits that are tracked to
	// support incremental syncing. If the edits between two polling cycles
	// exceed this, consumers have to iterate over the whole table to resync.
	editsBufferSize = 1024
	// watchInterval is how often WatchBest and the per-peer send loops poll
	// for table changes.
	watchInterval = 1 * time.Second
)

// edits holds a circular buffer of recent table edits. It is what allows
// consumers to recompute only the prefixes affected by a mutation instead of
// rescanning the full table on every single-prefix change.
type edits struct {
	edits [editsBufferSize]struct {
		nlri    netip.Prefix
		version int64
	}
	next int
}

// mark records an edit if version differs from prior.
func (e *edits) mark(nlri netip.Prefix, version, prior int64) {
	if version == prior {
		return
	}
	e.edits[e.next].nlri = nlri
	e.edits[e.next].version = version
	e.next = (e.next + 1) % editsBufferSize
}

// changedSince populates out with the prefixes that have changed since the
// last version. The caller should provide an output slice of size
// editsBufferSize. The number of changed prefixes is returned, along with a
// boolean whether the output is complete. If the output is incomplete, the
// caller should iterate over the whole table to catch up and then resume
// calling changedSince with a newer last version.
func (e *edits) changedSince(out []netip.Prefix, last int64) (int, bool) {
	next := e.next
	if e.edits[next].version > last {
		// Not enough history to enumerate the changes.
		return 0, false
	}
	limit := min(len(out), editsBufferSize)
	var j int
	for i := 0; i < limit; i++ {
		if e.edits[next].version <= last {
			// The caller already knows about this edit.
			next = (next + 1) % editsBufferSize
			continue
		}
		out[j] = e.edits[next].nlri
		j++
		next = (next + 1) % editsBufferSize
	}
	return j, true
}

// A network is one prefix's candidate set: at most one path per peer.
type network struct {
	paths   []*Path
	version int64
	sorted  bool
}

func (n *network) addPath(t *Table, p *Path) {
	for i, old := range n.paths {
		if old.Peer == p.Peer {
			// A previously received path from the same peer is implicitly
			// replaced, https://datatracker.ietf.org/doc/html/rfc4271#section-3.2.
			if old.Equal(p) {
				// Unchanged re-advertisement.
				return
			}
			p.order = t.order.Add(1)
			n.paths[i] = p
			n.version = t.version.Add(1)
			n.sorted = false
			return
		}
	}
	p.order = t.order.Add(1)
	n.paths = append(n.paths, p)
	n.version = t.version.Add(1)
	n.sorted = false
}

func (n *network) removePath(t *Table, peer netip.Addr) {
	before := len(n.paths)
	n.paths = slices.DeleteFunc(n.paths, func(old *Path) bool {
		return old.Peer == peer
	})
	if len(n.paths) != before {
		n.version = t.version.Add(1)
	}
}

func (n *network) bestPath(cmp func(a, b *Path) int) (*Path, bool) {
	if len(n.paths) == 0 {
		return nil, false
	}
	if !n.sorted {
		slices.SortStableFunc(n.paths, cmp)
		n.sorted = true
	}
	return n.paths[0], true
}

// A Table is the merged routing information base for one route family. Every
// peer's received paths (its Adj-RIB-In contribution) are inserted keyed by
// prefix and peer; the best path per prefix, under the deterministic
// comparator, is the Loc-RIB entry for that prefix. Local routes are added
// with a zero Peer address.
//
// All methods are safe for concurrent use.
type Table struct {
	// Compare decides which path is the better route. If nil, the package
	// level Compare function is used.
	Compare func(a, b *Path) int

	version  atomic.Int64
	order    atomic.Int64
	mu       sync.Mutex
	networks map[netip.Prefix]*network
	edits    edits
}

func (t *Table) cmp() func(a, b *Path) int {
	if t.Compare != nil {
		return t.Compare
	}
	return Compare
}

// network returns a single network entry, creating it on first use.
// The caller must hold t.mu.
func (t *Table) network(nlri netip.Prefix) *network {
	if n := t.networks[nlri]; n != nil {
		return n
	}
	if t.networks == nil {
		t.networks = map[netip.Prefix]*network{}
	}
	n := &network{}
	t.networks[nlri] = n
	return n
}

// hasNetwork returns whether the prefix has at least one path. It avoids
// allocating a network entry when processing a withdraw for a route that was
// never inserted.
func (t *Table) hasNetwork(nlri netip.Prefix) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.networks[nlri]
	return ok && len(n.paths) > 0
}

// AddPath inserts a path for the given prefix, replacing any previously
// received path from the same peer. The table takes ownership of the path.
func (t *Table) AddPath(nlri netip.Prefix, p *Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.network(nlri)
	prior := n.version
	n.addPath(t, p)
	t.edits.mark(nlri, n.version, prior)
}

// RemovePath withdraws the path received from the specified peer. It is safe
// to call even if no path from the peer is present.
func (t *Table) RemovePath(nlri netip.Prefix, peer netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.networks[nlri]
	if !ok {
		return
	}
	prior := n.version
	n.removePath(t, peer)
	t.edits.mark(nlri, n.version, prior)
}

// RemovePathsFrom withdraws every path received from the specified peer. It
// is called on session teardown so the peer's entire contribution leaves the
// table at once.
func (t *Table) RemovePathsFrom(peer netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nlri, n := range t.networks {
		prior := n.version
		n.removePath(t, peer)
		t.edits.mark(nlri, n.version, prior)
	}
}

// Clear removes every path from the table.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nlri, n := range t.networks {
		if len(n.paths) == 0 {
			continue
		}
		prior := n.version
		n.paths = nil
		n.version = t.version.Add(1)
		t.edits.mark(nlri, n.version, prior)
	}
}

// BestRoute returns the Loc-RIB entry for a prefix: the best path among the
// current candidates, or false if no path exists.
func (t *Table) BestRoute(nlri netip.Prefix) (*Path, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.networks[nlri]
	if !ok {
		return nil, false
	}
	return n.bestPath(t.cmp())
}

// Routes returns an iterator that yields all candidate paths for one prefix.
func (t *Table) Routes(nlri netip.Prefix) iter.Seq[*Path] {
	return func(yield func(*Path) bool) {
		t.mu.Lock()
		n, ok := t.networks[nlri]
		if !ok {
			t.mu.Unlock()
			return
		}
		paths := slices.Clone(n.paths)
		t.mu.Unlock()
		for _, p := range paths {
			if !yield(p) {
				return
			}
		}
	}
}

// AllRoutes returns an iterator that yields every candidate path for every
// prefix.
func (t *Table) AllRoutes() iter.Seq2[netip.Prefix, *Path] {
	return func(yield func(netip.Prefix, *Path) bool) {
		for _, nlri := range t.Prefixes() {
			for p := range t.Routes(nlri) {
				if !yield(nlri, p) {
					return
				}
			}
		}
	}
}

// PathsFrom returns a snapshot of the paths received from one peer: that
// peer's Adj-RIB-In contribution to this table.
func (t *Table) PathsFrom(peer netip.Addr) iter.Seq2[netip.Prefix, *Path] {
	return func(yield func(netip.Prefix, *Path) bool) {
		for _, nlri := range t.Prefixes() {
			t.mu.Lock()
			var found *Path
			if n, ok := t.networks[nlri]; ok {
				for _, p := range n.paths {
					if p.Peer == peer {
						found = p
						break
					}
				}
			}
			t.mu.Unlock()
			if found != nil && !yield(nlri, found) {
				return
			}
		}
	}
}

// Prefixes returns a snapshot of all prefixes in the table, including ones
// whose candidate set is currently empty.
func (t *Table) Prefixes() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := make([]netip.Prefix, 0, len(t.networks))
	for nlri := range t.networks {
		ps = append(ps, nlri)
	}
	return ps
}

// BestRoutes returns an iterator that yields the best path for each prefix:
// a snapshot of the whole Loc-RIB for this family.
func (t *Table) BestRoutes() iter.Seq2[netip.Prefix, *Path] {
	return func(yield func(netip.Prefix, *Path) bool) {
		for _, nlri := range t.Prefixes() {
			t.mu.Lock()
			var best *Path
			if n, ok := t.networks[nlri]; ok {
				best, _ = n.bestPath(t.cmp())
			}
			t.mu.Unlock()
			if best != nil {
				if !yield(nlri, best) {
					return
				}
			}
		}
	}
}

// exportFunc transforms a path for announcement to one consumer. It returns
// an error to suppress the route.
type exportFunc func(nlri netip.Prefix, p *Path) (*Path, error)

// updatedRoutes returns an iterator that yields only the routes whose best
// path changed since the last call, as (prefix, exported path) pairs; a nil
// path signals a withdrawal. State is tracked across calls through the
// tracked and suppressed maps, which double as the consumer's record of what
// it last announced (the Adj-RIB-Out of a peer session). Setting reevaluate
// forces every route through the export function again, as required after a
// ROUTE-REFRESH or a policy change.
func (t *Table) updatedRoutes(export exportFunc, tracked map[netip.Prefix]*Path, suppressed map[netip.Prefix]struct{}, version *int64, reevaluate bool) iter.Seq2[netip.Prefix, *Path] {
	return func(yield func(netip.Prefix, *Path) bool) {
		// announce yields an announcement, if the export function allows it
		// and an identical route is not already tracked. It returns true if
		// further iteration is still needed.
		announce := func(nlri netip.Prefix, p *Path) bool {
			old, isTracked := tracked[nlri]
			if !reevaluate && isTracked && p == old {
				return true // Route is unchanged.
			}
			tracked[nlri] = p
			exported, err := export(nlri, p)
			if err != nil {
				// The export decision is a suppression. If a route was
				// previously announced, it must be withdrawn.
				if isTracked {
					if _, ok := suppressed[nlri]; !ok {
						if !yield(nlri, nil) {
							return false
						}
					}
				}
				suppressed[nlri] = struct{}{}
				return true
			}
			delete(suppressed, nlri)
			return yield(nlri, exported)
		}

		// withdraw yields a withdrawal, if the route is no longer present.
		withdraw := func(nlri netip.Prefix) bool {
			if !t.hasNetwork(nlri) {
				wasSuppressed := false
				if _, ok := suppressed[nlri]; ok {
					wasSuppressed = true
				}
				delete(tracked, nlri)
				delete(suppressed, nlri)
				if !wasSuppressed && !yield(nlri, nil) {
					return false
				}
			}
			return true
		}

		// Get the list of prefixes that changed since the last call.
		t.mu.Lock()
		changed := make([]netip.Prefix, editsBufferSize)
		n, ok := t.edits.changedSince(changed, *version)
		current := t.version.Load()
		t.mu.Unlock()

		if ok && !reevaluate {
			// Announce or withdraw the latest routes for the changed
			// prefixes. This may skip intermediate updates if a route
			// changed several times rapidly.
			for i := 0; i < n; i++ {
				nlri := changed[i]
				t.mu.Lock()
				var best *Path
				if nw, ok := t.networks[nlri]; ok {
					best, _ = nw.bestPath(t.cmp())
				}
				t.mu.Unlock()
				if best != nil {
					if !announce(nlri, best) {
						return
					}
				} else if _, ok := tracked[nlri]; ok {
					if !withdraw(nlri) {
						return
					}
				}
			}
			*version = current
			return
		}

		// The edits buffer was overrun (or a reevaluation was requested).
		// Resync the whole table. This costs some CPU locally but no extra
		// network traffic, as the tracked and suppressed maps guard against
		// duplicate announcements.
		*version = current
		for nlri, best := range t.BestRoutes() {
			if !announce(nlri, best) {
				return
			}
		}
		for nlri := range tracked {
			if !withdraw(nlri) {
				return
			}
		}
	}
}

// WatchBest returns an iterator that yields the best path for each prefix in
// each table, then keeps yielding (prefix, path) pairs as Loc-RIB entries
// change, until ctx is done. The disappearance of a route is signaled with a
// nil path. This is the boundary where an external collaborator installs
// selected routes into a kernel forwarding table.
func WatchBest(ctx context.Context, tables ...*Table) iter.Seq2[netip.Prefix, *Path] {
	if len(tables) == 0 {
		return func(yield func(netip.Prefix, *Path) bool) {}
	}
	tracked := make([]map[netip.Prefix]*Path, len(tables))
	suppressed := make([]map[netip.Prefix]struct{}, len(tables))
	versions := make([]int64, len(tables))
	for i := range tables {
		tracked[i] = map[netip.Prefix]*Path{}
		suppressed[i] = map[netip.Prefix]struct{}{}
	}
	passthrough := func(nlri netip.Prefix, p *Path) (*Path, error) { return p, nil }
	return func(yield func(netip.Prefix, *Path) bool) {
		for {
			for i, t := range tables {
				for nlri, p := range t.updatedRoutes(passthrough, tracked[i], suppressed[i], &versions[i], false) {
					if !yield(nlri, p) {
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchInterval):
			}
		}
	}
}
