package ldn

import (
	"sync"
	"time"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/proxy"
)

// NetworkState is the shared view of the virtual network: which member
// endpoints have been heard from, the measured relay round-trip time and
// whether the network has dissolved. All access is serialized; callers on
// the dispatch path and API readers never observe a torn update.
type NetworkState struct {
	mu        sync.Mutex
	rtt       time.Duration
	members   map[proxy.Endpoint]time.Time
	dissolved bool
}

// NewNetworkState returns an empty, live network view.
func NewNetworkState() *NetworkState {
	return &NetworkState{members: make(map[proxy.Endpoint]time.Time)}
}

// RecordRTT stores the latest round-trip sample.
func (n *NetworkState) RecordRTT(rtt time.Duration) {
	n.mu.Lock()
	n.rtt = rtt
	n.mu.Unlock()
}

// RTT returns the last recorded round-trip time, zero before any sample.
func (n *NetworkState) RTT() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rtt
}

// MarkSeen records traffic from a member endpoint.
func (n *NetworkState) MarkSeen(ep proxy.Endpoint) {
	if ep.IsZero() {
		return
	}
	n.mu.Lock()
	n.members[ep] = time.Now()
	n.mu.Unlock()
}

// Forget drops a member endpoint from the view.
func (n *NetworkState) Forget(ep proxy.Endpoint) {
	n.mu.Lock()
	delete(n.members, ep)
	n.mu.Unlock()
}

// Members returns a snapshot of known member endpoints.
func (n *NetworkState) Members() []proxy.Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]proxy.Endpoint, 0, len(n.members))
	for ep := range n.members {
		out = append(out, ep)
	}
	return out
}

// LastSeen returns when a member was last heard from.
func (n *NetworkState) LastSeen(ep proxy.Endpoint) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.members[ep]
	return at, ok
}

// Dissolve marks the network as gone and clears the member view. Set when
// the master leaves; further members are not expected.
func (n *NetworkState) Dissolve() {
	n.mu.Lock()
	n.dissolved = true
	n.members = make(map[proxy.Endpoint]time.Time)
	n.mu.Unlock()
}

// Dissolved reports whether the master has left.
func (n *NetworkState) Dissolved() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dissolved
}

// Revive clears the dissolved flag after a fresh connection.
func (n *NetworkState) Revive() {
	n.mu.Lock()
	n.dissolved = false
	n.mu.Unlock()
}
