package cluster

import "sort"

// Self returns this node's ID
func (sm *StaticMembership) Self() NodeID {
	return sm.self
}

// Snapshot returns a copy of the directory
func (sm *StaticMembership) Snapshot() map[NodeID]string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	nodes := make(map[NodeID]string, len(sm.nodes))
	for id, addr := range sm.nodes {
		nodes[id] = addr
	}
	return nodes
}

// Lookup returns the address of a node
func (sm *StaticMembership) Lookup(id NodeID) (string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	addr, ok := sm.nodes[id]
	return addr, ok
}

// Count returns the number of members including self
func (sm *StaticMembership) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.nodes)
}

// Peers returns every member except self in ascending ID order
func Peers(m Membership) []NodeID {
	self := m.Self()
	ids := make([]NodeID, 0)
	for id := range m.Snapshot() {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HigherPeers returns the members that outrank self, ascending
func HigherPeers(m Membership) []NodeID {
	self := m.Self()
	higher := make([]NodeID, 0)
	for _, id := range Peers(m) {
		if id > self {
			higher = append(higher, id)
		}
	}
	return higher
}
