package cluster

// Add registers a node in the cluster
func (sm *StaticMembership) Add(id NodeID, addr string) error {
	if id == 0 {
		return ErrInvalidNodeID
	}
	if addr == "" {
		return ErrInvalidNodeAddr
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.nodes[id]; exists {
		return ErrNodeAlreadyExists
	}

	sm.nodes[id] = addr
	sm.updateMetricsLocked()
	return nil
}

// Remove removes a node from the cluster
func (sm *StaticMembership) Remove(id NodeID) error {
	if id == sm.self {
		return ErrCannotRemoveSelf
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.nodes[id]; !exists {
		return ErrNodeNotFound
	}

	delete(sm.nodes, id)
	sm.updateMetricsLocked()
	return nil
}
