package store

// LockedKeys reports how many per-key locks are currently allocated.
func (h *Hub) LockedKeys() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}
