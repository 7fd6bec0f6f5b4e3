package ledger

// Tamper overwrites a stored entry in place so tests can simulate a
// corrupted chain.
func (s *MemoryStore) Tamper(index int, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.entries[index])
}
