package bully

import "sync"

// state is the guarded mutable state of one bully-election replica.
// Every field is read and written only while holding mu; outbound I/O
// happens after it is released, per spec.md §5.
type state struct {
	mu                 sync.Mutex
	leaderID           int // 0 means "no leader known yet"
	electionInProgress bool
}

func (s *state) snapshot() (leaderID int, electing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID, s.electionInProgress
}
