package tokenring

import "sync"

// state is the guarded mutable state of one token-ring replica: IDLE
// (hasToken=false, wantsCS=false), WAITING (wantsCS=true), HOLDING
// (hasToken=true, wantsCS=false), IN_CS (hasToken=true, inCS=true).
type state struct {
	mu       sync.Mutex
	hasToken bool
	wantsCS  bool
	inCS     bool
}

func (s *state) snapshot() (hasToken, wantsCS, inCS bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasToken, s.wantsCS, s.inCS
}
