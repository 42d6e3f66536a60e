package causal

import "sync"

// Event is a causally-ordered post or reply.
type Event struct {
	OriginID      int    `json:"origin_id"`
	EventID       string `json:"event_id"`
	ParentEventID string `json:"parent_event_id,omitempty"`
	Author        string `json:"author"`
	Text          string `json:"text"`
	VectorClock   []int  `json:"vector_clock"`
}

func (e Event) isReply() bool { return e.ParentEventID != "" }

// state is the guarded mutable state: the local vector clock, delivered
// posts keyed by event id, replies grouped by parent id, and the holdback
// buffer of received-but-undelivered events.
type state struct {
	mu              sync.Mutex
	vclock          []int
	deliveredPosts  map[string]Event
	repliesByParent map[string][]Event
	buffer          []Event
}

func newState(n int) *state {
	return &state{
		vclock:          make([]int, n),
		deliveredPosts:  make(map[string]Event),
		repliesByParent: make(map[string][]Event),
	}
}
