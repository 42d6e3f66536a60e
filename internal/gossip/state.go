package gossip

import "sync"

// Event is a best-effort gossiped post or reply, timestamped with a
// Lamport clock rather than a vector clock.
type Event struct {
	OriginID      int    `json:"origin_id"`
	EventID       string `json:"event_id"`
	ParentEventID string `json:"parent_event_id,omitempty"`
	Author        string `json:"author"`
	Text          string `json:"text"`
	Timestamp     int    `json:"timestamp"`
}

func (e Event) isReply() bool { return e.ParentEventID != "" }

// state is the guarded mutable state: a Lamport clock plus delivered
// posts and parent-grouped replies. Replies may reference a parent not
// yet seen; they stay retained and become reachable once it arrives.
type state struct {
	mu              sync.Mutex
	clock           int
	posts           map[string]Event
	repliesByParent map[string][]Event
}

func newState() *state {
	return &state{
		posts:           make(map[string]Event),
		repliesByParent: make(map[string][]Event),
	}
}
