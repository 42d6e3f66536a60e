package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/logging"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
)

func newTestEngine(selfID int) *Engine {
	cfg := config.Config{
		SelfID: selfID,
		Peers:  map[int]string{1: "http://unused", 2: "http://unused", 3: "http://unused"},
		Tuning: config.DefaultTuning(),
	}
	return New(cfg, peerclient.New(), logging.New("gossip", selfID))
}

// TestOrphanReplyBecomesInFeed is spec.md scenario 5: a reply whose parent
// is still in flight appears immediately as an orphan, then transitions
// once the parent arrives.
func TestOrphanReplyBecomesInFeed(t *testing.T) {
	e := newTestEngine(2)

	reply := Event{OriginID: 1, EventID: "r1", ParentEventID: "p1", Author: "a", Text: "hi", Timestamp: 2}
	e.Share(reply)

	assert.True(t, e.IsOrphan("p1"))

	post := Event{OriginID: 1, EventID: "p1", Author: "a", Text: "hello", Timestamp: 1}
	e.Share(post)

	assert.False(t, e.IsOrphan("p1"))

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	require.Len(t, e.state.repliesByParent["p1"], 1)
	assert.Equal(t, "r1", e.state.repliesByParent["p1"][0].EventID)
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	e := newTestEngine(2)
	ev := Event{OriginID: 1, EventID: "p1", Author: "a", Text: "hi", Timestamp: 1}

	e.Share(ev)
	e.Share(ev)

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	assert.Len(t, e.state.posts, 1)
}

func TestLamportClockAdvancesOnReceive(t *testing.T) {
	e := newTestEngine(1)
	e.state.clock = 3

	e.Share(Event{OriginID: 2, EventID: "p1", Author: "a", Text: "hi", Timestamp: 10})

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	assert.Equal(t, 11, e.state.clock)
}

func TestConvergenceAcrossTwoReplicas(t *testing.T) {
	r1 := newTestEngine(1)
	r2 := newTestEngine(2)

	post := r1.Post(Event{EventID: "p1", Author: "a", Text: "hello"})
	r2.Share(post)

	reply := r2.Post(Event{EventID: "r1", ParentEventID: "p1", Author: "b", Text: "hi back"})
	r1.Share(reply)

	r1.state.mu.Lock()
	r2.state.mu.Lock()
	defer r1.state.mu.Unlock()
	defer r2.state.mu.Unlock()

	assert.Equal(t, len(r1.state.posts), len(r2.state.posts))
	assert.Equal(t, len(r1.state.repliesByParent["p1"]), len(r2.state.repliesByParent["p1"]))
}
