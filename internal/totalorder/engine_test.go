package totalorder

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
	return New(cfg, peerclient.New(), logging.New("totalorder", selfID))
}

func TestAckBeforeMessageIsBufferedThenConsumed(t *testing.T) {
	e := newTestEngine(1)

	// Acks from peers 2 and 3 arrive before the message itself.
	e.OnAck(Ack{MessageOriginID: 7, MessageTimestamp: 42, AckOriginID: 2})
	e.OnAck(Ack{MessageOriginID: 7, MessageTimestamp: 42, AckOriginID: 3})

	e.deliverReady() // nothing queued yet, must be a no-op

	var delivered []Message
	e.Delivered = func(m Message) { delivered = append(delivered, m) }

	// The message itself arrives via the real handler, which must record
	// this replica's own ack (id 1) alongside the originator's implicit
	// ack (id 7), completing the {1,2,3} ack set without any test-side
	// manual insertion.
	e.OnMessage(Message{Data: "x", OriginID: 7, Timestamp: 42})
	e.deliverReady()

	require.Len(t, delivered, 1)
	assert.Equal(t, "x", delivered[0].Data)
}

// TestSubmitAndDeliverRoundTripThroughRealHandlers drives the full
// submit -> peer receives -> peer acks back -> originator delivers path
// using only the public engine API, with no manual ack-set insertion
// anywhere, directly exercising the self-ack bug this test guards against.
func TestSubmitAndDeliverRoundTripThroughRealHandlers(t *testing.T) {
	r1 := newTestEngine(1)
	r2 := newTestEngine(2)
	r3 := newTestEngine(3)
	replicas := []*Engine{r1, r2, r3}

	var delivered1, delivered2, delivered3 []Message
	r1.Delivered = func(m Message) { delivered1 = append(delivered1, m) }
	r2.Delivered = func(m Message) { delivered2 = append(delivered2, m) }
	r3.Delivered = func(m Message) { delivered3 = append(delivered3, m) }

	m := r1.Submit("hello")

	// Simulate the broadcast r1 would have sent to r2 and r3.
	r2.OnMessage(m)
	r3.OnMessage(m)

	// Simulate the ack broadcasts r2 and r3 would have sent to each other
	// and back to r1 (their own ack was already recorded in OnMessage).
	for _, sender := range []*Engine{r2, r3} {
		ack := Ack{MessageOriginID: m.OriginID, MessageTimestamp: m.Timestamp, AckOriginID: sender.cfg.SelfID}
		for _, receiver := range replicas {
			if receiver.cfg.SelfID == sender.cfg.SelfID {
				continue
			}
			receiver.OnAck(ack)
		}
	}

	for _, r := range replicas {
		r.deliverReady()
	}

	require.Len(t, delivered1, 1)
	require.Len(t, delivered2, 1)
	require.Len(t, delivered3, 1)
	assert.Equal(t, "hello", delivered1[0].Data)
	assert.Equal(t, "hello", delivered2[0].Data)
	assert.Equal(t, "hello", delivered3[0].Data)
}

func TestDeliveryIsFIFOEvenWhenLaterMessageAcksFirst(t *testing.T) {
	e := newTestEngine(1)

	full := func(originID int) {
		for _, id := range e.cfg.PeerIDs() {
			e.OnAck(Ack{MessageOriginID: originID, MessageTimestamp: 1, AckOriginID: id})
		}
	}

	e.state.mu.Lock()
	e.state.queue = []Message{
		{Data: "first", OriginID: 1, Timestamp: 1},
		{Data: "second", OriginID: 2, Timestamp: 2},
	}
	e.state.mu.Unlock()

	// Fully ack the SECOND message only; the first (earlier timestamp) is
	// not yet acked and must still block delivery of the second.
	for _, id := range e.cfg.PeerIDs() {
		e.OnAck(Ack{MessageOriginID: 2, MessageTimestamp: 2, AckOriginID: id})
	}

	var delivered []Message
	e.Delivered = func(m Message) { delivered = append(delivered, m) }
	e.deliverReady()
	assert.Empty(t, delivered, "a later, fully-acked message must not overtake an earlier undelivered one")

	// Now fully ack the first; both should drain in order.
	full(1)
	e.deliverReady()
	require.Len(t, delivered, 2)
	assert.Equal(t, "first", delivered[0].Data)
	assert.Equal(t, "second", delivered[1].Data)
}

func TestSubmitSortsQueueByTimestampThenOrigin(t *testing.T) {
	e := newTestEngine(1)
	e.state.mu.Lock()
	e.state.queue = []Message{{Data: "b", OriginID: 3, Timestamp: 5}}
	e.state.mu.Unlock()

	e.Submit("a") // clock was 5*1=5, becomes 6, so "a" sorts after "b" at ts=5

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	require.Len(t, e.state.queue, 2)
	assert.Equal(t, "b", e.state.queue[0].Data)
	assert.Equal(t, "a", e.state.queue[1].Data)
}

func TestLamportSeedDiversifiesInitialClock(t *testing.T) {
	e2 := newTestEngine(2)
	e3 := newTestEngine(3)
	assert.NotEqual(t, e2.state.clock, e3.state.clock)
	assert.Equal(t, 10, e2.state.clock)
	assert.Equal(t, 15, e3.state.clock)
}
