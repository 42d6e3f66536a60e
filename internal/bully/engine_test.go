package bully

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/logging"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
)

func newTestEngine(t *testing.T, selfID int, peers map[int]string) (*Engine, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{SelfID: selfID, Peers: peers, Tuning: config.DefaultTuning()}
	e := New(cfg, peerclient.New(), logging.New("bully", selfID))

	router := gin.New()
	e.Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return e, srv
}

func TestSingleReplicaElectsItself(t *testing.T) {
	// Boundary behaviour: N=1 has no higher peer, so the sole replica
	// announces itself immediately.
	e, _ := newTestEngine(t, 1, map[int]string{1: "http://unused"})

	e.StartElection()

	leaderID, electing := e.state.snapshot()
	assert.Equal(t, 1, leaderID)
	assert.False(t, electing)
}

func TestElectionIdempotentWhileInProgress(t *testing.T) {
	e, _ := newTestEngine(t, 2, map[int]string{1: "http://a", 2: "http://b", 3: "http://c"})

	e.state.mu.Lock()
	e.state.electionInProgress = true
	e.state.mu.Unlock()

	e.StartElection()

	_, electing := e.state.snapshot()
	assert.True(t, electing, "a second StartElection should not clear the in-progress flag")
}

func TestHandleElectionFromLowerIDStartsOwnElection(t *testing.T) {
	e, srv := newTestEngine(t, 2, map[int]string{1: "http://a", 2: srvURL(t), 3: "http://c"})
	_ = srv

	resp := postJSON(t, srv.URL+"/election", electionMessage{SenderID: 1})
	require.Equal(t, http.StatusOK, resp)

	// The lower-id election should have kicked off our own election
	// asynchronously; give it a moment to flip the flag.
	require.Eventually(t, func() bool {
		_, electing := e.state.snapshot()
		return electing
	}, time.Second, 10*time.Millisecond)
}

func TestHandleElectionFromHigherIDDoesNotStartOwnElection(t *testing.T) {
	e, srv := newTestEngine(t, 2, map[int]string{1: "http://a", 2: srvURL(t), 3: "http://c"})

	resp := postJSON(t, srv.URL+"/election", electionMessage{SenderID: 3})
	require.Equal(t, http.StatusOK, resp)

	time.Sleep(50 * time.Millisecond)
	_, electing := e.state.snapshot()
	assert.False(t, electing, "an election message from a higher id must not trigger our own election")
}

func TestCoordinatorAnnouncementLatestWins(t *testing.T) {
	// Open Question from spec.md §9: the coordinator endpoint accepts any
	// announcement unconditionally; a late/stale one still overwrites.
	e, srv := newTestEngine(t, 1, map[int]string{1: "http://a", 2: "http://b"})

	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/coordinator", coordinatorMessage{LeaderID: 3}))
	leaderID, _ := e.state.snapshot()
	require.Equal(t, 3, leaderID)

	// A stale, lower announcement still overwrites: "latest wins".
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/coordinator", coordinatorMessage{LeaderID: 2}))
	leaderID, _ = e.state.snapshot()
	assert.Equal(t, 2, leaderID)
}

func TestCoordinatorAnnouncementIdempotent(t *testing.T) {
	e, srv := newTestEngine(t, 1, map[int]string{1: "http://a", 2: "http://b"})

	postJSON(t, srv.URL+"/coordinator", coordinatorMessage{LeaderID: 2})
	leaderID1, _ := e.state.snapshot()

	postJSON(t, srv.URL+"/coordinator", coordinatorMessage{LeaderID: 2})
	leaderID2, _ := e.state.snapshot()

	assert.Equal(t, leaderID1, leaderID2)
}

func TestHealthTickSkipsWhenLeaderOrElecting(t *testing.T) {
	e, _ := newTestEngine(t, 3, map[int]string{1: "http://a", 2: "http://b", 3: "http://c"})

	e.state.mu.Lock()
	e.state.leaderID = 3
	e.state.mu.Unlock()

	e.healthTick() // should be a no-op: we are the leader

	leaderID, electing := e.state.snapshot()
	assert.Equal(t, 3, leaderID)
	assert.False(t, electing)
}

// srvURL is a placeholder self-URL; the engine under test never calls out
// to itself in these unit tests, only the httptest server matters.
func srvURL(t *testing.T) string {
	t.Helper()
	return "http://127.0.0.1:0"
}

func postJSON(t *testing.T, url string, body interface{}) int {
	t.Helper()
	client := peerclient.New()
	ok, err := client.PostJSON(context.Background(), url, body)
	require.NoError(t, err)
	if ok {
		return http.StatusOK
	}
	return http.StatusBadRequest
}
