// Package bully implements Bully leader election: the highest-id live
// replica becomes leader, detected and re-elected via a periodic health
// probe, grounded on distribuidos-Coffee-Shop-Analysis-coordinator-service's
// internal/election package (same idea: a heartbeat/probe goroutine plus a
// mutex-guarded Coordinator struct) and on original_source's Bully app.py,
// generalized from that package's raw-TCP ELECTION/OK/LEADER wire to the
// HTTP+JSON surface spec.md §6 requires.
package bully

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
	"github.com/distribuidos/coordination-lab/internal/replica"
)

type electionMessage struct {
	SenderID int `json:"sender_id"`
}

type coordinatorMessage struct {
	LeaderID int `json:"leader_id"`
}

// Engine is one replica's bully-election state machine.
type Engine struct {
	cfg    config.Config
	client *peerclient.Client
	log    *logrus.Entry
	state  state
}

var _ replica.Engine = (*Engine)(nil)

// New constructs a bully engine for the given replica identity.
func New(cfg config.Config, client *peerclient.Client, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, client: client, log: log}
}

// Routes registers the bully HTTP surface from spec.md §6.
func (e *Engine) Routes(r *gin.Engine) {
	r.POST("/trigger_election", e.handleTrigger)
	r.POST("/election", e.handleElection)
	r.POST("/coordinator", e.handleCoordinator)
	r.GET("/status", e.handleStatus)
	r.GET("/healthcheck", e.handleHealthcheck)
}

// Run starts the stabilisation delay, the maximum-id bootstrap
// self-announcement, and the periodic leader-health probe.
func (e *Engine) Run(ctx context.Context) {
	go func() {
		if !replica.Sleep(ctx, e.cfg.Tuning.StabilisationDelay) {
			return
		}

		if e.cfg.SelfID == e.maxPeerID() {
			e.log.Info("highest-id replica, self-proclaiming initial leader")
			e.announceLeader()
		}

		replica.Loop(ctx, e.cfg.Tuning.ProbeInterval, e.healthTick)
	}()
}

func (e *Engine) maxPeerID() int {
	max := 0
	for _, id := range e.cfg.PeerIDs() {
		if id > max {
			max = id
		}
	}
	return max
}

func (e *Engine) higherPeers() []int {
	var higher []int
	for _, id := range e.cfg.PeerIDs() {
		if id > e.cfg.SelfID {
			higher = append(higher, id)
		}
	}
	return higher
}

// StartElection runs the election procedure of spec.md §4.2. It is
// idempotent while an election is already in flight.
func (e *Engine) StartElection() {
	e.state.mu.Lock()
	if e.state.electionInProgress {
		e.state.mu.Unlock()
		e.log.Debug("election already in progress, ignoring trigger")
		return
	}
	e.state.electionInProgress = true
	e.state.mu.Unlock()

	e.log.Info("starting election")

	higher := e.higherPeers()
	if len(higher) == 0 {
		e.announceLeader()
		return
	}

	successes := 0
	for _, id := range higher {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Tuning.ElectionTimeout)
		ok, err := e.client.PostJSON(ctx, e.cfg.URL(id, "/election"), electionMessage{SenderID: e.cfg.SelfID})
		cancel()
		if err != nil || !ok {
			e.log.WithField("peer", id).Warn("no election response, presuming peer dead")
			continue
		}
		successes++
	}

	if successes == 0 {
		e.announceLeader()
		return
	}
	e.log.Info("a higher replica is alive, awaiting coordinator announcement")
}

// announceLeader makes this replica the leader and broadcasts the
// coordinator message to every other peer.
func (e *Engine) announceLeader() {
	e.state.mu.Lock()
	e.state.leaderID = e.cfg.SelfID
	e.state.electionInProgress = false
	e.state.mu.Unlock()

	e.log.Info("self-proclaiming leader")

	for _, id := range e.cfg.Others() {
		go func(id int) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Tuning.CoordinatorTimeout)
			defer cancel()
			if ok, err := e.client.PostJSON(ctx, e.cfg.URL(id, "/coordinator"), coordinatorMessage{LeaderID: e.cfg.SelfID}); err != nil || !ok {
				e.log.WithField("peer", id).Warn("failed to announce leadership")
			}
		}(id)
	}
}

// healthTick is the periodic background duty: skip while leader or
// electing, otherwise start an election if leaderless or probe the
// leader and start one on failure.
func (e *Engine) healthTick() {
	leaderID, electing := e.state.snapshot()
	if electing || leaderID == e.cfg.SelfID {
		return
	}

	if leaderID == 0 {
		e.log.Info("no known leader, starting election")
		e.StartElection()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Tuning.ProbeTimeout)
	ok, err := e.client.GetJSON(ctx, e.cfg.URL(leaderID, "/healthcheck"))
	cancel()
	if err != nil || !ok {
		e.log.WithField("leader", leaderID).Warn("leader unreachable, starting election")
		e.StartElection()
	}
}

func (e *Engine) handleTrigger(c *gin.Context) {
	go e.StartElection()
	c.JSON(http.StatusOK, gin.H{"message": "election process started"})
}

func (e *Engine) handleElection(c *gin.Context) {
	var msg electionMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e.log.WithField("sender", msg.SenderID).Info("received election message")

	// Respond success first: the success itself is the "bully" reply.
	// A higher-id sender (possible after delayed messages, per spec.md §9)
	// is acknowledged but never treated as grounds to start our own election.
	if msg.SenderID < e.cfg.SelfID {
		go e.StartElection()
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK, I will take over."})
}

func (e *Engine) handleCoordinator(c *gin.Context) {
	var msg coordinatorMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e.state.mu.Lock()
	if e.state.leaderID != msg.LeaderID {
		e.log.WithField("leader", msg.LeaderID).Info("acknowledging new leader")
		e.state.leaderID = msg.LeaderID
	}
	e.state.electionInProgress = false
	e.state.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "ACK"})
}

func (e *Engine) handleStatus(c *gin.Context) {
	leaderID, electing := e.state.snapshot()
	var leader interface{}
	if leaderID != 0 {
		leader = leaderID
	}
	c.JSON(http.StatusOK, gin.H{
		"process_id":           e.cfg.SelfID,
		"leader_id":            leader,
		"is_election_happening": electing,
	})
}

func (e *Engine) handleHealthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
