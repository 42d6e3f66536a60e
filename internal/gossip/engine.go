// Package gossip implements eventual-consistency gossip: best-effort
// disseminate-and-apply with a Lamport clock, tolerating out-of-order
// parent/child delivery (orphan replies are retained under their unknown
// parent until it arrives). Grounded on original_source's Eventual
// Consistency app.py.
package gossip

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
	"github.com/distribuidos/coordination-lab/internal/replica"
)

// Engine is one replica's eventual-gossip state machine.
type Engine struct {
	cfg    config.Config
	client *peerclient.Client
	log    *logrus.Entry
	state  *state

	// SlowdownHook mirrors causal.Engine's: an optional test-only delay
	// before each outbound /share POST, reproducing spec.md scenario 5's
	// slow sender without hardcoding a replica id in production code.
	SlowdownHook func()

	// Applied is invoked for every event this replica applies (post or
	// reply, orphan or not). Optional; production code just logs.
	Applied func(Event)
}

var _ replica.Engine = (*Engine)(nil)

// New constructs an eventual-gossip engine.
func New(cfg config.Config, client *peerclient.Client, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, client: client, log: log, state: newState()}
}

// Routes registers the gossip HTTP surface from spec.md §6, plus an
// observational status dump.
func (e *Engine) Routes(r *gin.Engine) {
	r.POST("/post", e.handlePost)
	r.POST("/share", e.handleShare)
	r.GET("/status", e.handleStatus)
}

// Run is a no-op: eventual gossip has no anti-entropy background duty.
// This is a known limitation (spec.md §9), not a defect to paper over.
func (e *Engine) Run(ctx context.Context) {}

// Post originates an event locally: advance the Lamport clock, stamp and
// apply it, then disseminate to every peer.
func (e *Engine) Post(ev Event) Event {
	e.state.mu.Lock()
	e.state.clock++
	ev.Timestamp = e.state.clock
	ev.OriginID = e.cfg.SelfID
	e.applyLocked(ev)
	e.state.mu.Unlock()

	e.log.WithField("event", ev.EventID).Info("originated event")
	e.broadcastShare(ev)
	return ev
}

// Share receives a peer-originated event: advance the Lamport clock
// (max(local, received) + 1) and apply immediately, with no holdback.
func (e *Engine) Share(ev Event) {
	e.state.mu.Lock()
	if ev.Timestamp > e.state.clock {
		e.state.clock = ev.Timestamp
	}
	e.state.clock++
	e.applyLocked(ev)
	e.state.mu.Unlock()

	e.log.WithField("event", ev.EventID).Info("received event via gossip")
}

// applyLocked inserts ev into posts or repliesByParent, deduplicating by
// event id. An orphan reply (parent not yet known) is retained and
// becomes reachable once the parent arrives, since lookup is by parent id
// and needs no re-parenting.
func (e *Engine) applyLocked(ev Event) {
	if !ev.isReply() {
		if _, exists := e.state.posts[ev.EventID]; exists {
			return
		}
		e.state.posts[ev.EventID] = ev
	} else {
		for _, existing := range e.state.repliesByParent[ev.ParentEventID] {
			if existing.EventID == ev.EventID {
				return
			}
		}
		replies := append(e.state.repliesByParent[ev.ParentEventID], ev)
		sort.SliceStable(replies, func(i, j int) bool {
			return replies[i].Timestamp < replies[j].Timestamp
		})
		e.state.repliesByParent[ev.ParentEventID] = replies
	}

	if e.Applied != nil {
		e.Applied(ev)
	}
}

// IsOrphan reports whether parentID has replies recorded but no delivered
// post yet — the "orphan reply" bucket of spec.md §4.6.
func (e *Engine) IsOrphan(parentID string) bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	_, hasPost := e.state.posts[parentID]
	_, hasReplies := e.state.repliesByParent[parentID]
	return hasReplies && !hasPost
}

func (e *Engine) broadcastShare(ev Event) {
	for _, id := range e.cfg.Others() {
		go func(id int) {
			if e.SlowdownHook != nil {
				e.SlowdownHook()
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Tuning.BroadcastTimeout)
			defer cancel()
			if ok, err := e.client.PostJSON(ctx, e.cfg.URL(id, "/share"), ev); err != nil || !ok {
				e.log.WithField("peer", id).Warn("failed to gossip event")
			}
		}(id)
	}
}

func (e *Engine) handlePost(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	posted := e.Post(ev)
	c.JSON(http.StatusOK, gin.H{"status": "posted", "timestamp": posted.Timestamp})
}

func (e *Engine) handleShare(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e.Share(ev)
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (e *Engine) handleStatus(c *gin.Context) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()

	orphans := make([]string, 0)
	for parentID := range e.state.repliesByParent {
		if _, hasPost := e.state.posts[parentID]; !hasPost {
			orphans = append(orphans, parentID)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"process_id": e.cfg.SelfID,
		"clock":      e.state.clock,
		"posts":      len(e.state.posts),
		"orphans":    orphans,
	})
}
