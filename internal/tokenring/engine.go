// Package tokenring implements Token-Ring mutual exclusion over a fixed
// logical ring: next_id = (self mod N) + 1. Grounded on the same
// guard-then-I/O pattern the teacher uses in internal/election/bully.go
// (snapshot state under the lock, release it, then do the network send),
// generalized from original_source's Token Ring for Resource Sharing
// app.py to an HTTP+JSON surface.
package tokenring

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
	"github.com/distribuidos/coordination-lab/internal/replica"
)

// Engine is one replica's token-ring state machine.
type Engine struct {
	cfg    config.Config
	client *peerclient.Client
	log    *logrus.Entry
	state  state
}

var _ replica.Engine = (*Engine)(nil)

// New constructs a token-ring engine for the given replica identity.
func New(cfg config.Config, client *peerclient.Client, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, client: client, log: log}
}

// Routes registers the token-ring HTTP surface from spec.md §6.
func (e *Engine) Routes(r *gin.Engine) {
	r.POST("/request_cs", e.handleRequestCS)
	r.POST("/release_cs", e.handleReleaseCS)
	r.POST("/receive_token", e.handleReceiveToken)
	r.GET("/status", e.handleStatus)
}

// Run seeds the ring: replica 1 synthesizes an initial token possession
// after the startup delay; every other replica simply waits.
func (e *Engine) Run(ctx context.Context) {
	if e.cfg.SelfID != 1 {
		return
	}
	go func() {
		if !replica.Sleep(ctx, e.cfg.Tuning.TokenStartupDelay) {
			return
		}
		e.log.Info("seeding ring with initial token")
		e.acceptTokenAndProceed()
	}()
}

// RequestCS records that the local application wants the critical section.
func (e *Engine) RequestCS() (status string) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()

	if e.state.inCS {
		return "already_in_cs"
	}
	if e.state.wantsCS {
		return "already_waiting"
	}
	e.log.Info("requesting critical section")
	e.state.wantsCS = true
	return "waiting"
}

// ReleaseCS leaves the critical section and passes the token onward.
// Calling it while not in the critical section is a protocol violation.
func (e *Engine) ReleaseCS() bool {
	e.state.mu.Lock()
	if !e.state.inCS {
		e.state.mu.Unlock()
		return false
	}
	e.log.Info("leaving critical section")
	e.state.inCS = false
	e.state.mu.Unlock()

	e.passToken()
	return true
}

// acceptTokenAndProceed marks the token as held and either enters the
// critical section (if it was wanted) or passes the token onward after
// the observability delay. It assumes the caller has already established
// that this replica does not currently hold the token.
func (e *Engine) acceptTokenAndProceed() {
	e.state.mu.Lock()
	e.state.hasToken = true
	wants := e.state.wantsCS
	if wants {
		e.state.inCS = true
		e.state.wantsCS = false
	}
	e.state.mu.Unlock()

	if wants {
		e.log.Info("entered critical section")
		return
	}

	e.log.Debug("holding token, passing onward shortly")
	go func() {
		replica.Sleep(context.Background(), e.cfg.Tuning.TokenPassDelay)
		e.passToken()
	}()
}

// OnReceiveToken handles an incoming token. A token received while already
// holding one is a retransmit and is ignored idempotently.
func (e *Engine) OnReceiveToken() (accepted bool) {
	e.state.mu.Lock()
	if e.state.hasToken {
		e.state.mu.Unlock()
		e.log.Warn("received a token while already holding one, ignoring retransmit")
		return false
	}
	e.state.mu.Unlock()

	e.log.Info("received token")
	e.acceptTokenAndProceed()
	return true
}

// passToken hands the token to the ring successor. has_token is cleared
// before the outbound send so a failed send never leaves this replica
// believing it can re-enter the critical section.
func (e *Engine) passToken() {
	e.state.mu.Lock()
	if !e.state.hasToken {
		e.state.mu.Unlock()
		e.log.Warn("asked to pass a token we do not hold, ignoring")
		return
	}
	e.state.hasToken = false
	e.state.mu.Unlock()

	next := e.cfg.NextID()
	if next == e.cfg.SelfID {
		// Ring of size 1: the token is handed straight back, locally,
		// with no network call (spec.md §8 boundary behaviour).
		go e.OnReceiveToken()
		return
	}

	e.log.WithField("next", next).Info("passing token")
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Tuning.TokenPassTimeout)
	defer cancel()
	if ok, err := e.client.PostJSON(ctx, e.cfg.URL(next, "/receive_token"), struct{}{}); err != nil || !ok {
		e.log.WithField("next", next).Warn("ring broken: failed to pass token")
	}
}

func (e *Engine) handleRequestCS(c *gin.Context) {
	switch e.RequestCS() {
	case "already_in_cs":
		c.JSON(http.StatusConflict, gin.H{"status": "error", "message": "already in critical section"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (e *Engine) handleReleaseCS(c *gin.Context) {
	if !e.ReleaseCS() {
		c.JSON(http.StatusConflict, gin.H{"status": "error", "message": "not in critical section"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (e *Engine) handleReceiveToken(c *gin.Context) {
	if !e.OnReceiveToken() {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ack"})
}

func (e *Engine) handleStatus(c *gin.Context) {
	hasToken, wantsCS, inCS := e.state.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"process_id":           e.cfg.SelfID,
		"has_token":            hasToken,
		"wants_to_enter_cs":     wantsCS,
		"in_critical_section":   inCS,
	})
}
