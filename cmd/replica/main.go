// Command replica is the single binary hosting all five coordination
// engines as tagged cobra subcommands, grounded on the teacher's
// cmd/coordinator/main.go signal-handling and graceful-shutdown shape
// but replacing its raw-TCP monitoring loop with an HTTP server per
// spec.md §6.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distribuidos/coordination-lab/internal/bully"
	"github.com/distribuidos/coordination-lab/internal/causal"
	"github.com/distribuidos/coordination-lab/internal/config"
	"github.com/distribuidos/coordination-lab/internal/gossip"
	"github.com/distribuidos/coordination-lab/internal/logging"
	"github.com/distribuidos/coordination-lab/internal/peerclient"
	"github.com/distribuidos/coordination-lab/internal/replica"
	"github.com/distribuidos/coordination-lab/internal/tokenring"
	"github.com/distribuidos/coordination-lab/internal/totalorder"
)

var addr string

// constructor builds an engine given this process's config, outbound
// client, and logger — the one seam that differs between subcommands.
type constructor func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine

func main() {
	root := &cobra.Command{
		Use:   "replica",
		Short: "run one replica of a coordination protocol cluster",
	}
	root.PersistentFlags().StringVar(&addr, "addr", ":8000", "address to listen on")

	root.AddCommand(newEngineCmd("bully", "run the Bully leader-election engine", func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine {
		return bully.New(cfg, client, log)
	}))
	root.AddCommand(newEngineCmd("token-ring", "run the Token-Ring mutual-exclusion engine", func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine {
		return tokenring.New(cfg, client, log)
	}))
	root.AddCommand(newEngineCmd("total-order", "run the Lamport total-order multicast engine", func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine {
		return totalorder.New(cfg, client, log)
	}))
	root.AddCommand(newEngineCmd("causal", "run the causal-consistency broadcast engine", func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine {
		return causal.New(cfg, client, log)
	}))
	root.AddCommand(newEngineCmd("gossip", "run the eventual-consistency gossip engine", func(cfg config.Config, client *peerclient.Client, log *logrus.Entry) replica.Engine {
		return gossip.New(cfg, client, log)
	}))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newEngineCmd wires the shared boot sequence — load config, build the
// engine, register routes, run the background duty, serve HTTP, wait
// for SIGINT/SIGTERM — behind one cobra subcommand per protocol.
func newEngineCmd(use, short string, build constructor) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(use, build)
		},
	}
}

func runReplica(engineName string, build constructor) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("replica: %w", err)
	}

	log := logging.New(engineName, cfg.SelfID)
	log.WithField("peers", cfg.PeerIDs()).Info("loaded configuration")

	client := peerclient.New()
	engine := build(cfg, client, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(log))
	engine.Routes(router)

	server := &http.Server{Addr: addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("replica: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("replica: graceful shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// ginLogger adapts gin's per-request logging to the shared logrus entry,
// replacing gin.Logger()'s default stdout writer so every request line
// carries the same engine/replica_id fields as the rest of the process.
func ginLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"method":   c.Request.Method,
			"path":     path,
			"duration": time.Since(start),
		}).Debug("handled request")
	}
}
