// Package logging wires the per-replica console narration through logrus,
// the way chaitanyaphalak-go-mcast's transport layer wraps prometheus/common's
// logrus-backed logger instead of printing directly.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus entry tagged with the engine name and replica id, so
// every log line in a multi-replica run can be told apart at a glance.
func New(engine string, replicaID int) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger.WithFields(logrus.Fields{
		"engine":     engine,
		"replica_id": replicaID,
	})
}
