package ports

import (
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// Recorder receives execution metrics. Implementations must return
// immediately: the engine calls it inline on the stepping goroutine.
type Recorder interface {
	StartRun(runID, workflow string)
	// StartNode returns the execution ID later passed to CompleteNode.
	StartNode(runID, nodeID string) string
	CompleteNode(runID, executionID string, err error)
	CompleteRun(runID string, status domain.RunStatus, err error)
}

// Pruner is implemented by recorders that keep per-run data in memory.
// The engine prunes them when it cleans up old runs.
type Pruner interface {
	Prune(before time.Time) int
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) StartRun(string, string)                     {}
func (NopRecorder) StartNode(string, string) string             { return "" }
func (NopRecorder) CompleteNode(string, string, error)          {}
func (NopRecorder) CompleteRun(string, domain.RunStatus, error) {}
