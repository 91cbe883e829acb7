// Package poller maintains the running set of per-node polling workers and
// keeps it synchronized to a desired node list. Each worker owns its node's
// connection and cancel handle exclusively; the agent only ever signals a
// worker through that handle, never by mutating its state.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// Collector is the per-node collection capability a worker drives. It is
// created at worker launch and released exactly once on worker exit.
type Collector interface {
	Collect(ctx context.Context) (*models.SystemMetrics, error)
	Close() error
}

// CollectorFactory builds the collector for a node. A factory error marks
// the node as malformed: it is skipped with a warning and never started.
type CollectorFactory func(node models.Node) (Collector, error)

// Summary reports the actions one reconcile pass performed, by node name.
type Summary struct {
	Started   []string
	Stopped   []string
	Restarted []string
	Skipped   []string
}

type workerHandle struct {
	node   models.Node
	cancel context.CancelFunc
}

// Agent owns the worker pool. Reconcile and the single-name wrappers are
// safe to call concurrently with running workers; the worker map is the
// only shared structure and is mutex-guarded.
type Agent struct {
	logger     *slog.Logger
	events     chan<- models.MetricEvent
	factory    CollectorFactory
	maxWorkers int

	mu      sync.Mutex
	workers map[string]*workerHandle
	closed  bool
	wg      sync.WaitGroup
}

// NewAgent creates a polling agent emitting MetricEvents on events.
// maxWorkers caps the number of concurrently running workers.
func NewAgent(events chan<- models.MetricEvent, factory CollectorFactory, maxWorkers int, logger *slog.Logger) *Agent {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Agent{
		logger:     logger.With("component", "agent"),
		events:     events,
		factory:    factory,
		maxWorkers: maxWorkers,
		workers:    make(map[string]*workerHandle),
	}
}

// LaunchNodes starts one worker per desired node. Equivalent to Reconcile
// against an empty running set.
func (a *Agent) LaunchNodes(desired []models.Node) Summary {
	return a.Reconcile(desired)
}

// Reconcile converges the running worker set to the desired node list.
// Nodes only in desired are started; running nodes absent from desired are
// stopped; nodes in both are restarted if their interval changed. A node
// that fails validation is skipped with a warning and does not affect the
// rest of the pass. After return, the running-name set equals the desired
// name set (stopped workers exit asynchronously).
func (a *Agent) Reconcile(desired []models.Node) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	var summary Summary
	if a.closed {
		a.logger.Warn("reconcile called after shutdown, ignoring")
		return summary
	}

	desiredByName := make(map[string]models.Node, len(desired))
	for _, node := range desired {
		if _, dup := desiredByName[node.Name]; dup {
			a.logger.Warn("duplicate node name in desired list, keeping first entry", "node", node.Name)
			continue
		}
		desiredByName[node.Name] = node
	}

	// toStop = running - desired
	for name, handle := range a.workers {
		if _, wanted := desiredByName[name]; !wanted {
			handle.cancel()
			delete(a.workers, name)
			summary.Stopped = append(summary.Stopped, name)
			a.logger.Info("worker stop requested", "node", name)
		}
	}

	for name, node := range desiredByName {
		handle, running := a.workers[name]
		switch {
		case !running:
			// toStart = desired - running
			if a.startLocked(node) {
				summary.Started = append(summary.Started, name)
			} else {
				summary.Skipped = append(summary.Skipped, name)
			}
		case handle.node.Interval != node.Interval:
			// toCheck: interval is the only live-reconcilable field. The old
			// worker is signalled and the map entry replaced wholesale; its
			// connection may overlap briefly with the replacement's.
			handle.cancel()
			delete(a.workers, name)
			if a.startLocked(node) {
				summary.Restarted = append(summary.Restarted, name)
				a.logger.Info("worker restarted for interval change",
					"node", name,
					"old_interval", handle.node.Interval,
					"new_interval", node.Interval,
				)
			} else {
				summary.Skipped = append(summary.Skipped, name)
			}
		}
	}

	return summary
}

// AddNode starts a worker for one new node. It fails if a worker with the
// same name is already running.
func (a *Agent) AddNode(node models.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("agent is shut down")
	}
	if _, exists := a.workers[node.Name]; exists {
		return fmt.Errorf("node %q already has a running worker", node.Name)
	}
	if !a.startLocked(node) {
		return fmt.Errorf("node %q could not be started", node.Name)
	}
	return nil
}

// RemoveNode signals the named worker to stop and forgets it. Removing an
// unknown node is not an error.
func (a *Agent) RemoveNode(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	handle, exists := a.workers[name]
	if !exists {
		a.logger.Warn("remove requested for unknown node", "node", name)
		return
	}
	handle.cancel()
	delete(a.workers, name)
	a.logger.Info("worker stop requested", "node", name)
}

// UpdateNode applies a changed configuration to a running node as an atomic
// stop-old/start-new under the same name.
func (a *Agent) UpdateNode(node models.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("agent is shut down")
	}
	handle, exists := a.workers[node.Name]
	if !exists {
		return fmt.Errorf("node %q has no running worker", node.Name)
	}

	handle.cancel()
	delete(a.workers, node.Name)
	if !a.startLocked(node) {
		return fmt.Errorf("node %q could not be restarted", node.Name)
	}
	a.logger.Info("worker restarted with new configuration", "node", node.Name)
	return nil
}

// Running returns the names of currently tracked workers.
func (a *Agent) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.workers))
	for name := range a.workers {
		names = append(names, name)
	}
	return names
}

// Shutdown signals every worker and blocks until all have exited and
// released their connections, bounded by drainCtx. The agent is unusable
// afterwards.
func (a *Agent) Shutdown(drainCtx context.Context) error {
	a.mu.Lock()
	for name, handle := range a.workers {
		handle.cancel()
		delete(a.workers, name)
	}
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("all workers drained")
		return nil
	case <-drainCtx.Done():
		a.logger.Error("shutdown drain timed out with workers still running")
		return fmt.Errorf("worker drain: %w", drainCtx.Err())
	}
}

// startLocked validates and launches one worker. Caller holds a.mu.
func (a *Agent) startLocked(node models.Node) bool {
	if node.Interval <= 0 {
		a.logger.Warn("skipping node with non-positive interval", "node", node.Name, "interval", node.Interval)
		return false
	}
	if len(a.workers) >= a.maxWorkers {
		a.logger.Warn("worker cap reached, skipping node",
			"node", node.Name,
			"max_workers", a.maxWorkers,
		)
		return false
	}

	collector, err := a.factory(node)
	if err != nil {
		a.logger.Warn("skipping node that failed to initialize", "node", node.Name, "error", err)
		return false
	}

	// The cancel handle is created fresh per launch and owned solely by
	// this worker and the map entry referencing it.
	ctx, cancel := context.WithCancel(context.Background())
	a.workers[node.Name] = &workerHandle{node: node, cancel: cancel}

	a.wg.Add(1)
	go a.runWorker(ctx, node, collector)

	a.logger.Info("worker started", "node", node.Name, "interval", node.Interval, "target", node.Target())
	return true
}
