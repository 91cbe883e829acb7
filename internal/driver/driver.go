// Package driver wires the polling agent to its collaborators: it owns the
// single agent instance, serializes control intents (API calls, inventory
// file changes, shutdown) onto one control goroutine, and drains the metric
// channel to the configured sinks on a dedicated dispatch goroutine.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/config"
	"github.com/zeromonitor/zeromonitor/internal/inventory"
	"github.com/zeromonitor/zeromonitor/internal/models"
	"github.com/zeromonitor/zeromonitor/internal/poller"
	"github.com/zeromonitor/zeromonitor/internal/sink"
)

// ErrStopped reports a control intent submitted after shutdown began.
var ErrStopped = errors.New("driver is stopped")

const watchDebounce = 500 * time.Millisecond

type intentKind int

const (
	intentAdd intentKind = iota
	intentRemove
	intentUpdateInterval
	intentReload
	intentStop
)

type intent struct {
	kind    intentKind
	entry   inventory.Entry
	creds   models.Credentials
	name    string
	seconds int
	reply   chan error
}

// Driver routes control intents to the polling agent and metric events to
// the sinks.
type Driver struct {
	cfg    config.AgentConfig
	agent  *poller.Agent
	store  *inventory.Store
	sinks  []sink.Sink
	logger *slog.Logger

	events  chan models.MetricEvent
	intents chan intent

	stopOnce sync.Once
	stopped  chan struct{}
	drainWG  sync.WaitGroup
}

// New creates a driver. The agent and its outbound channel are constructed
// here so nothing else can hold a reference to either.
func New(cfg config.AgentConfig, store *inventory.Store, factory poller.CollectorFactory, sinks []sink.Sink, logger *slog.Logger) *Driver {
	events := make(chan models.MetricEvent, cfg.EventBufferSize)
	return &Driver{
		cfg:     cfg,
		agent:   poller.NewAgent(events, factory, cfg.MaxWorkers, logger),
		store:   store,
		sinks:   sinks,
		logger:  logger.With("component", "driver"),
		events:  events,
		intents: make(chan intent),
		stopped: make(chan struct{}),
	}
}

// Running returns the node names with live workers.
func (d *Driver) Running() []string {
	return d.agent.Running()
}

// Run loads the inventory, launches the initial worker set, and blocks
// processing control intents until ctx is cancelled or Stop is called.
// The metric dispatch loop keeps draining the whole time, including while
// a reconcile is in progress.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("starting system")

	nodes, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("initial inventory load: %w", err)
	}
	summary := d.agent.LaunchNodes(nodes)
	d.logger.Info("initial worker set launched",
		"started", len(summary.Started),
		"skipped", len(summary.Skipped),
	)

	d.drainWG.Add(1)
	go d.dispatch()

	if d.cfg.WatchInventory {
		go func() {
			err := inventory.Watch(ctx, d.store.Path(), watchDebounce, d.logger, func() {
				// Reload errors are logged by the control loop.
				_ = d.Reload(context.Background())
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("inventory watcher stopped", "error", err)
			}
		}()
	}

	d.logger.Info("system running")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case in := <-d.intents:
			if in.kind == intentStop {
				in.reply <- nil
				d.shutdown()
				return nil
			}
			in.reply <- d.handle(in)
		}
	}
}

// AddNode persists a new inventory entry and starts its worker.
func (d *Driver) AddNode(ctx context.Context, entry inventory.Entry, creds models.Credentials) error {
	return d.submit(ctx, intent{kind: intentAdd, entry: entry, creds: creds})
}

// RemoveNode stops the named worker and deletes its inventory entry.
func (d *Driver) RemoveNode(ctx context.Context, name string) error {
	return d.submit(ctx, intent{kind: intentRemove, name: name})
}

// UpdateInterval persists a new polling frequency and restarts the worker.
func (d *Driver) UpdateInterval(ctx context.Context, name string, seconds int) error {
	return d.submit(ctx, intent{kind: intentUpdateInterval, name: name, seconds: seconds})
}

// Reload re-reads the inventory document and reconciles the worker set.
func (d *Driver) Reload(ctx context.Context) error {
	return d.submit(ctx, intent{kind: intentReload})
}

// Stop shuts the system down: every worker is signalled and the call
// blocks until the pool has drained (bounded) and the dispatch loop exited.
func (d *Driver) Stop(ctx context.Context) error {
	err := d.submit(ctx, intent{kind: intentStop})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// submit hands one intent to the control loop and waits for its result, so
// callers from any goroutine are serialized onto the single control task.
func (d *Driver) submit(ctx context.Context, in intent) error {
	in.reply = make(chan error, 1)
	select {
	case d.intents <- in:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle executes one control intent on the control goroutine.
func (d *Driver) handle(in intent) error {
	switch in.kind {
	case intentAdd:
		d.logger.Info("adding node", "node", in.entry.Name)
		if _, err := d.store.Add(in.entry, in.creds); err != nil {
			return err
		}
		node, err := d.loadNode(in.entry.Name)
		if err != nil {
			return err
		}
		return d.agent.AddNode(node)

	case intentRemove:
		d.logger.Info("removing node", "node", in.name)
		d.agent.RemoveNode(in.name)
		if err := d.store.Remove(in.name); err != nil {
			return err
		}
		return nil

	case intentUpdateInterval:
		d.logger.Info("updating node interval", "node", in.name, "interval_seconds", in.seconds)
		if err := d.store.UpdateInterval(in.name, in.seconds); err != nil {
			return err
		}
		node, err := d.loadNode(in.name)
		if err != nil {
			return err
		}
		return d.agent.UpdateNode(node)

	case intentReload:
		d.logger.Info("reloading configuration")
		nodes, err := d.store.Load()
		if err != nil {
			return fmt.Errorf("inventory reload: %w", err)
		}
		summary := d.agent.Reconcile(nodes)
		d.logger.Info("reconcile complete",
			"started", len(summary.Started),
			"stopped", len(summary.Stopped),
			"restarted", len(summary.Restarted),
			"skipped", len(summary.Skipped),
		)
		return nil

	default:
		return fmt.Errorf("unknown control intent %d", in.kind)
	}
}

// loadNode rebuilds one desired node from the stored document.
func (d *Driver) loadNode(name string) (models.Node, error) {
	nodes, err := d.store.Load()
	if err != nil {
		return models.Node{}, err
	}
	for _, node := range nodes {
		if node.Name == name {
			return node, nil
		}
	}
	return models.Node{}, fmt.Errorf("%w: %s", inventory.ErrNotFound, name)
}

// dispatch republishes every metric event to all sinks, in arrival order.
// It runs until shutdown has drained the workers and the channel is empty.
func (d *Driver) dispatch() {
	defer d.drainWG.Done()

	for {
		select {
		case event := <-d.events:
			d.publish(event)
		case <-d.stopped:
			// Workers are drained; flush whatever is still buffered.
			for {
				select {
				case event := <-d.events:
					d.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Driver) publish(event models.MetricEvent) {
	for _, s := range d.sinks {
		s.Publish(event)
	}
}

// shutdown stops the workers (bounded drain), then the dispatch loop.
func (d *Driver) shutdown() {
	d.stopOnce.Do(func() {
		d.logger.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.GetDrainTimeout())
		defer cancel()
		if err := d.agent.Shutdown(drainCtx); err != nil {
			d.logger.Error("worker pool drain incomplete", "error", err)
		}

		close(d.stopped)
		d.drainWG.Wait()
		d.logger.Info("shutdown complete")
	})
}
