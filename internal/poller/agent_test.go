package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNode(name string, interval time.Duration) models.Node {
	return models.Node{
		Name:      name,
		Host:      name + ".example",
		User:      "monitor",
		Port:      22,
		OS:        models.OSLinux,
		Transport: models.TransportSSH,
		Interval:  interval,
	}
}

// fakeCollector counts collections and records release.
type fakeCollector struct {
	mu       sync.Mutex
	collects int
	closed   bool
	fn       func(ctx context.Context) (*models.SystemMetrics, error)
}

func (c *fakeCollector) Collect(ctx context.Context) (*models.SystemMetrics, error) {
	c.mu.Lock()
	c.collects++
	fn := c.fn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &models.SystemMetrics{Hostname: "fake", Timestamp: time.Now().UTC()}, nil
}

func (c *fakeCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCollector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCollector) collected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collects
}

// fakeFactory hands out fakeCollectors and remembers them per node name.
type fakeFactory struct {
	mu        sync.Mutex
	byName    map[string][]*fakeCollector
	fn        func(ctx context.Context) (*models.SystemMetrics, error)
	failNames map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{byName: make(map[string][]*fakeCollector)}
}

func (f *fakeFactory) factory(node models.Node) (Collector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNames[node.Name] {
		return nil, errors.New("simulated factory failure")
	}
	c := &fakeCollector{fn: f.fn}
	f.byName[node.Name] = append(f.byName[node.Name], c)
	return c, nil
}

func (f *fakeFactory) collectors(name string) []*fakeCollector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeCollector(nil), f.byName[name]...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func sorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shutdownAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestReconcileDiffCorrectness(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	first := agent.Reconcile([]models.Node{
		testNode("a", time.Hour),
		testNode("b", time.Hour),
	})
	if !equalNames(sorted(first.Started), []string{"a", "b"}) {
		t.Fatalf("started = %v, want [a b]", first.Started)
	}
	if len(first.Stopped) != 0 || len(first.Restarted) != 0 {
		t.Fatalf("unexpected stop/restart on first reconcile: %+v", first)
	}

	second := agent.Reconcile([]models.Node{
		testNode("b", time.Hour),
		testNode("c", time.Hour),
	})
	if !equalNames(second.Started, []string{"c"}) {
		t.Errorf("started = %v, want [c]", second.Started)
	}
	if !equalNames(second.Stopped, []string{"a"}) {
		t.Errorf("stopped = %v, want [a]", second.Stopped)
	}
	if len(second.Restarted) != 0 {
		t.Errorf("restarted = %v, want none for unchanged interval", second.Restarted)
	}

	if !equalNames(sorted(agent.Running()), []string{"b", "c"}) {
		t.Errorf("running = %v, want [b c]", agent.Running())
	}
}

func TestReconcileIdempotent(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	desired := []models.Node{testNode("a", time.Hour), testNode("b", time.Hour)}
	agent.Reconcile(desired)

	again := agent.Reconcile(desired)
	if len(again.Started)+len(again.Stopped)+len(again.Restarted) != 0 {
		t.Errorf("second reconcile with identical desired set acted: %+v", again)
	}
}

func TestReconcileIntervalChangeRestarts(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	agent.Reconcile([]models.Node{testNode("a", 5 * time.Hour)})
	summary := agent.Reconcile([]models.Node{testNode("a", 10 * time.Hour)})

	if !equalNames(summary.Restarted, []string{"a"}) {
		t.Fatalf("restarted = %v, want [a]", summary.Restarted)
	}
	if !equalNames(agent.Running(), []string{"a"}) {
		t.Fatalf("running = %v, want [a]", agent.Running())
	}

	// The replaced worker must release its connection; the replacement must
	// not share it.
	waitFor(t, time.Second, func() bool {
		cols := factory.collectors("a")
		return len(cols) == 2 && cols[0].isClosed() && !cols[1].isClosed()
	}, "old collector closed, new collector live")
}

func TestAtMostOneLiveWorkerPerName(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	for i := 0; i < 5; i++ {
		agent.Reconcile([]models.Node{testNode("a", time.Duration(i+1) * time.Hour)})
	}

	waitFor(t, time.Second, func() bool {
		live := 0
		for _, c := range factory.collectors("a") {
			if !c.isClosed() {
				live++
			}
		}
		return live == 1
	}, "exactly one live collector for node a")
}

func TestReconcileSkipsMalformedNode(t *testing.T) {
	factory := newFakeFactory()
	factory.failNames = map[string]bool{"bad": true}
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	summary := agent.Reconcile([]models.Node{
		testNode("good", time.Hour),
		testNode("bad", time.Hour),
		{Name: "zero-interval", Host: "h", OS: models.OSLinux, Transport: models.TransportSSH},
	})

	if !equalNames(summary.Started, []string{"good"}) {
		t.Errorf("started = %v, want [good]", summary.Started)
	}
	if !equalNames(sorted(summary.Skipped), []string{"bad", "zero-interval"}) {
		t.Errorf("skipped = %v, want [bad zero-interval]", summary.Skipped)
	}
	if !equalNames(agent.Running(), []string{"good"}) {
		t.Errorf("running = %v, want [good]", agent.Running())
	}
}

func TestWorkerCap(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 1, testLogger())
	defer shutdownAgent(t, agent)

	summary := agent.Reconcile([]models.Node{
		testNode("a", time.Hour),
		testNode("b", time.Hour),
	})

	if len(summary.Started) != 1 {
		t.Errorf("started = %v, want exactly one node under cap 1", summary.Started)
	}
	if len(summary.Skipped) != 1 {
		t.Errorf("skipped = %v, want exactly one node over cap", summary.Skipped)
	}
}

func TestSingleNodeWrappers(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())
	defer shutdownAgent(t, agent)

	if err := agent.AddNode(testNode("a", time.Hour)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := agent.AddNode(testNode("a", time.Hour)); err == nil {
		t.Error("AddNode accepted a duplicate name")
	}

	if err := agent.UpdateNode(testNode("missing", time.Hour)); err == nil {
		t.Error("UpdateNode accepted an unknown node")
	}
	if err := agent.UpdateNode(testNode("a", 2 * time.Hour)); err != nil {
		t.Errorf("UpdateNode: %v", err)
	}

	agent.RemoveNode("missing") // must not panic or error
	agent.RemoveNode("a")
	if len(agent.Running()) != 0 {
		t.Errorf("running = %v, want empty", agent.Running())
	}
}

func TestShutdownDrainsWorkers(t *testing.T) {
	factory := newFakeFactory()
	events := make(chan models.MetricEvent, 1000)
	agent := NewAgent(events, factory.factory, 50, testLogger())

	var names []string
	var desired []models.Node
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("node-%d", i)
		names = append(names, name)
		desired = append(desired, testNode(name, time.Hour))
	}
	agent.Reconcile(desired)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := agent.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, name := range names {
		for _, c := range factory.collectors(name) {
			if !c.isClosed() {
				t.Errorf("collector for %s not released after shutdown", name)
			}
		}
	}

	if err := agent.AddNode(testNode("late", time.Hour)); err == nil {
		t.Error("agent accepted AddNode after shutdown")
	}
}
