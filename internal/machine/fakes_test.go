package machine

import (
	"context"
	"sync"
	"time"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

const (
	testInstanceARN = "arn:aws:rds:us-east-1:123456789012:db:db-instance-1a"
	testClusterARN  = "arn:aws:rds:us-east-1:123456789012:cluster:db-cluster-1a"
)

type fakeDiscoverer struct {
	arns []string
	err  error

	mu    sync.Mutex
	calls int
	key   string
	vals  []string
}

func (d *fakeDiscoverer) Discover(ctx context.Context, tagKey string, tagValues []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.key = tagKey
	d.vals = tagValues
	return d.arns, d.err
}

// fakeCloud serves probes from per-resource status sequences. Each probe
// consumes the next queued status; the last one sticks.
type fakeCloud struct {
	mu       sync.Mutex
	status   map[string]string
	queued   map[string][]string
	absent   map[string]bool
	probeErr map[string]error
	cmdErr   map[string]error
	// afterCommand overrides the sequence queued by a successful command.
	afterCommand map[string][]string

	commands map[string]int
	probes   map[string]int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		status:       make(map[string]string),
		queued:       make(map[string][]string),
		absent:       make(map[string]bool),
		probeErr:     make(map[string]error),
		cmdErr:       make(map[string]error),
		afterCommand: make(map[string][]string),
		commands:     make(map[string]int),
		probes:       make(map[string]int),
	}
}

func (c *fakeCloud) set(key, status string, next ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[key] = status
	c.queued[key] = next
}

func (c *fakeCloud) Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := t.Key()
	c.probes[key]++
	if err := c.probeErr[key]; err != nil {
		return types.ResourceStatus{}, err
	}
	if c.absent[key] {
		return types.AbsentStatus(), nil
	}
	if q := c.queued[key]; len(q) > 0 {
		c.status[key] = q[0]
		c.queued[key] = q[1:]
	}
	return types.ResourceStatus{Current: c.status[key]}, nil
}

func (c *fakeCloud) Transition(ctx context.Context, t types.TargetResource, mode types.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := t.Key()
	c.commands[key]++
	if err := c.cmdErr[key]; err != nil {
		return err
	}
	if seq, ok := c.afterCommand[key]; ok {
		c.queued[key] = seq
		return nil
	}
	if mode == types.ModeStart {
		c.queued[key] = []string{"starting", "available"}
	} else {
		c.queued[key] = []string{"stopping", "stopped"}
	}
	return nil
}

func (c *fakeCloud) commandCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands[key]
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.NotificationEvent
	err    error
}

func (n *fakeNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) sent() []types.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.NotificationEvent(nil), n.events...)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestEngine(d Discoverer, c *fakeCloud, n *fakeNotifier) *Engine {
	return NewEngine(EngineConfig{
		Discoverer: d,
		Prober:     c,
		Commander:  c,
		Notifier:   n,
		MaxPolls:   120,
		Sleep:      noSleep,
	})
}

func branchFor(run *types.RunRecord, key string) *types.BranchResult {
	for i := range run.Branches {
		if run.Branches[i].Resource.Key() == key {
			return &run.Branches[i]
		}
	}
	return nil
}
