package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/metrics"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/storage"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

const (
	instanceKey = "db/db-instance-1a"
	clusterKey  = "cluster/db-cluster-1a"
)

func startRequest() types.ScheduleRequest {
	return types.NewScheduleRequest(types.ModeStart, "WorkHoursRunning", "YES")
}

func stopRequest() types.ScheduleRequest {
	return types.NewScheduleRequest(types.ModeStop, "WorkHoursRunning", "YES")
}

func TestEngine_Run_StartMixedResources(t *testing.T) {
	d := &fakeDiscoverer{arns: []string{testInstanceARN, testClusterARN}}
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	c.set(clusterKey, "available")
	n := &fakeNotifier{}

	e := newTestEngine(d, c, n)
	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.State != types.RunSucceeded {
		t.Errorf("run state = %s, want succeeded", run.State)
	}
	if d.key != "WorkHoursRunning" || len(d.vals) != 1 || d.vals[0] != "YES" {
		t.Errorf("discovery called with %q %v", d.key, d.vals)
	}
	if got := c.commandCount(instanceKey); got != 1 {
		t.Errorf("instance commands = %d, want 1", got)
	}
	if got := c.commandCount(clusterKey); got != 0 {
		t.Errorf("cluster commands = %d, want 0", got)
	}

	inst := branchFor(run, instanceKey)
	if inst == nil {
		t.Fatal("instance branch missing")
	}
	if inst.State != types.BranchDone || inst.Outcome != types.OutcomeConverged {
		t.Errorf("instance = %s/%s, want done/converged", inst.State, inst.Outcome)
	}
	if inst.FinalStatus != "available" {
		t.Errorf("instance final status = %q", inst.FinalStatus)
	}
	if inst.Polls != 2 {
		t.Errorf("instance polls = %d, want 2", inst.Polls)
	}

	cl := branchFor(run, clusterKey)
	if cl == nil {
		t.Fatal("cluster branch missing")
	}
	if cl.Outcome != types.OutcomeAlreadyConverged || !cl.Notified {
		t.Errorf("cluster outcome = %s notified = %v", cl.Outcome, cl.Notified)
	}

	sent := n.sent()
	if len(sent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(sent))
	}
	for _, ev := range sent {
		if ev.Mode != types.ModeStart || ev.ResultingStatus != "available" {
			t.Errorf("notification = %+v", ev)
		}
		if ev.Account != "123456789012" || ev.Region != "us-east-1" {
			t.Errorf("notification scope = %s/%s", ev.Account, ev.Region)
		}
	}
}

func TestEngine_Run_BranchHistory(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []types.BranchState{
		types.BranchTransitioning,
		types.BranchWaiting,
		types.BranchProbing,
		types.BranchWaiting,
		types.BranchProbing,
		types.BranchNotifying,
		types.BranchDone,
	}
	got := run.Branches[0].History
	if len(got) != len(want) {
		t.Fatalf("history length = %d, want %d: %+v", len(got), len(want), got)
	}
	for i, tr := range got {
		if tr.To != want[i] {
			t.Errorf("history[%d].To = %s, want %s", i, tr.To, want[i])
		}
	}
	if got[0].From != types.BranchProbing {
		t.Errorf("first transition from %s", got[0].From)
	}
}

func TestEngine_Run_StopWaitsWhileStopping(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopping", "stopping", "stopping", "stopped")
	n := &fakeNotifier{}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, n)

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if b.State != types.BranchDone {
		t.Fatalf("state = %s (%s)", b.State, b.Error)
	}
	if b.Commands != 0 {
		t.Errorf("commands = %d, want 0", b.Commands)
	}
	if b.Polls != 2 {
		t.Errorf("polls = %d, want 2", b.Polls)
	}
	if b.Outcome != types.OutcomeAlreadyConverged {
		t.Errorf("outcome = %s", b.Outcome)
	}
	if len(n.sent()) != 1 {
		t.Errorf("notifications = %d, want 1", len(n.sent()))
	}
}

func TestEngine_Run_AbsentClusterSkipped(t *testing.T) {
	c := newFakeCloud()
	c.absent[clusterKey] = true
	n := &fakeNotifier{}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testClusterARN}}, c, n)

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if b.State != types.BranchDone || b.Outcome != types.OutcomeSkippedAbsent {
		t.Errorf("branch = %s/%s, want done/skipped_absent", b.State, b.Outcome)
	}
	if len(n.sent()) != 0 {
		t.Errorf("absent cluster notified")
	}
	if c.commandCount(clusterKey) != 0 {
		t.Errorf("absent cluster commanded")
	}
	if run.State != types.RunSucceeded {
		t.Errorf("run state = %s", run.State)
	}
}

func TestEngine_Run_UnexpectedStatusFailsOnlyThatBranch(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	c.set(clusterKey, "deleting")
	n := &fakeNotifier{}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN, testClusterARN}}, c, n)

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if run.State != types.RunPartial {
		t.Errorf("run state = %s, want partial", run.State)
	}
	cl := branchFor(run, clusterKey)
	if cl.State != types.BranchFailed || cl.Outcome != types.OutcomeFailed {
		t.Errorf("cluster = %s/%s", cl.State, cl.Outcome)
	}
	if !strings.Contains(cl.Error, internalerrors.ErrUnexpectedStatus.Error()) {
		t.Errorf("cluster error = %q", cl.Error)
	}
	inst := branchFor(run, instanceKey)
	if inst.State != types.BranchDone || inst.Outcome != types.OutcomeAlreadyConverged {
		t.Errorf("instance = %s/%s", inst.State, inst.Outcome)
	}
	if len(n.sent()) != 1 {
		t.Errorf("notifications = %d, want 1", len(n.sent()))
	}
}

func TestEngine_Run_ErrorStatusNamedInFailure(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "storage-full")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	inst := branchFor(run, instanceKey)
	if inst.State != types.BranchFailed || !strings.Contains(inst.Error, `error status "storage-full"`) {
		t.Errorf("instance = %s %q", inst.State, inst.Error)
	}
	if c.commandCount(instanceKey) != 0 {
		t.Error("command issued for a resource in error status")
	}
}

func TestEngine_Run_PollLimit(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "modifying")
	e := NewEngine(EngineConfig{
		Discoverer: &fakeDiscoverer{arns: []string{testInstanceARN}},
		Prober:     c,
		Commander:  c,
		Notifier:   &fakeNotifier{},
		MaxPolls:   3,
		Sleep:      noSleep,
	})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if b.State != types.BranchFailed {
		t.Fatalf("state = %s, want failed", b.State)
	}
	if b.Polls != 3 {
		t.Errorf("polls = %d, want 3", b.Polls)
	}
	if !strings.Contains(b.Error, internalerrors.ErrPollLimitExceeded.Error()) {
		t.Errorf("error = %q", b.Error)
	}
}

func TestEngine_Run_NotifyFailureKeepsBranchDone(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "available")
	n := &fakeNotifier{err: errors.New("topic unavailable")}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, n)

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if b.State != types.BranchDone {
		t.Errorf("state = %s, want done", b.State)
	}
	if b.Notified {
		t.Error("Notified = true after delivery failure")
	}
	if b.NotifyError != "topic unavailable" {
		t.Errorf("notify error = %q", b.NotifyError)
	}
	if run.State != types.RunSucceeded {
		t.Errorf("run state = %s", run.State)
	}
}

func TestEngine_Run_CommandFailure(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "available")
	c.cmdErr[instanceKey] = errors.New("InvalidDBInstanceState")
	n := &fakeNotifier{}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, n)

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if b.State != types.BranchFailed || b.Commands != 1 {
		t.Errorf("branch = %s commands = %d", b.State, b.Commands)
	}
	if len(n.sent()) != 0 {
		t.Error("failed branch notified")
	}
	if run.State != types.RunPartial {
		t.Errorf("run state = %s, want partial", run.State)
	}
}

func TestEngine_Run_NoSecondCommandWhileProviderLags(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	c.afterCommand[instanceKey] = []string{"stopped", "stopped", "starting", "available"}
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	b := run.Branches[0]
	if c.commandCount(instanceKey) != 1 || b.Commands != 1 {
		t.Errorf("commands = %d (branch %d), want 1", c.commandCount(instanceKey), b.Commands)
	}
	if b.Outcome != types.OutcomeConverged {
		t.Errorf("outcome = %s, want converged", b.Outcome)
	}
}

func TestEngine_Run_DiscoveryFailure(t *testing.T) {
	c := newFakeCloud()
	e := newTestEngine(&fakeDiscoverer{err: errors.New("throttled")}, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if !errors.Is(err, internalerrors.ErrDiscoveryFailed) {
		t.Errorf("error %v is not ErrDiscoveryFailed", err)
	}
	if run == nil || run.State != types.RunFailed {
		t.Fatalf("run = %+v, want failed", run)
	}
	if len(run.Branches) != 0 {
		t.Errorf("branches = %d, want 0", len(run.Branches))
	}
}

func TestEngine_Run_NothingDiscovered(t *testing.T) {
	e := newTestEngine(&fakeDiscoverer{}, newFakeCloud(), &fakeNotifier{})

	run, err := e.Run(context.Background(), stopRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != types.RunSucceeded || len(run.Branches) != 0 {
		t.Errorf("run = %s with %d branches", run.State, len(run.Branches))
	}
}

func TestEngine_Run_MalformedAddress(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "available")
	d := &fakeDiscoverer{arns: []string{"arn:aws:rds:us-east-1:123456789012:snapshot:s1", testInstanceARN}}
	e := newTestEngine(d, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(run.Branches) != 2 {
		t.Fatalf("branches = %d, want 2", len(run.Branches))
	}
	bad := run.Branches[0]
	if bad.State != types.BranchFailed || !strings.Contains(bad.Error, internalerrors.ErrInvalidResourceAddress.Error()) {
		t.Errorf("malformed branch = %s %q", bad.State, bad.Error)
	}
	if run.Branches[1].State != types.BranchDone {
		t.Errorf("valid branch = %s", run.Branches[1].State)
	}
	if run.State != types.RunPartial {
		t.Errorf("run state = %s", run.State)
	}
}

func TestEngine_Run_DuplicateAddresses(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	d := &fakeDiscoverer{arns: []string{testInstanceARN, testInstanceARN}}
	e := newTestEngine(d, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Branches) != 1 {
		t.Errorf("branches = %d, want 1", len(run.Branches))
	}
	if c.commandCount(instanceKey) != 1 {
		t.Errorf("commands = %d, want 1", c.commandCount(instanceKey))
	}
}

func TestEngine_Run_Cancelled(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := e.Run(ctx, startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.State != types.RunFailed {
		t.Errorf("run state = %s, want failed", run.State)
	}
	b := run.Branches[0]
	if b.State != types.BranchFailed || b.Outcome != types.OutcomeCancelled {
		t.Errorf("branch = %s/%s, want failed/cancelled", b.State, b.Outcome)
	}
	if c.commandCount(instanceKey) != 0 {
		t.Error("command issued after cancellation")
	}
}

func TestEngine_Run_ResourceBusy(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	if _, ok := e.Locks().TryAcquire(instanceKey, "other-run"); !ok {
		t.Fatal("TryAcquire() failed on empty lock set")
	}

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b := run.Branches[0]
	if b.State != types.BranchFailed || !strings.Contains(b.Error, "other-run") {
		t.Errorf("branch = %s %q", b.State, b.Error)
	}
	if c.commandCount(instanceKey) != 0 {
		t.Error("command issued for a busy resource")
	}
	if e.Locks().Held() != 1 {
		t.Errorf("held = %d, want 1", e.Locks().Held())
	}
}

// branchTracker counts branches between their first status read and their
// notification, so a branch parked in Waiting still counts as active.
type branchTracker struct {
	mu     sync.Mutex
	seen   map[string]bool
	active int
	max    int
}

func (tr *branchTracker) begin(key string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.seen[key] {
		return
	}
	tr.seen[key] = true
	tr.active++
	tr.max = max(tr.max, tr.active)
}

func (tr *branchTracker) end() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.active--
}

type trackingCloud struct {
	*fakeCloud
	tr *branchTracker
}

func (c trackingCloud) Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error) {
	c.tr.begin(t.Key())
	return c.fakeCloud.Probe(ctx, t)
}

type trackingNotifier struct {
	tr *branchTracker
}

func (n trackingNotifier) Notify(ctx context.Context, ev types.NotificationEvent) error {
	n.tr.end()
	return nil
}

func TestEngine_Run_ConcurrencyCeiling(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		wantPolls int
		outcome   types.BranchOutcome
	}{
		{"already converged", "stopped", 0, types.OutcomeAlreadyConverged},
		// available -> command -> stopping -> stopped keeps every branch waiting twice
		{"waiting branches hold their slot", "available", 2, types.OutcomeConverged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCloud()
			tr := &branchTracker{seen: make(map[string]bool)}
			var arns []string
			for i := range 25 {
				id := fmt.Sprintf("db-%02d", i)
				arns = append(arns, "arn:aws:rds:us-east-1:123456789012:db:"+id)
				c.set("db/"+id, tt.status)
			}
			cloud := trackingCloud{fakeCloud: c, tr: tr}
			e := NewEngine(EngineConfig{
				Discoverer: &fakeDiscoverer{arns: arns},
				Prober:     cloud,
				Commander:  cloud,
				Notifier:   trackingNotifier{tr: tr},
				MaxPolls:   120,
				Sleep: func(ctx context.Context, d time.Duration) error {
					time.Sleep(2 * time.Millisecond)
					return ctx.Err()
				},
			})

			run, err := e.Run(context.Background(), stopRequest(), "test")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if got := run.Counts()[tt.outcome]; got != 25 {
				t.Errorf("%s branches = %d, want 25", tt.outcome, got)
			}
			for _, b := range run.Branches {
				if b.Polls != tt.wantPolls {
					t.Errorf("%s polls = %d, want %d", b.Resource.Key(), b.Polls, tt.wantPolls)
				}
			}
			if tr.max > 10 {
				t.Errorf("max active branches = %d, want <= 10", tr.max)
			}
			if tr.max < 2 {
				t.Errorf("max active branches = %d, branches never overlapped", tr.max)
			}
			if tr.active != 0 {
				t.Errorf("active branches after run = %d", tr.active)
			}
			if e.Locks().Held() != 0 {
				t.Errorf("locks held after run = %d", e.Locks().Held())
			}
		})
	}
}

func TestEngine_InFlightGaugeReturnsToZero(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	m := metrics.New()
	e := NewEngine(EngineConfig{
		Discoverer: &fakeDiscoverer{arns: []string{"arn:aws:rds:us-east-1:123456789012:snapshot:s1", testInstanceARN}},
		Prober:     c,
		Commander:  c,
		Metrics:    m,
		Sleep:      noSleep,
	})

	if _, err := e.Run(context.Background(), startRequest(), "test"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	in := StepInput{Mode: types.ModeStop, Address: testInstanceARN}
	for range 3 {
		res, err := e.ExecuteStep(context.Background(), in)
		if err != nil {
			t.Fatalf("ExecuteStep() error = %v", err)
		}
		if res.Continue {
			in.Branch = res.Branch
		}
	}

	if got := gaugeValue(t, m, "rds_scheduler_branches_in_flight"); got != 0 {
		t.Errorf("branches in flight = %v, want 0", got)
	}
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestEngine_Run_InvalidRequest(t *testing.T) {
	e := newTestEngine(&fakeDiscoverer{}, newFakeCloud(), &fakeNotifier{})

	_, err := e.Run(context.Background(), types.NewScheduleRequest("Pause", "k", "v"), "test")
	if !errors.Is(err, internalerrors.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
	if len(e.ListRuns()) != 0 {
		t.Error("invalid request recorded a run")
	}
}

func TestEngine_GetRunAndEvents(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "available")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	run, err := e.Run(context.Background(), stopRequest(), "manual")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := e.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Trigger != "manual" || got.State != run.State {
		t.Errorf("GetRun() = %s/%s", got.Trigger, got.State)
	}

	events, err := e.GetEvents(run.ID)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Type != "run_started" {
		t.Errorf("first event = %s", events[0].Type)
	}
	if events[len(events)-1].Type != "run_completed" {
		t.Errorf("last event = %s", events[len(events)-1].Type)
	}

	if _, err := e.GetRun("missing"); !errors.Is(err, internalerrors.ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v", err)
	}
	if _, err := e.GetEvents("missing"); !errors.Is(err, internalerrors.ErrRunNotFound) {
		t.Errorf("GetEvents(missing) error = %v", err)
	}
}

func TestEngine_ListRunsNewestFirst(t *testing.T) {
	clock := time.Date(2026, 1, 5, 7, 50, 0, 0, time.UTC)
	e := NewEngine(EngineConfig{
		Discoverer: &fakeDiscoverer{},
		Prober:     newFakeCloud(),
		Commander:  newFakeCloud(),
		Sleep:      noSleep,
		Now: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	})

	first, _ := e.Run(context.Background(), startRequest(), "first")
	second, _ := e.Run(context.Background(), stopRequest(), "second")

	runs := e.ListRuns()
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("order = %s, %s", runs[0].Trigger, runs[1].Trigger)
	}
}

func TestEngine_PersistsToFileStore(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	e := NewEngine(EngineConfig{
		Discoverer: &fakeDiscoverer{arns: []string{testInstanceARN}},
		Prober:     c,
		Commander:  c,
		Notifier:   &fakeNotifier{},
		Store:      store,
		Sleep:      noSleep,
	})

	run, err := e.Run(context.Background(), startRequest(), "test")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	saved, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("store.GetRun() error = %v", err)
	}
	if saved.State != types.RunSucceeded || len(saved.Branches) != 1 {
		t.Errorf("saved = %s with %d branches", saved.State, len(saved.Branches))
	}

	reloaded := NewEngine(EngineConfig{Store: store})
	if err := reloaded.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("LoadFromStore() error = %v", err)
	}
	if _, err := reloaded.GetRun(run.ID); err != nil {
		t.Errorf("reloaded GetRun() error = %v", err)
	}
	events, _ := reloaded.GetEvents(run.ID)
	if len(events) == 0 {
		t.Error("reloaded engine has no events")
	}
}

func TestEngine_StartRun(t *testing.T) {
	c := newFakeCloud()
	c.set(instanceKey, "stopped")
	e := newTestEngine(&fakeDiscoverer{arns: []string{testInstanceARN}}, c, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	snap, err := e.StartRun(ctx, startRequest(), "api")
	cancel()
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if snap.State != types.RunRunning {
		t.Errorf("initial state = %s", snap.State)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(snap.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run.State != types.RunRunning {
			if run.State != types.RunSucceeded {
				t.Errorf("state = %s, want succeeded", run.State)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not complete")
}

func TestEngine_Command(t *testing.T) {
	c := newFakeCloud()
	c.set(clusterKey, "available")
	e := newTestEngine(nil, c, &fakeNotifier{})
	cluster := types.TargetResource{Kind: types.KindCluster, Identifier: "db-cluster-1a"}

	if err := e.Command(context.Background(), types.ModeStop, cluster); err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if c.commandCount(clusterKey) != 1 {
		t.Errorf("commands = %d, want 1", c.commandCount(clusterKey))
	}
	if c.probes[clusterKey] != 0 {
		t.Error("direct command read the resource status")
	}
	if e.Locks().Held() != 0 {
		t.Errorf("locks held = %d", e.Locks().Held())
	}

	c.cmdErr[clusterKey] = errors.New("InvalidDBClusterStateFault")
	if err := e.Command(context.Background(), types.ModeStop, cluster); err == nil {
		t.Error("Command() should return the provider error")
	}

	e.Locks().TryAcquire(clusterKey, "run-1")
	if err := e.Command(context.Background(), types.ModeStart, cluster); !errors.Is(err, internalerrors.ErrResourceBusy) {
		t.Errorf("busy error = %v, want ErrResourceBusy", err)
	}

	if err := e.Command(context.Background(), types.ModeStart, types.TargetResource{Kind: types.KindInstance}); !errors.Is(err, internalerrors.ErrInvalidParameter) {
		t.Errorf("empty identifier error = %v, want ErrInvalidParameter", err)
	}
}
