// Package machine provides the control loop that converges tagged RDS
// resources to the requested running state.
package machine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/metrics"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/notifiers"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/storage"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Discoverer returns the ARNs of resources tagged with tagKey in tagValues.
type Discoverer interface {
	Discover(ctx context.Context, tagKey string, tagValues []string) ([]string, error)
}

// Prober reads the current status of a resource.
type Prober interface {
	Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error)
}

// Commander issues one start or stop command for a resource.
type Commander interface {
	Transition(ctx context.Context, t types.TargetResource, mode types.Mode) error
}

// Engine runs the control loop. It keeps the history of runs it has
// executed and mirrors it to the store.
type Engine struct {
	mu     sync.RWMutex
	runs   map[string]*types.RunRecord
	events map[string][]types.Event

	discoverer Discoverer
	prober     Prober
	commander  Commander
	notifier   notifiers.Notifier
	store      storage.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	locks      *ResourceLocks

	pollInterval   time.Duration
	maxConcurrency int
	maxPolls       int

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// EngineConfig contains configuration for the engine.
type EngineConfig struct {
	Discoverer Discoverer
	Prober     Prober
	Commander  Commander
	Notifier   notifiers.Notifier
	Store      storage.Store
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Locks      *ResourceLocks

	PollInterval   time.Duration
	MaxConcurrency int
	// MaxPolls bounds the Waiting -> Probing cycles of a branch. Zero or
	// less leaves polling unbounded.
	MaxPolls int

	// Sleep overrides the pause used by Waiting (for tests).
	Sleep func(context.Context, time.Duration) error
	// Now overrides the clock (for tests).
	Now func() time.Time
}

// NewEngine creates a new control loop engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		runs:           make(map[string]*types.RunRecord),
		events:         make(map[string][]types.Event),
		discoverer:     cfg.Discoverer,
		prober:         cfg.Prober,
		commander:      cfg.Commander,
		notifier:       cfg.Notifier,
		store:          cfg.Store,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		locks:          cfg.Locks,
		pollInterval:   cfg.PollInterval,
		maxConcurrency: cfg.MaxConcurrency,
		maxPolls:       cfg.MaxPolls,
		sleep:          cfg.Sleep,
		now:            cfg.Now,
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.notifier == nil {
		e.notifier = &notifiers.NullNotifier{}
	}
	if e.store == nil {
		e.store = &storage.NullStore{}
	}
	if e.locks == nil {
		e.locks = NewResourceLocks()
	}
	if e.pollInterval <= 0 {
		e.pollInterval = constants.DefaultPollInterval
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = constants.DefaultMaxConcurrency
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// LoadFromStore loads the run history from persistent storage.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	runs, events, err := e.store.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "load from store")
	}

	e.mu.Lock()
	e.runs = runs
	e.events = events
	e.mu.Unlock()

	e.logger.Info("loaded run history from storage", slog.Int("runs", len(runs)))
	return nil
}

// Run executes one invocation of the control loop and blocks until every
// branch is terminal. The returned error is non-nil only when the
// invocation itself failed (invalid request or discovery error); branch
// failures are reported in the record.
func (e *Engine) Run(ctx context.Context, req types.ScheduleRequest, trigger string) (*types.RunRecord, error) {
	run, err := e.createRun(ctx, req, trigger)
	if err != nil {
		return nil, err
	}
	err = e.execute(ctx, run)
	return e.snapshot(run.ID), err
}

// StartRun creates a run and executes it in the background. The returned
// record is a snapshot taken before any branch starts.
func (e *Engine) StartRun(ctx context.Context, req types.ScheduleRequest, trigger string) (*types.RunRecord, error) {
	run, err := e.createRun(ctx, req, trigger)
	if err != nil {
		return nil, err
	}
	snap := e.snapshot(run.ID)

	go func() {
		if err := e.execute(context.WithoutCancel(ctx), run); err != nil {
			e.logger.Error("run failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}()

	return snap, nil
}

func (e *Engine) createRun(ctx context.Context, req types.ScheduleRequest, trigger string) (*types.RunRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}

	run := &types.RunRecord{
		ID:        uuid.New().String(),
		Request:   types.NewScheduleRequest(req.Mode, req.TagKey, req.TagValues...),
		Trigger:   trigger,
		State:     types.RunRunning,
		StartedAt: e.now(),
	}

	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()

	e.persistRun(ctx, run.ID)
	e.addEvent(run.ID, "run_started", "Run started: "+string(req.Mode)+" "+req.TagKey, nil)
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *types.RunRecord) error {
	req := run.Request
	logger := e.logger.With(slog.String("run_id", run.ID), slog.String("mode", string(req.Mode)))
	logger.Info("run started", slog.String("tag_key", req.TagKey), slog.Any("tag_values", req.TagValues))

	arns, err := e.discoverer.Discover(ctx, req.TagKey, req.Values())
	if err != nil {
		err = errors.Wrap(errors.Mark(err, internalerrors.ErrDiscoveryFailed), "discover resources")
		e.finish(ctx, run.ID, err)
		logger.Error("discovery failed", slog.String("error", err.Error()))
		return err
	}

	branches := buildBranches(arns, e.now())
	e.mu.Lock()
	run.Discovered = append([]string(nil), arns...)
	run.Branches = make([]types.BranchResult, len(branches))
	for i, b := range branches {
		run.Branches[i] = cloneBranch(*b)
	}
	e.mu.Unlock()

	e.persistRun(ctx, run.ID)
	e.addEvent(run.ID, "discovery_completed", "Discovered resources", mustJSON(map[string]any{
		"discovered": len(arns),
		"branches":   len(branches),
	}))
	logger.Info("resources discovered", slog.Int("discovered", len(arns)), slog.Int("branches", len(branches)))

	p := pool.New().WithMaxGoroutines(e.maxConcurrency)
	for i, b := range branches {
		if b.State.IsTerminal() {
			// malformed address, nothing to drive
			e.metrics.BranchCompleted(string(b.Resource.Kind), string(req.Mode), string(b.Outcome), 0)
			e.addEvent(run.ID, "branch_failed", b.Error, mustJSON(map[string]string{"address": b.Address}))
			continue
		}
		p.Go(func() {
			e.runBranch(ctx, run.ID, req.Mode, b, func(res types.BranchResult) {
				e.publishBranch(run.ID, i, res)
			})
			e.persistRun(ctx, run.ID)
		})
	}
	p.Wait()

	e.finish(ctx, run.ID, nil)
	return nil
}

// buildBranches creates one branch per distinct resource. Unparseable
// addresses become failed branches so siblings still run.
func buildBranches(arns []string, now time.Time) []*types.BranchResult {
	seen := make(map[string]bool)
	var out []*types.BranchResult

	for _, a := range arns {
		res := &types.BranchResult{
			Address:   a,
			State:     types.BranchProbing,
			StartedAt: now,
		}

		addr, err := types.ParseResourceAddress(a)
		if err != nil {
			res.State = types.BranchFailed
			res.Outcome = types.OutcomeFailed
			res.Error = err.Error()
			res.CompletedAt = &now
			out = append(out, res)
			continue
		}

		res.Resource = addr.Target()
		if seen[res.Resource.Key()] {
			continue
		}
		seen[res.Resource.Key()] = true
		out = append(out, res)
	}
	return out
}

func (e *Engine) publishBranch(runID string, i int, res types.BranchResult) {
	e.mu.Lock()
	if run, ok := e.runs[runID]; ok && i < len(run.Branches) {
		prev := run.Branches[i].State
		run.Branches[i] = cloneBranch(res)
		e.mu.Unlock()
		if prev != res.State {
			e.addEvent(runID, "branch_transition", string(prev)+" -> "+string(res.State), mustJSON(map[string]string{
				"resource": res.Resource.Key(),
				"from":     string(prev),
				"to":       string(res.State),
				"status":   res.FinalStatus,
			}))
		}
		return
	}
	e.mu.Unlock()
}

func (e *Engine) finish(ctx context.Context, runID string, runErr error) {
	e.mu.Lock()
	run, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return
	}

	now := e.now()
	run.CompletedAt = &now
	switch {
	case runErr != nil:
		run.State = types.RunFailed
		run.Error = runErr.Error()
	case ctx.Err() != nil:
		run.State = types.RunFailed
		run.Error = "run interrupted: " + ctx.Err().Error()
	default:
		run.State = types.RunSucceeded
		for _, b := range run.Branches {
			if b.State == types.BranchFailed {
				run.State = types.RunPartial
				break
			}
		}
	}
	state, mode, counts := run.State, run.Request.Mode, run.Counts()
	seconds := now.Sub(run.StartedAt).Seconds()
	e.mu.Unlock()

	e.metrics.RunCompleted(string(mode), string(state), seconds)
	e.persistRun(ctx, runID)
	e.addEvent(runID, "run_completed", "Run "+string(state), mustJSON(counts))

	e.logger.Info("run completed",
		slog.String("run_id", runID),
		slog.String("state", string(state)),
		slog.Any("outcomes", counts))
}

// GetRun returns a snapshot of a run by ID.
func (e *Engine) GetRun(id string) (*types.RunRecord, error) {
	if run := e.snapshot(id); run != nil {
		return run, nil
	}
	return nil, errors.Wrap(internalerrors.ErrRunNotFound, id)
}

// ListRuns returns snapshots of all runs, newest first.
func (e *Engine) ListRuns() []*types.RunRecord {
	e.mu.RLock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	runs := make([]*types.RunRecord, 0, len(ids))
	for _, id := range ids {
		if r := e.snapshot(id); r != nil {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}

// GetEvents returns the events of a run in the order they were recorded.
func (e *Engine) GetEvents(runID string) ([]types.Event, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.runs[runID]; !ok {
		return nil, errors.Wrap(internalerrors.ErrRunNotFound, runID)
	}
	return append([]types.Event(nil), e.events[runID]...), nil
}

// Locks returns the in-process resource locks.
func (e *Engine) Locks() *ResourceLocks {
	return e.locks
}

func (e *Engine) snapshot(id string) *types.RunRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.runs[id]
	if !ok {
		return nil
	}
	cp := *run
	cp.Request = types.NewScheduleRequest(run.Request.Mode, run.Request.TagKey, run.Request.TagValues...)
	cp.Discovered = append([]string(nil), run.Discovered...)
	cp.Branches = make([]types.BranchResult, len(run.Branches))
	for i, b := range run.Branches {
		cp.Branches[i] = cloneBranch(b)
	}
	return &cp
}

func cloneBranch(b types.BranchResult) types.BranchResult {
	b.History = append([]types.Transition(nil), b.History...)
	return b
}

// addEvent records an event for the run and persists it.
func (e *Engine) addEvent(runID, eventType, message string, data json.RawMessage) {
	event := types.Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: e.now(),
	}

	e.mu.Lock()
	e.events[runID] = append(e.events[runID], event)
	e.mu.Unlock()

	if err := e.store.AppendEvent(context.Background(), event); err != nil {
		e.logger.Error("failed to persist event",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// persistRun saves a snapshot of the run to storage.
func (e *Engine) persistRun(ctx context.Context, runID string) {
	run := e.snapshot(runID)
	if run == nil {
		return
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("failed to persist run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
