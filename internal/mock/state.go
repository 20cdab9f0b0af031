// Package mock provides a stateful mock of the RDS, Resource Groups Tagging
// and SNS APIs for local demo and testing.
package mock

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
)

// TimingConfig controls simulated wait times.
type TimingConfig struct {
	BaseWaitMs    int  `json:"base_wait_ms"`    // Base wait time in milliseconds
	RandomRangeMs int  `json:"random_range_ms"` // Random additional time (0 to this value)
	FastMode      bool `json:"fast_mode"`       // Near-instant transitions
	// StatusLagMs delays the status change after a start or stop call is
	// accepted, so describe calls keep returning the old status for a while.
	StatusLagMs int `json:"status_lag_ms"`
}

// DefaultTimingConfig returns fast demo defaults.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		BaseWaitMs:    500,
		RandomRangeMs: 200,
	}
}

// ResourceKind values match the ARN resource type segment.
const (
	KindInstance = "db"
	KindCluster  = "cluster"
)

// MockResource is a simulated DB instance or DB cluster.
type MockResource struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	Region          string            `json:"region"`
	ARN             string            `json:"arn"`
	Status          string            `json:"status"`
	Tags            map[string]string `json:"tags"`
	StatusChangedAt time.Time         `json:"status_changed_at"`

	// TransitionalStatus is passed through after "starting" before the
	// resource becomes available (e.g. "configuring-enhanced-monitoring").
	TransitionalStatus string `json:"transitional_status,omitempty"`

	// PendingStatusChange simulates the provider accepting a command before
	// describe calls reflect it.
	PendingStatusChange   string    `json:"pending_status_change,omitempty"`
	PendingStatusChangeAt time.Time `json:"pending_status_change_at,omitempty"`
}

func (r *MockResource) clone() *MockResource {
	c := *r
	c.Tags = make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		c.Tags[k] = v
	}
	return &c
}

// Publication is a message received by the mock SNS Publish action.
type Publication struct {
	MessageID        string    `json:"message_id"`
	TopicARN         string    `json:"topic_arn"`
	Subject          string    `json:"subject"`
	Message          string    `json:"message"`
	MessageStructure string    `json:"message_structure,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

// State holds the in-memory state for the mock server.
type State struct {
	mu        sync.RWMutex
	instances map[string]*MockResource
	clusters  map[string]*MockResource
	published []Publication

	// Timing configuration
	timing TimingConfig

	// Fault injection
	faults *FaultInjector

	// For state transitions
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewState creates a new mock state with the given timing configuration.
func NewState(timing TimingConfig) *State {
	return &State{
		instances: make(map[string]*MockResource),
		clusters:  make(map[string]*MockResource),
		timing:    timing,
		faults:    NewFaultInjector(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background state transition goroutine.
func (s *State) Start() {
	go s.runStateTransitions()
}

// Stop halts the background state transition goroutine.
func (s *State) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// GetTiming returns the current timing configuration.
func (s *State) GetTiming() TimingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timing
}

// SetTiming updates the timing configuration.
func (s *State) SetTiming(timing TimingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timing = timing
}

// Faults returns the fault injector.
func (s *State) Faults() *FaultInjector {
	return s.faults
}

// getWaitDurationLocked calculates how long a state transition should take.
// MUST be called with s.mu held.
func (s *State) getWaitDurationLocked() time.Duration {
	if s.timing.FastMode {
		return 50 * time.Millisecond
	}
	base := s.timing.BaseWaitMs
	randomVal := 0
	if s.timing.RandomRangeMs > 0 {
		randomVal = rand.Intn(s.timing.RandomRangeMs + 1)
	}
	return time.Duration(base+randomVal) * time.Millisecond
}

// resourceARN builds the ARN of a mock resource in the demo account.
func resourceARN(region, kind, id string) string {
	return arn.ARN{
		Partition: "aws",
		Service:   "rds",
		Region:    region,
		AccountID: constants.DemoAccountID,
		Resource:  kind + ":" + id,
	}.String()
}

// AddInstance registers a DB instance with the given status and tags.
func (s *State) AddInstance(id, status string, tags map[string]string) *MockResource {
	return s.add(KindInstance, id, status, tags)
}

// AddCluster registers a DB cluster with the given status and tags.
func (s *State) AddCluster(id, status string, tags map[string]string) *MockResource {
	return s.add(KindCluster, id, status, tags)
}

func (s *State) add(kind, id, status string, tags map[string]string) *MockResource {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &MockResource{
		ID:              id,
		Kind:            kind,
		Region:          constants.DefaultAWSRegion,
		ARN:             resourceARN(constants.DefaultAWSRegion, kind, id),
		Status:          status,
		Tags:            make(map[string]string, len(tags)),
		StatusChangedAt: time.Now(),
	}
	for k, v := range tags {
		r.Tags[k] = v
	}
	s.resourcesLocked(kind)[id] = r
	return r.clone()
}

func (s *State) resourcesLocked(kind string) map[string]*MockResource {
	if kind == KindCluster {
		return s.clusters
	}
	return s.instances
}

// RemoveCluster deletes a cluster so describe calls report it as not found.
func (s *State) RemoveCluster(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[id]; !ok {
		return false
	}
	delete(s.clusters, id)
	return true
}

// SetStatus forces the status of a resource.
func (s *State) SetStatus(kind, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resourcesLocked(kind)[id]
	if !ok {
		return notFound(kind, id)
	}
	r.Status = status
	r.StatusChangedAt = time.Now()
	r.PendingStatusChange = ""
	return nil
}

// SetTransitionalStatus sets the status passed through after "starting".
func (s *State) SetTransitionalStatus(kind, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resourcesLocked(kind)[id]
	if !ok {
		return notFound(kind, id)
	}
	r.TransitionalStatus = status
	return nil
}

// SeedDemoResources populates the state with the demo fleet.
func (s *State) SeedDemoResources() {
	on := map[string]string{"WorkHoursRunning": "YES", "env": "dev"}
	off := map[string]string{"WorkHoursRunning": "NO", "env": "prod"}

	s.AddInstance("db-instance-1a", "stopped", on)
	s.AddInstance("db-instance-1b", "available", on)
	s.AddInstance("db-instance-2a", "available", off)
	s.AddCluster("db-cluster-1a", "available", on)
	s.AddCluster("db-cluster-1b", "stopped", on)

	// exercises the post-start monitoring status
	_ = s.SetTransitionalStatus(KindInstance, "db-instance-1a", "configuring-enhanced-monitoring")
}

// Reset clears all state and re-seeds the demo fleet.
func (s *State) Reset() {
	s.faults.ClearAll()

	s.mu.Lock()
	s.instances = make(map[string]*MockResource)
	s.clusters = make(map[string]*MockResource)
	s.published = nil
	s.mu.Unlock()

	s.SeedDemoResources()
}

// GetInstance returns a copy of an instance by ID.
func (s *State) GetInstance(id string) (*MockResource, bool) {
	return s.get(KindInstance, id)
}

// GetCluster returns a copy of a cluster by ID.
func (s *State) GetCluster(id string) (*MockResource, bool) {
	return s.get(KindCluster, id)
}

func (s *State) get(kind, id string) (*MockResource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resourcesLocked(kind)[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// ListInstances returns copies of all instances ordered by ID.
func (s *State) ListInstances() []*MockResource {
	return s.list(KindInstance)
}

// ListClusters returns copies of all clusters ordered by ID.
func (s *State) ListClusters() []*MockResource {
	return s.list(KindCluster)
}

func (s *State) list(kind string) []*MockResource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.resourcesLocked(kind)
	out := make([]*MockResource, 0, len(m))
	for _, r := range m {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindTagged returns the resources of the given kinds whose tag key holds
// one of values, ordered by ARN. An empty kinds list matches both kinds.
func (s *State) FindTagged(kinds []string, key string, values []string) []*MockResource {
	want := make(map[string]bool)
	for _, k := range kinds {
		want[k] = true
	}
	match := func(r *MockResource) bool {
		if len(want) > 0 && !want[r.Kind] {
			return false
		}
		v, ok := r.Tags[key]
		if !ok {
			return false
		}
		if len(values) == 0 {
			return true
		}
		for _, w := range values {
			if v == w {
				return true
			}
		}
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MockResource
	for _, m := range []map[string]*MockResource{s.instances, s.clusters} {
		for _, r := range m {
			if match(r) {
				out = append(out, r.clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ARN < out[j].ARN })
	return out
}

// StartResource moves a stopped resource towards available.
func (s *State) StartResource(kind, id string) (*MockResource, error) {
	return s.command(kind, id, string(rds.StatusStopped), string(rds.StatusStarting))
}

// StopResource moves an available resource towards stopped.
func (s *State) StopResource(kind, id string) (*MockResource, error) {
	return s.command(kind, id, string(rds.StatusAvailable), string(rds.StatusStopping))
}

func (s *State) command(kind, id, required, next string) (*MockResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resourcesLocked(kind)[id]
	if !ok {
		return nil, notFound(kind, id)
	}
	if r.Status != required || r.PendingStatusChange != "" {
		return nil, invalidState(kind, id, r.Status)
	}

	now := time.Now()
	if s.timing.StatusLagMs > 0 {
		r.PendingStatusChange = next
		r.PendingStatusChangeAt = now.Add(time.Duration(s.timing.StatusLagMs) * time.Millisecond)
	} else {
		r.Status = next
		r.StatusChangedAt = now
	}
	return r.clone(), nil
}

// RecordPublication stores a message received by the SNS Publish action.
func (s *State) RecordPublication(p Publication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, p)
}

// Publications returns the messages received so far.
func (s *State) Publications() []Publication {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Publication(nil), s.published...)
}
