package mock

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultType identifies the type of fault to inject.
type FaultType string

const (
	// FaultTypeAPIError fails matching calls with ErrorCode.
	FaultTypeAPIError FaultType = "api_error"
	// FaultTypeThrottle fails matching calls with a throttling error.
	FaultTypeThrottle FaultType = "throttle"
	// FaultTypeDelay adds DelayMs before a matching call is answered.
	FaultTypeDelay FaultType = "delay"
	// FaultTypeStuck keeps a resource in its current status.
	FaultTypeStuck FaultType = "stuck"
	// FaultTypePartialFail lets FailAfterN calls through, then fails.
	FaultTypePartialFail FaultType = "partial_fail"
)

// Fault is one injection rule. Empty Action or Target match everything.
type Fault struct {
	ID          string    `json:"id"`
	Type        FaultType `json:"type"`
	Action      string    `json:"action"`      // e.g. "StartDBInstance", "GetResources", "Publish"
	Target      string    `json:"target"`      // DB instance or cluster identifier
	Probability float64   `json:"probability"` // 0 or 1 always fires
	ErrorCode   string    `json:"error_code"`
	ErrorMsg    string    `json:"error_message"`
	DelayMs     int       `json:"delay_ms"`
	FailAfterN  int       `json:"fail_after_n"`
	Enabled     bool      `json:"enabled"`

	calls int
}

func (f *Fault) matches(action, target string) bool {
	if !f.Enabled {
		return false
	}
	if f.Action != "" && f.Action != action {
		return false
	}
	if f.Target != "" && f.Target != target {
		return false
	}
	return f.Probability <= 0 || f.Probability >= 1 || rand.Float64() < f.Probability
}

func (f *Fault) apiError(action string) *APIError {
	code := f.ErrorCode
	if code == "" {
		code = "InternalFailure"
	}
	msg := f.ErrorMsg
	if msg == "" {
		msg = fmt.Sprintf("injected %s fault for %s", f.Type, action)
	}
	status := http.StatusInternalServerError
	if code != "InternalFailure" {
		status = http.StatusBadRequest
	}
	return &APIError{Code: code, Message: msg, Status: status}
}

// FaultInjector holds the active injection rules.
type FaultInjector struct {
	mu     sync.Mutex
	faults map[string]*Fault
}

// NewFaultInjector creates an empty fault injector.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{faults: make(map[string]*Fault)}
}

// AddFault registers f and returns its ID.
func (fi *FaultInjector) AddFault(f Fault) string {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.New().String()[:8]
	}
	f.calls = 0
	fi.faults[f.ID] = &f
	return f.ID
}

// RemoveFault removes a fault by ID.
func (fi *FaultInjector) RemoveFault(id string) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if _, ok := fi.faults[id]; !ok {
		return false
	}
	delete(fi.faults, id)
	return true
}

// EnableFault toggles a fault.
func (fi *FaultInjector) EnableFault(id string, enabled bool) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	f, ok := fi.faults[id]
	if ok {
		f.Enabled = enabled
	}
	return ok
}

// ListFaults returns all faults ordered by ID.
func (fi *FaultInjector) ListFaults() []Fault {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	out := make([]Fault, 0, len(fi.faults))
	for _, f := range fi.faults {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearAll removes all faults.
func (fi *FaultInjector) ClearAll() {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.faults = make(map[string]*Fault)
}

// Check evaluates the rules for one API call. It returns the extra delay
// to apply and, if the call must fail, the error to answer with.
func (fi *FaultInjector) Check(action, target string) (time.Duration, *APIError) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	var delay time.Duration
	var failure *APIError
	for _, f := range fi.faults {
		if f.Type == FaultTypeStuck || !f.matches(action, target) {
			continue
		}

		switch f.Type {
		case FaultTypeAPIError:
			failure = f.apiError(action)
		case FaultTypeThrottle:
			failure = &APIError{Code: "Throttling", Message: "Rate exceeded", Status: http.StatusBadRequest}
		case FaultTypeDelay:
			delay += time.Duration(f.DelayMs) * time.Millisecond
		case FaultTypePartialFail:
			f.calls++
			if f.calls > f.FailAfterN {
				failure = f.apiError(action)
			}
		}
	}
	return delay, failure
}

// CheckStateTransition reports whether a stuck fault holds resourceID in place.
func (fi *FaultInjector) CheckStateTransition(resourceID string) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	for _, f := range fi.faults {
		if f.Type == FaultTypeStuck && f.matches("", resourceID) {
			return true
		}
	}
	return false
}
