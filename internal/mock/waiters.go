package mock

import (
	"time"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
)

// transitionalStatuses settle to "available" once the wait duration passes.
var transitionalStatuses = map[rds.Status]bool{
	rds.StatusStarting:                      true,
	rds.StatusConfiguringEnhancedMonitoring: true,
	rds.StatusBackingUp:                     true,
	rds.StatusModifying:                     true,
	rds.StatusRebooting:                     true,
	rds.StatusMaintenance:                   true,
	rds.StatusUpgrading:                     true,
	rds.StatusCreating:                      true,
}

// IsTransitionalStatus reports whether status eventually becomes "available".
func IsTransitionalStatus(status string) bool {
	return transitionalStatuses[rds.Status(status)]
}

// runStateTransitions runs in the background and transitions resources through their states.
func (s *State) runStateTransitions() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processTransitions(time.Now())
		}
	}
}

// processTransitions advances every resource whose wait has elapsed.
func (s *State) processTransitions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waitDuration := s.getWaitDurationLocked()

	for _, m := range []map[string]*MockResource{s.instances, s.clusters} {
		for id, r := range m {
			if s.faults.CheckStateTransition(id) {
				continue
			}
			advanceLocked(r, now, waitDuration)
		}
	}
}

func advanceLocked(r *MockResource, now time.Time, wait time.Duration) {
	if r.PendingStatusChange != "" {
		if now.Before(r.PendingStatusChangeAt) {
			return
		}
		r.Status = r.PendingStatusChange
		r.StatusChangedAt = now
		r.PendingStatusChange = ""
		r.PendingStatusChangeAt = time.Time{}
		return
	}

	if now.Sub(r.StatusChangedAt) < wait {
		return
	}

	switch status := rds.Status(r.Status); {
	case status == rds.StatusStopping:
		r.Status = string(rds.StatusStopped)
		r.StatusChangedAt = now
	case status == rds.StatusStarting && r.TransitionalStatus != "":
		r.Status = r.TransitionalStatus
		r.TransitionalStatus = ""
		r.StatusChangedAt = now
	case transitionalStatuses[status]:
		r.Status = string(rds.StatusAvailable)
		r.StatusChangedAt = now
	}
}
