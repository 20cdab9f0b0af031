// Package errors defines error types for the RDS running scheduler.
package errors

import "errors"

var (
	// ErrRunNotFound indicates the requested run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrInstanceNotFound indicates an RDS instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidResourceAddress indicates a discovered ARN could not be parsed.
	ErrInvalidResourceAddress = errors.New("invalid resource address")
	// ErrUnexpectedStatus indicates a probed status matched no rule for the mode.
	ErrUnexpectedStatus = errors.New("db instance or cluster status fail")
	// ErrPollLimitExceeded indicates a resource never converged within the poll budget.
	ErrPollLimitExceeded = errors.New("poll limit exceeded")
	// ErrResourceBusy indicates another branch in this process already owns the resource.
	ErrResourceBusy = errors.New("resource busy")
	// ErrEventExpired indicates a trigger event is older than the maximum event age.
	ErrEventExpired = errors.New("event expired")
	// ErrDiscoveryFailed indicates the tag-based resource lookup failed.
	ErrDiscoveryFailed = errors.New("discovery failed")
)

// IsNotFound returns true if the error is any kind of "not found" error.
// A missing cluster is not an error; it is reported as absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrInstanceNotFound)
}
