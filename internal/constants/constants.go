// Package constants provides shared constant values used throughout the application.
package constants

import "time"

// Control loop defaults
const (
	// DefaultPollInterval is the pause between convergence probes (1 minute).
	DefaultPollInterval = 1 * time.Minute

	// DefaultPollIntervalSeconds is the default poll interval in seconds.
	DefaultPollIntervalSeconds = 60

	// DefaultMaxConcurrency is the number of resource branches allowed in flight.
	DefaultMaxConcurrency = 10

	// DefaultMaxPolls bounds the Waiting -> Probing cycles of a single branch (2 hours at 1 minute).
	DefaultMaxPolls = 120
)

// Trigger retry policy
const (
	// MaximumEventAge is how long a timer event stays valid before it is dropped.
	MaximumEventAge = 60 * time.Second

	// MaximumRetryAttempts is the number of times the timer re-delivers a failed invocation.
	MaximumRetryAttempts = 0
)

// Default schedules (EventBridge Scheduler cron fields)
const (
	DefaultStopMinute  = "10"
	DefaultStopHour    = "21"
	DefaultStartMinute = "50"
	DefaultStartHour   = "7"
	DefaultWeekdays    = "MON-FRI"
	DefaultTimezone    = "UTC"
)

// Default region
const (
	// DefaultAWSRegion is the default AWS region when not specified.
	DefaultAWSRegion = "us-east-1"
)

// HTTP server defaults
const (
	// DefaultHTTPPort is the default HTTP server port.
	DefaultHTTPPort = "8080"

	// DefaultReadTimeout is the default HTTP read timeout.
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout.
	DefaultShutdownTimeout = 30 * time.Second

	// DemoShutdownTimeout is the shutdown timeout for demo mode.
	DemoShutdownTimeout = 5 * time.Second
)

// Resource discovery filters for the tagging API
const (
	// ResourceTypeDBInstance selects RDS DB instances.
	ResourceTypeDBInstance = "rds:db"

	// ResourceTypeDBCluster selects RDS DB clusters.
	ResourceTypeDBCluster = "rds:cluster"
)

// File permissions
const (
	// DefaultDirMode is the default permission mode for directories.
	DefaultDirMode = 0755

	// DefaultFileMode is the default permission mode for files.
	DefaultFileMode = 0644
)

// Demo mode constants
const (
	// DemoAccountID is the account used for ARNs served by the mock server.
	DemoAccountID = "123456789012"

	// DemoFastModePollInterval is the polling interval in fast mode.
	DemoFastModePollInterval = 50 * time.Millisecond
)
