package rds

// Status is a lifecycle label reported by RDS for a DB instance or DB cluster.
// Instances and clusters share the labels the scheduler cares about.
// See: https://docs.aws.amazon.com/AmazonRDS/latest/UserGuide/accessing-monitoring.html
type Status string

const (
	// StatusAvailable indicates the resource is healthy and serving.
	StatusAvailable Status = "available"

	// StatusStopped indicates the resource is stopped.
	StatusStopped Status = "stopped"

	// StatusStarting indicates the resource is starting.
	StatusStarting Status = "starting"

	// StatusStopping indicates the resource is being stopped.
	StatusStopping Status = "stopping"

	// StatusConfiguringEnhancedMonitoring indicates Enhanced Monitoring is being enabled or disabled.
	// Instances pass through it after a start.
	StatusConfiguringEnhancedMonitoring Status = "configuring-enhanced-monitoring"

	// StatusBackingUp indicates the resource is currently being backed up.
	StatusBackingUp Status = "backing-up"

	// StatusModifying indicates the resource is being modified.
	StatusModifying Status = "modifying"

	// StatusRebooting indicates the resource is being rebooted.
	StatusRebooting Status = "rebooting"

	// StatusMaintenance indicates Amazon RDS is applying a maintenance update.
	StatusMaintenance Status = "maintenance"

	// StatusUpgrading indicates the engine version is being upgraded.
	StatusUpgrading Status = "upgrading"

	// StatusCreating indicates the resource is being created.
	StatusCreating Status = "creating"

	// StatusFailed indicates RDS can't recover the resource.
	StatusFailed Status = "failed"

	// StatusStorageFull indicates the instance has reached its storage capacity.
	StatusStorageFull Status = "storage-full"

	// StatusInaccessibleEncryptionCredentials indicates the KMS key can't be accessed.
	StatusInaccessibleEncryptionCredentials Status = "inaccessible-encryption-credentials"
)

// startPending lists statuses a resource passes through on its way to available
// after a start. The scheduler waits on these.
var startPending = map[Status]bool{
	StatusStarting:                      true,
	StatusConfiguringEnhancedMonitoring: true,
	StatusBackingUp:                     true,
	StatusModifying:                     true,
}

// stopPending lists statuses a resource passes through on its way to stopped.
var stopPending = map[Status]bool{
	StatusModifying: true,
	StatusStopping:  true,
}

// errorStatuses contains statuses that indicate a problem with the resource.
var errorStatuses = map[Status]bool{
	StatusFailed:                            true,
	StatusStorageFull:                       true,
	StatusInaccessibleEncryptionCredentials: true,
}

// IsStartPending returns true if the status is an intermediate step of a start.
func (s Status) IsStartPending() bool {
	return startPending[s]
}

// IsStopPending returns true if the status is an intermediate step of a stop.
func (s Status) IsStopPending() bool {
	return stopPending[s]
}

// IsError returns true if the status indicates a problem with the resource.
func (s Status) IsError() bool {
	return errorStatuses[s]
}
