package domain

import "strings"

// Status is the lifecycle status stored on a run record.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusFailed      Status = "FAILED"
	StatusKilled      Status = "KILLED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCompleted   Status = "COMPLETED"
)

// NormalizeStatus maps free-form values to canonical statuses.
func NormalizeStatus(value string) Status {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case StatusQueued, StatusPending, StatusRunning, StatusFailed, StatusKilled, StatusInterrupted, StatusCompleted:
		return s
	default:
		return ""
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusKilled, StatusInterrupted, StatusCompleted:
		return true
	default:
		return false
	}
}

// Run record fields.
const (
	FieldID          = "_id"
	FieldBatchID     = "batch_id"
	FieldStatus      = "status"
	FieldSeml        = "seml"
	FieldSlurm       = "slurm"
	FieldConfig      = "config"
	FieldConfigHash  = "config_hash"
	FieldQueueTime   = "queue_time"
	FieldAddTime     = "add_time"
	FieldHydraConfig = "hydra_config"
	FieldStartTime   = "start_time"
	FieldStopTime    = "stop_time"
	FieldHeartbeat   = "heartbeat"
	FieldResult      = "result"
	FieldFailTrace   = "fail_trace"
	FieldHost        = "host"
	FieldMeta        = "meta"
	FieldCommand     = "seml.command"
)

// Keys of the tracking substructure a queued run carries in its config.
const (
	TrackingRunID      = "seml.overwrite"
	TrackingCollection = "seml.db_collection"
	TrackingCommand    = "seml.command"
)
