package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageJobStart       Stage = "JOB_START"
	StageJobProgress    Stage = "JOB_PROGRESS"
	StageJobDone        Stage = "JOB_DONE"
	StageJobCancelled   Stage = "JOB_CANCELLED"
	StageJobError       Stage = "JOB_ERROR"
	StageDeliverySent   Stage = "DELIVERY_SENT"
	StageDeliveryQueued Stage = "DELIVERY_QUEUED"
)

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobCancelled || s == StageJobError
}

// Event is one job milestone.
type Event struct {
	JobID     string
	AccountID string
	// TS is the UTC timestamp recorded by the emitter.
	TS     time.Time
	Stage  Stage
	Source string
	// Processed and Total are the job's real counters at emit time.
	Processed int
	Total     int
	// Results is the final result count on terminal stages.
	Results int
	// Dur is the job wall time on terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobCancelled, StageJobError:
	case StageJobProgress:
		if e.Processed < 0 || e.Total < 0 {
			return errors.New("progress counters must be >= 0")
		}
	case StageDeliverySent, StageDeliveryQueued:
		if e.AccountID == "" {
			return errors.New("delivery events require account id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
