package schedule

import (
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled agent task. Spec uses the cron syntax of
// robfig/cron with a seconds field; descriptors like "@every 1h" and
// "@daily" also work.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Spec        string `json:"spec"`
	TaskType    string `json:"taskType"`
	Instruction string `json:"instruction"`
	Enabled     bool   `json:"enabled"`
	// DeleteAfterRun removes the job once it has executed.
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
}

// JobState is the mutable run history of a job.
type JobState struct {
	LastRunAtMs     int64  `json:"lastRunAtMs,omitempty"`
	LastStatus      string `json:"lastStatus,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	LastExecutionID string `json:"lastExecutionId,omitempty"`
	Runs            int    `json:"runs"`
}

func NewJob(name, spec, taskType, instruction string) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Spec:        spec,
		TaskType:    taskType,
		Instruction: instruction,
		Enabled:     true,
	}
}

func (j Job) LastRunAt() time.Time {
	if j.State.LastRunAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.State.LastRunAtMs)
}
