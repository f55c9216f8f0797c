package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron = "cron"
	KindAt   = "at"
)

type Schedule struct {
	Kind string `json:"kind"`
	// Expr is a six-field (seconds first) cron expression for KindCron.
	Expr string `json:"expr,omitempty"`
	// AtMs is the unix millisecond deadline for KindAt.
	AtMs int64 `json:"atMs,omitempty"`
}

// Payload tells the job handler what to do.
type Payload struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

// NewCronJob returns an enabled job. One-shot jobs delete themselves after running.
func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: schedule.Kind == KindAt,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}
