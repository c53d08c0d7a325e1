package store

import "time"

// Run statuses.
const (
	StatusRunning = "running"
	StatusHandoff = "handoff"
	StatusFailed  = "failed"
)

type Run struct {
	RunID      string
	Host       string
	Handoff    string
	ManageConn bool
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	StepsJSON  []byte
	Error      string
}
