package api

import "time"

// Status is the normalized power state of the database VM.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusSuspended  Status = "suspended"
	StatusStarting   Status = "starting"
	StatusSuspending Status = "suspending"
	StatusUnknown    Status = "unknown"
)

// Known reports whether s is one of the normalized status values.
func (s Status) Known() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusSuspended, StatusStarting, StatusSuspending, StatusUnknown:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// VMConfig identifies the database VM instance.
type VMConfig struct {
	Project               string `json:"project"`
	Zone                  string `json:"zone"`
	Name                  string `json:"name"`
	EstimatedStartSeconds int    `json:"estimatedStartSeconds,omitempty"`
}

// StatusSnapshot is a single point-in-time status read of the VM.
// CheckedAt is the authority for staleness computation; RawStatus is the
// provider-reported value kept verbatim for diagnostics and never drives
// any decision.
type StatusSnapshot struct {
	Status    Status    `json:"status"`
	RawStatus string    `json:"rawStatus"`
	CheckedAt time.Time `json:"checkedAt"`
	Config    VMConfig  `json:"config"`
}

// Age returns how old the snapshot is relative to now.
func (s *StatusSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CheckedAt)
}

// Operation is the provider operation resource returned by start/stop calls.
type Operation struct {
	Name          string `json:"name,omitempty"`
	Status        string `json:"status,omitempty"`
	OperationType string `json:"operationType,omitempty"`
	TargetLink    string `json:"targetLink,omitempty"`
}

// StartResponse is returned by POST /infra/db-vm/start. Action records
// whether the provider received a start, a resume, or nothing because the
// instance was already running.
type StartResponse struct {
	RequestedAt    time.Time  `json:"requestedAt"`
	PreviousStatus Status     `json:"previousStatus"`
	Operation      *Operation `json:"operation"`
	Action         string     `json:"action"`
	Config         VMConfig   `json:"config"`
}

// StopResponse is returned by POST /infra/db-vm/stop. Action records
// whether the provider received a suspend or a hard stop.
type StopResponse struct {
	RequestedAt    time.Time  `json:"requestedAt"`
	PreviousStatus Status     `json:"previousStatus"`
	Operation      *Operation `json:"operation"`
	Action         string     `json:"action"`
	Config         VMConfig   `json:"config"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
