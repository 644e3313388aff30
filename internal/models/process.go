package models

import "time"

// State is the supervisor's view of the bot process.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	// StateStale means a process record exists but its PID is gone or has
	// been reused by another process.
	StateStale State = "stale"
	// StateMalformed means bot.pid exists but does not hold a PID.
	StateMalformed State = "malformed"
)

// Handle identifies one launch of the bot process.
type Handle struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Mode      string    `json:"mode"`
	Telegram  bool      `json:"telegram"`
	LogFile   string    `json:"log_file"`
	StartedAt time.Time `json:"started_at"`
}

// Process represents the supervised bot as reported by status.
type Process struct {
	State  State   `json:"state"`
	Pid    int     `json:"pid"`
	Uptime string  `json:"uptime"`
	Memory string  `json:"memory"`
	CPU    string  `json:"cpu"`
	Handle *Handle `json:"handle,omitempty"`
}

// Run is one entry of the launch history.
type Run struct {
	RunID     string     `json:"run_id"`
	PID       int        `json:"pid"`
	Mode      string     `json:"mode"`
	Telegram  bool       `json:"telegram"`
	LogFile   string     `json:"log_file"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
}
