package domain

import (
	"context"
	"time"
)

// SessionState is the lifecycle of the long-lived shell session.
type SessionState int32

const (
	SessionUninitialized SessionState = iota
	SessionStarting
	SessionReady
	SessionDegraded
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionStarting:
		return "starting"
	case SessionReady:
		return "ready"
	case SessionDegraded:
		return "degraded"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the command channel the gateway drives. Only the session
// implementation touches the underlying process.
type Session interface {
	State() SessionState
	// ExecRaw runs one command and returns everything the shell printed before
	// the end marker. A zero timeout selects the session default.
	ExecRaw(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// ProcessInfo is a point-in-time view of the session's shell process.
type ProcessInfo struct {
	PID        int
	RSSBytes   uint64
	CPUPercent float64
	Threads    int32
	StartedAt  time.Time
}
