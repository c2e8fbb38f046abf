package domain

import "errors"

var (
	// ErrPolicyViolation: the command was blocked or is not allowlisted. It never reached the session.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrNotReady: the session has not finished bootstrapping (or failed to).
	ErrNotReady = errors.New("PowerShell session not initialized")
	// ErrSessionError: the command reached the shell and raised an exception there.
	ErrSessionError = errors.New("session error")
	// ErrChannelTimeout: no end marker was observed within the per-call bound.
	ErrChannelTimeout = errors.New("command timed out")
	// ErrBootstrap: a startup step failed; terminal for the session's lifetime.
	ErrBootstrap = errors.New("session bootstrap failed")
	// ErrSessionExited: the shell process is gone.
	ErrSessionExited = errors.New("shell process exited")
	// ErrBusy: another command holds the channel and the caller gave up waiting.
	ErrBusy = errors.New("session busy")
)
