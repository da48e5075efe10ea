package streaming

import (
	"errors"
	"time"
)

// StopReason indicates why a turn was stopped
type StopReason string

const (
	// StopReasonUserCancelled indicates the user requested to stop generation
	StopReasonUserCancelled StopReason = "user_cancelled"

	// StopReasonClientDisconnected indicates the client went away mid-stream
	StopReasonClientDisconnected StopReason = "client_disconnected"

	// StopReasonTimeout indicates the turn exceeded the maximum duration
	StopReasonTimeout StopReason = "timeout"

	// StopReasonError indicates an upstream error forced the turn to stop
	StopReasonError StopReason = "error"

	// StopReasonSystemShutdown indicates the server is shutting down
	StopReasonSystemShutdown StopReason = "system_shutdown"
)

var (
	ErrTurnNotFound         = errors.New("turn not found")
	ErrTurnExists           = errors.New("turn already registered")
	ErrTurnAlreadyStopped   = errors.New("turn already stopped")
	ErrTurnAlreadyCompleted = errors.New("turn already completed")

	// ErrTurnStopped is the cancellation cause of a turn's context after Stop.
	ErrTurnStopped = errors.New("turn stopped")
)

// TurnInfo provides metadata about a registered turn.
// Used for observability and the stop endpoint.
type TurnInfo struct {
	TurnID string `json:"turn_id"`
	UserID string `json:"user_id"`

	// Mode is "chat" or "deep_research"
	Mode string `json:"mode"`

	StartTime   time.Time  `json:"start_time"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Completed  bool       `json:"completed"`
	Stopped    bool       `json:"stopped"`
	StoppedBy  string     `json:"stopped_by,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
}
