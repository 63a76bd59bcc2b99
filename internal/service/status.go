package service

import "time"

// Connection states of the push channel.
const (
	StateLoading      = "loading"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateFailed       = "failed"
)

// Status is the connectivity and error surface shown next to the map.
type Status struct {
	State           string     `json:"state" enum:"loading,connected,disconnected,failed" doc:"Push channel state"`
	Error           string     `json:"error,omitempty" doc:"Last transport error"`
	Attempt         int        `json:"attempt,omitempty" doc:"Reconnect attempts since the last good connection"`
	NextRetry       *time.Time `json:"nextRetry,omitempty" doc:"When the next reconnect is due"`
	Snapshots       int        `json:"snapshots" doc:"Snapshots applied"`
	Skipped         int        `json:"skipped" doc:"Messages skipped because they did not decode"`
	LastDecodeError string     `json:"lastDecodeError,omitempty" doc:"Why the last skipped message was rejected"`
	LastSnapshot    *time.Time `json:"lastSnapshot,omitempty" doc:"When the last snapshot was applied"`
}

// Stale reports whether the map is showing state that may be out of date.
func (s Status) Stale() bool {
	return s.State == StateDisconnected || s.State == StateFailed
}
