package session

import "github.com/MrWong99/siren/pkg/provider/live"

// Status is the externally visible state of a [Session].
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions can follow s once a
// session has started.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusError
}

// connState is the connection state. Each variant carries only the data that
// is valid in that state.
type connState interface {
	status() Status
}

// stateIdle is a session that was never started.
type stateIdle struct{}

// stateConnecting is a session that is acquiring devices or waiting for the
// remote open event. conn is nil until Provider.Connect returns; opened
// records an open event that arrived before that.
type stateConnecting struct {
	conn   live.Conn
	opened bool
}

// stateOpen is a session streaming in both directions.
type stateOpen struct {
	conn live.Conn
}

// stateClosed is a session ended by Stop or by the remote peer.
type stateClosed struct {
	reason string
}

// stateErrored is a session ended by a fatal error.
type stateErrored struct {
	err error
}

// stateReleasing is held while a failing session frees its devices, before
// it is marked errored. Status keeps reporting the previous status.
type stateReleasing struct {
	prev Status
	done chan struct{}
}

func (r stateReleasing) status() Status { return r.prev }
func (stateIdle) status() Status        { return StatusDisconnected }
func (stateConnecting) status() Status  { return StatusConnecting }
func (stateOpen) status() Status        { return StatusConnected }
func (stateClosed) status() Status      { return StatusDisconnected }
func (stateErrored) status() Status     { return StatusError }

// active reports whether st holds resources.
func active(st connState) bool {
	switch st.(type) {
	case stateConnecting, stateOpen:
		return true
	}
	return false
}
