package session

import (
	"errors"
	"strconv"
)

// State is a step of the session lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Authenticating
	Ready
	Reconnecting
	Closed
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	Open:           "open",
	Authenticating: "authenticating",
	Ready:          "ready",
	Reconnecting:   "reconnecting",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// connected reports whether a socket is attached in this state.
func (s State) connected() bool {
	return s == Open || s == Authenticating || s == Ready
}

var (
	ErrClosed       = errors.New("session: closed")
	ErrDisconnected = errors.New("session: disconnected")
	ErrTimeout      = errors.New("session: request timed out")
	ErrNotConnected = errors.New("session: not connected")
)

// RejectedError is an application-level refusal from the server.
type RejectedError struct {
	Event   string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return e.Event + " rejected"
	}
	return e.Event + " rejected: " + e.Message
}
