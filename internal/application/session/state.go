package session

import (
	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
)

// Status is the tag of a session State.
type Status int

const (
	StatusUnauthenticated Status = iota
	StatusLoading
	StatusProvisional
	StatusReady
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusLoading:
		return "loading"
	case StatusProvisional:
		return "provisional"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// State is one observation of the session.
// Identity is set for every status except Unauthenticated; Record only for Ready.
type State struct {
	Status   Status
	Identity profile.Identity
	Record   profile.Record
}

// Unauthenticated is the signed-out state.
func Unauthenticated() State {
	return State{Status: StatusUnauthenticated}
}

// Loading is the state between binding an identity and the first snapshot.
func Loading(id profile.Identity) State {
	return State{Status: StatusLoading, Identity: id}
}

// Provisional means the identity is valid but its record does not exist yet.
func Provisional(id profile.Identity) State {
	return State{Status: StatusProvisional, Identity: id}
}

// Ready carries the reconciled record of id.
func Ready(id profile.Identity, rec profile.Record) State {
	return State{Status: StatusReady, Identity: id, Record: rec.Clone()}
}

// IsReady reports whether a record is available.
func (s State) IsReady() bool {
	return s.Status == StatusReady
}

// IsAuthenticated reports whether an identity is bound.
func (s State) IsAuthenticated() bool {
	return s.Status != StatusUnauthenticated
}

// Profile returns the identity and record of a Ready state.
func (s State) Profile() (profile.Identity, profile.Record, error) {
	switch s.Status {
	case StatusReady:
		return s.Identity, s.Record.Clone(), nil
	case StatusUnauthenticated:
		return "", profile.Record{}, shared.ErrUnauthenticated
	default:
		return s.Identity, profile.Record{}, shared.ErrProfileNotReady
	}
}

func (s State) clone() State {
	s.Record = s.Record.Clone()
	return s
}
