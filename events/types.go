package events

import (
	"time"
)

// EventType names a swarm membership event emitted by this server.
type EventType string

const (
	EventHostStateChanged EventType = "HostStateChanged"
	EventRehost           EventType = "Rehost"
	EventHostCreateFailed EventType = "HostCreateFailed"
)

// SwarmEvent is anything the server reports about its own membership.
type SwarmEvent interface {
	Type() EventType
	Timestamp() time.Time
	PeerID() string
}

// HostStateChanged is emitted on every module host lifecycle transition.
type HostStateChanged struct {
	peerID    string
	state     string
	uids      []string
	timestamp time.Time
}

func NewHostStateChanged(peerID, state string, uids []string) *HostStateChanged {
	return &HostStateChanged{
		peerID:    peerID,
		state:     state,
		uids:      append([]string(nil), uids...),
		timestamp: time.Now(),
	}
}

func (e *HostStateChanged) Type() EventType      { return EventHostStateChanged }
func (e *HostStateChanged) Timestamp() time.Time { return e.timestamp }
func (e *HostStateChanged) PeerID() string       { return e.peerID }
func (e *HostStateChanged) State() string        { return e.state }
func (e *HostStateChanged) UIDs() []string       { return e.uids }

// Rehost is emitted when the supervisor abandons its current block range.
type Rehost struct {
	peerID    string
	from      string
	timestamp time.Time
}

func NewRehost(peerID, from string) *Rehost {
	return &Rehost{peerID: peerID, from: from, timestamp: time.Now()}
}

func (e *Rehost) Type() EventType      { return EventRehost }
func (e *Rehost) Timestamp() time.Time { return e.timestamp }
func (e *Rehost) PeerID() string       { return e.peerID }

// From is the block range being released, formatted as start:end.
func (e *Rehost) From() string { return e.from }

// HostCreateFailed is emitted when loading a block range fails.
type HostCreateFailed struct {
	peerID    string
	err       error
	timestamp time.Time
}

func NewHostCreateFailed(peerID string, err error) *HostCreateFailed {
	return &HostCreateFailed{peerID: peerID, err: err, timestamp: time.Now()}
}

func (e *HostCreateFailed) Type() EventType      { return EventHostCreateFailed }
func (e *HostCreateFailed) Timestamp() time.Time { return e.timestamp }
func (e *HostCreateFailed) PeerID() string       { return e.peerID }
func (e *HostCreateFailed) Err() error           { return e.err }
