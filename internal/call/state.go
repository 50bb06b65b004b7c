// Package call runs voice call signaling over the push transport. It owns the
// signaling states only; audio is delegated to a Media collaborator.
package call

import (
	"fmt"
	"slices"
)

// Status is a call signaling state.
type Status string

const (
	Idle            Status = "idle"
	RingingOutgoing Status = "ringing-outgoing"
	RingingIncoming Status = "ringing-incoming"
	Connected       Status = "connected"
	Failed          Status = "error"
)

var validTransitions = map[Status][]Status{
	Idle:            {RingingOutgoing, RingingIncoming, Failed},
	RingingOutgoing: {Connected, Idle, Failed},
	RingingIncoming: {Connected, Idle, Failed},
	Connected:       {Idle, Failed},
	Failed:          {Idle},
}

func checkTransition(from, to Status) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid call transition from %s to %s", from, to)
	}
	return nil
}

// State is the single call of a session.
type State struct {
	Status     Status `json:"status"`
	CallerID   string `json:"callerId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Error      string `json:"error,omitempty"`
	AudioMuted bool   `json:"audioMuted"`
}

// Peer returns the other participant from selfID's point of view.
func (s State) Peer(selfID string) string {
	if s.CallerID == selfID {
		return s.ReceiverID
	}
	return s.CallerID
}

// Reasons carried by reject signals and surfaced in State.Error.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"

	errNoAnswer = "no answer"
	errMissed   = "missed call"
	errRejected = "call rejected"
	errBusy     = "user is busy"
)
