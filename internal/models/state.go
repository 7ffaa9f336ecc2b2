package models

import (
	"fmt"
	"strings"
)

// State is the lifecycle stage of a lead conversation.
type State string

const (
	StateNew           State = "NEW"
	StateInterested    State = "INTERESTED"
	StateQualified     State = "QUALIFIED"
	StateDocsRequested State = "DOCS_REQUESTED"
	StateFCSRunning    State = "FCS_RUNNING"
	StateOfferReceived State = "OFFER_RECEIVED"
	StateNegotiating   State = "NEGOTIATING"
	StateSubmitted     State = "SUBMITTED"
	StateFunded        State = "FUNDED"
	StateHumanReview   State = "HUMAN_REVIEW"
	StateStale         State = "STALE"
	StateDead          State = "DEAD"
	StateArchived      State = "ARCHIVED"
)

// AllStates lists every state in funnel order.
var AllStates = []State{
	StateNew,
	StateInterested,
	StateQualified,
	StateDocsRequested,
	StateFCSRunning,
	StateOfferReceived,
	StateNegotiating,
	StateSubmitted,
	StateFunded,
	StateHumanReview,
	StateStale,
	StateDead,
	StateArchived,
}

// ParseState normalizes s and returns the matching State.
func ParseState(s string) (State, error) {
	candidate := State(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStates {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("models: unknown state %q", s)
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// Closed reports whether a conversation in this state is out of the
// follow-up funnel.
func (s State) Closed() bool {
	switch s {
	case StateDead, StateArchived, StateFunded, StateStale:
		return true
	}
	return false
}
