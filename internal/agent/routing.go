// Package agent routes a conversation to the reasoning agent variant that
// owns its current state and shapes the context sent to it.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/leaddesk/internal/models"
)

// Variant names an agent persona.
type Variant string

const (
	Qualifier  Variant = "qualifier"
	Vetter     Variant = "vetter"
	Negotiator Variant = "negotiator"
	// Hold marks states no agent may act on.
	Hold Variant = "hold"
)

var (
	// ErrNoAgentForState is returned when a state has no routing entry.
	ErrNoAgentForState = errors.New("no agent for state")
	// ErrHeld is returned when the state is mapped to Hold.
	ErrHeld = errors.New("conversation is held")
)

// DefaultTable maps every state to the variant that handles it.
func DefaultTable() map[models.State]Variant {
	return map[models.State]Variant{
		models.StateNew:           Qualifier,
		models.StateInterested:    Qualifier,
		models.StateQualified:     Qualifier,
		models.StateDocsRequested: Vetter,
		models.StateFCSRunning:    Vetter,
		models.StateOfferReceived: Negotiator,
		models.StateNegotiating:   Negotiator,
		models.StateSubmitted:     Hold,
		models.StateFunded:        Hold,
		models.StateHumanReview:   Hold,
		models.StateStale:         Hold,
		models.StateDead:          Hold,
		models.StateArchived:      Hold,
	}
}

// ValidateTable checks that every state has a known variant.
func ValidateTable(table map[models.State]Variant) error {
	var missing []string
	for _, s := range models.AllStates {
		v, ok := table[s]
		if !ok {
			missing = append(missing, string(s))
			continue
		}
		switch v {
		case Qualifier, Vetter, Negotiator, Hold:
		default:
			return fmt.Errorf("agent: state %s maps to unknown variant %q", s, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent: %w: %s", ErrNoAgentForState, strings.Join(missing, ", "))
	}
	return nil
}

// lookup returns the variant for state.
func lookup(table map[models.State]Variant, state models.State) (Variant, error) {
	v, ok := table[state]
	if !ok {
		return "", fmt.Errorf("agent: %w: %q", ErrNoAgentForState, state)
	}
	if v == Hold {
		return Hold, fmt.Errorf("agent: %w: %s", ErrHeld, state)
	}
	return v, nil
}
