package transition

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Protected states are never overwritten by a dispatcher suggestion.
var Protected = map[models.State]bool{
	models.StateDead:        true,
	models.StateFunded:      true,
	models.StateSubmitted:   true,
	models.StateHumanReview: true,
	models.StateArchived:    true,
}

// IsProtected reports whether s is a protected state.
func IsProtected(s models.State) bool { return Protected[s] }

// Rejection reasons.
const (
	ReasonProtected  = "current state is protected"
	ReasonUnchanged  = "already in proposed state"
	ReasonConcurrent = "state changed concurrently"
)

// Decision is the outcome of a guarded transition.
type Decision struct {
	Applied bool         `json:"applied"`
	Reason  string       `json:"reason,omitempty"` // set when Applied is false
	From    models.State `json:"from"`
	To      models.State `json:"to"`
}

// Guard authorizes dispatcher- and drip-suggested state changes.
type Guard struct {
	db      *gorm.DB
	log     *zap.Logger
	events  notify.Publisher
	metrics *metrics.Collector
}

// GuardOpts holds parameters for creating a Guard.
type GuardOpts struct {
	DB      *gorm.DB
	Logger  *zap.Logger
	Events  notify.Publisher
	Metrics *metrics.Collector
}

// NewGuard creates a Guard.
func NewGuard(opts GuardOpts) *Guard {
	events := opts.Events
	if events == nil {
		events = notify.Nop{}
	}
	return &Guard{
		db:      opts.DB,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "guard")),
		events:  events,
		metrics: opts.Metrics,
	}
}

// Apply moves the conversation to proposed unless its current state is
// protected. A rejection is logged and published; it is not an error.
func (g *Guard) Apply(ctx context.Context, conversationID string, proposed models.State, changedBy string) (Decision, error) {
	if !proposed.Valid() {
		return Decision{}, fmt.Errorf("transition: guard %s: invalid proposed state %q", conversationID, proposed)
	}
	if changedBy == "" {
		return Decision{}, fmt.Errorf("transition: guard %s: changedBy is required", conversationID)
	}

	decision := Decision{To: proposed}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := currentState(tx, conversationID)
		if err != nil {
			return err
		}
		decision.From = current
		switch {
		case IsProtected(current):
			decision.Reason = ReasonProtected
			return nil
		case current == proposed:
			decision.Reason = ReasonUnchanged
			return nil
		}
		if err := write(tx, conversationID, current, proposed, changedBy); err != nil {
			return err
		}
		decision.Applied = true
		return nil
	})
	if errors.Is(err, errStateMoved) {
		decision.Reason = ReasonConcurrent
		err = nil
	}
	if err != nil {
		g.metrics.Transition("guard", "error")
		return Decision{}, fmt.Errorf("transition: guard %s -> %s: %w", conversationID, proposed, err)
	}

	if decision.Applied {
		g.metrics.Transition("guard", "applied")
		g.log.Info("state transition applied",
			zap.String("conversation_id", conversationID),
			zap.String("from", string(decision.From)),
			zap.String("to", string(decision.To)),
			zap.String("changed_by", changedBy))
		g.events.Publish(ctx, notify.Event{
			Type:           notify.EventStateChanged,
			ConversationID: conversationID,
			Payload: map[string]string{
				"from":       string(decision.From),
				"to":         string(decision.To),
				"changed_by": changedBy,
			},
		})
		return decision, nil
	}

	if decision.Reason == ReasonUnchanged {
		g.metrics.Transition("guard", "unchanged")
		return decision, nil
	}

	g.metrics.Transition("guard", "rejected")
	g.log.Warn("state transition rejected",
		zap.String("conversation_id", conversationID),
		zap.String("current", string(decision.From)),
		zap.String("proposed", string(proposed)),
		zap.String("changed_by", changedBy),
		zap.String("reason", decision.Reason))
	g.events.Publish(ctx, notify.Event{
		Type:           notify.EventTransitionRejected,
		ConversationID: conversationID,
		Payload: map[string]string{
			"current":    string(decision.From),
			"proposed":   string(proposed),
			"changed_by": changedBy,
			"reason":     decision.Reason,
		},
	})
	return decision, nil
}
