// Package toolcall applies the side effects of tool calls returned by the
// reasoning agent.
package toolcall

import (
	"context"
	"fmt"

	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"github.com/zulandar/leaddesk/internal/transition"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Tool names.
const (
	UpdateLeadStatus = "update_lead_status"
	StopOutreach     = "stop_outreach"
)

// StatusChoices are the states update_lead_status may set.
var StatusChoices = []models.State{
	models.StateInterested,
	models.StateQualified,
	models.StateFCSRunning,
	models.StateNegotiating,
	models.StateDead,
	models.StateArchived,
}

// Schema returns the tool declarations offered to the reasoning agent.
func Schema() []reasoning.Tool {
	enum := make([]string, len(StatusChoices))
	for i, s := range StatusChoices {
		enum[i] = string(s)
	}
	return []reasoning.Tool{
		{
			Name:        UpdateLeadStatus,
			Description: "Update the lead's pipeline status when the conversation shows it has moved.",
			Parameters: []reasoning.Parameter{{
				Name:        "status",
				Type:        "string",
				Description: "The new status.",
				Enum:        enum,
				Required:    true,
			}},
		},
		{
			Name:        StopOutreach,
			Description: "Stop all outreach to this lead. Use when they ask not to be contacted.",
		},
	}
}

func allowedStatus(s models.State) bool {
	for _, c := range StatusChoices {
		if c == s {
			return true
		}
	}
	return false
}

// Outcome summarizes what an Execute call did.
type Outcome struct {
	// Stopped is set when stop_outreach was present. No reply may be sent.
	Stopped       bool           `json:"stopped"`
	StatusChanges []models.State `json:"status_changes,omitempty"`
	// Ignored lists calls that were not applied, with the reason.
	Ignored []string `json:"ignored,omitempty"`
}

// Executor applies tool calls against the conversation store.
type Executor struct {
	db      *gorm.DB
	log     *zap.Logger
	events  notify.Publisher
	metrics *metrics.Collector
}

// ExecutorOpts holds parameters for creating an Executor.
type ExecutorOpts struct {
	DB      *gorm.DB
	Logger  *zap.Logger
	Events  notify.Publisher
	Metrics *metrics.Collector
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOpts) *Executor {
	events := opts.Events
	if events == nil {
		events = notify.Nop{}
	}
	return &Executor{
		db:      opts.DB,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "toolcall")),
		events:  events,
		metrics: opts.Metrics,
	}
}

// Execute applies calls in order on behalf of actor. If stop_outreach
// appears anywhere in calls, it alone is applied and the rest are dropped.
// Status updates bypass the transition guard.
func (e *Executor) Execute(ctx context.Context, conversationID string, calls []reasoning.ToolCall, actor string) (Outcome, error) {
	var out Outcome

	for _, call := range calls {
		if call.Name != StopOutreach {
			continue
		}
		if err := e.commit(ctx, conversationID, models.StateDead, actor, &out); err != nil {
			return out, err
		}
		out.Stopped = true
		for _, other := range calls {
			if other.Name != StopOutreach {
				out.Ignored = append(out.Ignored, other.Name+": superseded by stop_outreach")
			}
		}
		e.log.Info("outreach stopped",
			zap.String("conversation_id", conversationID),
			zap.String("actor", actor),
			zap.Int("dropped_calls", len(out.Ignored)))
		return out, nil
	}

	for _, call := range calls {
		switch call.Name {
		case UpdateLeadStatus:
			raw, _ := call.StringArg("status")
			status, err := models.ParseState(raw)
			if err != nil || !allowedStatus(status) {
				e.ignore(&out, conversationID, call.Name, fmt.Sprintf("invalid status %q", raw))
				continue
			}
			if err := e.commit(ctx, conversationID, status, actor, &out); err != nil {
				return out, err
			}
		default:
			e.ignore(&out, conversationID, call.Name, "unknown tool")
		}
	}
	return out, nil
}

func (e *Executor) commit(ctx context.Context, conversationID string, status models.State, actor string, out *Outcome) error {
	change, err := transition.Commit(ctx, e.db, conversationID, status, actor)
	if err != nil {
		e.metrics.Transition("tool", "error")
		return fmt.Errorf("toolcall: %w", err)
	}
	if !change.Changed {
		e.metrics.Transition("tool", "unchanged")
		return nil
	}
	e.metrics.Transition("tool", "applied")
	out.StatusChanges = append(out.StatusChanges, status)
	e.events.Publish(ctx, notify.Event{
		Type:           notify.EventStateChanged,
		ConversationID: conversationID,
		Payload: map[string]string{
			"from":       string(change.From),
			"to":         string(change.To),
			"changed_by": actor,
		},
	})
	return nil
}

func (e *Executor) ignore(out *Outcome, conversationID, name, reason string) {
	out.Ignored = append(out.Ignored, name+": "+reason)
	e.log.Warn("tool call ignored",
		zap.String("conversation_id", conversationID),
		zap.String("tool", name),
		zap.String("reason", reason))
}
