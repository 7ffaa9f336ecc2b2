// Package dispatch runs one unit of agent work on a conversation: take the
// lease, obtain a reply, apply tool effects, deliver, apply the suggested
// transition and release the lease.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leaddesk/internal/agent"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/lease"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"github.com/zulandar/leaddesk/internal/toolcall"
	"github.com/zulandar/leaddesk/internal/transition"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultActor is recorded as changed_by/sent_by when the caller names none.
const DefaultActor = "dispatcher"

// Outcome classifies a finished dispatch.
type Outcome string

const (
	SkippedBusy     Outcome = "skipped_busy"
	Sent            Outcome = "sent"
	DeliveryFailed  Outcome = "delivery_failed"
	StatusOnly      Outcome = "status_only"
	Silent          Outcome = "silent"
	Held            Outcome = "held"
	RejectedAddress Outcome = "rejected_address"
)

// Request is one dispatch trigger.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Instruction    string `json:"instruction,omitempty"`
	// DirectMessage is sent verbatim with no reasoning call.
	DirectMessage      string       `json:"direct_message,omitempty"`
	SuggestedNextState models.State `json:"suggested_next_state,omitempty"`
	// Actor names the caller in history and message rows.
	Actor string `json:"actor,omitempty"`
}

// Result is the structured result of a dispatch.
type Result struct {
	ConversationID string               `json:"conversation_id"`
	Outcome        Outcome              `json:"outcome"`
	Lease          string               `json:"lease"`
	Variant        agent.Variant        `json:"variant,omitempty"`
	MessageID      uint                 `json:"message_id,omitempty"`
	DeliveryError  string               `json:"delivery_error,omitempty"`
	Tools          toolcall.Outcome     `json:"tools"`
	Transition     *transition.Decision `json:"transition,omitempty"`
}

// Router is the agent routing surface used by the orchestrator.
type Router interface {
	VariantFor(state models.State) (agent.Variant, error)
	Route(ctx context.Context, conversationID, instruction string) (agent.Result, error)
}

// Executor applies tool calls.
type Executor interface {
	Execute(ctx context.Context, conversationID string, calls []reasoning.ToolCall, actor string) (toolcall.Outcome, error)
}

// Deliverer sends an outbound message.
type Deliverer interface {
	Deliver(ctx context.Context, env delivery.Envelope) (delivery.Delivery, error)
}

// Guard authorizes suggested transitions.
type Guard interface {
	Apply(ctx context.Context, conversationID string, proposed models.State, changedBy string) (transition.Decision, error)
}

// Orchestrator runs dispatches.
type Orchestrator struct {
	db       *gorm.DB
	lease    *lease.Manager
	router   Router
	executor Executor
	delivery Deliverer
	guard    Guard
	events   notify.Publisher
	log      *zap.Logger
	metrics  *metrics.Collector
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	DB       *gorm.DB
	Lease    *lease.Manager
	Router   Router
	Executor Executor
	Delivery Deliverer
	Guard    Guard
	Events   notify.Publisher
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("dispatch: db is required")
	case opts.Lease == nil:
		return nil, fmt.Errorf("dispatch: lease manager is required")
	case opts.Router == nil:
		return nil, fmt.Errorf("dispatch: router is required")
	case opts.Executor == nil:
		return nil, fmt.Errorf("dispatch: tool executor is required")
	case opts.Delivery == nil:
		return nil, fmt.Errorf("dispatch: delivery pipeline is required")
	case opts.Guard == nil:
		return nil, fmt.Errorf("dispatch: transition guard is required")
	}
	events := opts.Events
	if events == nil {
		events = notify.Nop{}
	}
	return &Orchestrator{
		db:       opts.DB,
		lease:    opts.Lease,
		router:   opts.Router,
		executor: opts.Executor,
		delivery: opts.Delivery,
		guard:    opts.Guard,
		events:   events,
		log:      logx.OrNop(opts.Logger).With(zap.String("component", "dispatch")),
		metrics:  opts.Metrics,
	}, nil
}

// Dispatch runs one dispatch. Busy, held, silent and delivery failures are
// outcomes, not errors. Unknown conversations, routing gaps and reasoning
// failures are errors. The lease is released on every path.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	res.ConversationID = req.ConversationID
	actor := req.Actor
	if actor == "" {
		actor = DefaultActor
	}
	if req.SuggestedNextState != "" && !req.SuggestedNextState.Valid() {
		return res, fmt.Errorf("dispatch: %s: invalid suggested state %q", req.ConversationID, req.SuggestedNextState)
	}

	acq, err := o.lease.TryAcquire(ctx, req.ConversationID)
	if err != nil {
		o.metrics.Lease("error")
		return res, fmt.Errorf("dispatch: %w", err)
	}
	o.metrics.Lease(acq.String())
	res.Lease = acq.String()
	if !acq.Held() {
		res.Outcome = SkippedBusy
		o.log.Debug("conversation busy, skipping", zap.String("conversation_id", req.ConversationID))
		o.metrics.DispatchOutcome(string(res.Outcome), time.Since(start))
		return res, nil
	}
	if acq == lease.Reclaimed {
		o.log.Warn("reclaimed stale lease",
			zap.String("conversation_id", req.ConversationID),
			zap.Duration("stale_after", o.lease.StaleAfter()))
	}
	defer func() {
		if relErr := o.lease.Release(ctx, req.ConversationID); relErr != nil {
			o.log.Error("release lease", zap.String("conversation_id", req.ConversationID), zap.Error(relErr))
		}
		if err == nil {
			o.metrics.DispatchOutcome(string(res.Outcome), time.Since(start))
		} else {
			o.metrics.DispatchOutcome("error", time.Since(start))
		}
	}()

	var conv models.Conversation
	if err := o.db.WithContext(ctx).Where("id = ?", req.ConversationID).Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return res, fmt.Errorf("dispatch: %s: %w", req.ConversationID, models.ErrConversationNotFound)
		}
		return res, fmt.Errorf("dispatch: %s: load conversation: %w", req.ConversationID, err)
	}

	reply, held, err := o.reply(ctx, &conv, req, actor, &res)
	if err != nil {
		return res, err
	}

	if reply != "" {
		if err := o.deliver(ctx, &conv, reply, actor, &res); err != nil {
			return res, err
		}
	}

	if req.SuggestedNextState != "" && !res.Tools.Stopped {
		decision, err := o.guard.Apply(ctx, conv.ID, req.SuggestedNextState, actor)
		if err != nil {
			return res, fmt.Errorf("dispatch: %w", err)
		}
		res.Transition = &decision
	}

	if res.Outcome == "" {
		switch {
		case held:
			res.Outcome = Held
		case len(res.Tools.StatusChanges) > 0 || (res.Transition != nil && res.Transition.Applied):
			res.Outcome = StatusOnly
		default:
			res.Outcome = Silent
		}
	}
	o.log.Info("dispatch finished",
		zap.String("conversation_id", conv.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("variant", string(res.Variant)),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// reply returns the text to send, or "" for none. held is set when the
// conversation's state admits no outreach.
func (o *Orchestrator) reply(ctx context.Context, conv *models.Conversation, req Request, actor string, res *Result) (string, bool, error) {
	if req.DirectMessage != "" {
		if conv.State == models.StateDead || conv.State == models.StateArchived {
			o.log.Info("direct message refused for closed conversation",
				zap.String("conversation_id", conv.ID),
				zap.String("state", string(conv.State)))
			return "", true, nil
		}
		return strings.TrimSpace(req.DirectMessage), false, nil
	}

	variant, err := o.router.VariantFor(conv.State)
	res.Variant = variant
	switch {
	case errors.Is(err, agent.ErrHeld):
		return "", true, nil
	case err != nil:
		o.alert(ctx, conv.ID, "no_agent_for_state", err.Error())
		return "", false, fmt.Errorf("dispatch: %w", err)
	}

	result, err := o.router.Route(ctx, conv.ID, req.Instruction)
	if err != nil {
		if errors.Is(err, agent.ErrHeld) {
			return "", true, nil
		}
		kind := "routing_failure"
		if reasoning.IsFailure(err) {
			kind = "reasoning_failure"
		}
		o.alert(ctx, conv.ID, kind, err.Error())
		return "", false, fmt.Errorf("dispatch: %w", err)
	}
	res.Variant = result.Variant

	agentActor := "agent:" + string(result.Variant)
	tools, err := o.executor.Execute(ctx, conv.ID, result.ToolCalls, agentActor)
	res.Tools = tools
	if err != nil {
		return "", false, fmt.Errorf("dispatch: %w", err)
	}
	if tools.Stopped || !result.ShouldReply {
		return "", false, nil
	}
	return result.Content, false, nil
}

func (o *Orchestrator) deliver(ctx context.Context, conv *models.Conversation, body, actor string, res *Result) error {
	sentBy := actor
	if res.Variant != "" && res.Variant != agent.Hold && actor == DefaultActor {
		sentBy = "agent:" + string(res.Variant)
	}
	d, err := o.delivery.Deliver(ctx, delivery.Envelope{
		ConversationID: conv.ID,
		To:             conv.Phone,
		Body:           body,
		SentBy:         sentBy,
	})
	if errors.Is(err, delivery.ErrInvalidAddress) {
		res.Outcome = RejectedAddress
		o.log.Warn("destination rejected", zap.String("conversation_id", conv.ID), zap.String("phone", conv.Phone))
		o.alert(ctx, conv.ID, "invalid_address", err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	res.MessageID = d.MessageID
	if d.Status == models.MessageStatusFailed {
		res.Outcome = DeliveryFailed
		if d.Err != nil {
			res.DeliveryError = d.Err.Error()
		}
		o.alert(ctx, conv.ID, "delivery_failed", res.DeliveryError)
		return nil
	}
	res.Outcome = Sent
	return nil
}

func (o *Orchestrator) alert(ctx context.Context, conversationID, kind, detail string) {
	o.events.Publish(ctx, notify.Alert(conversationID, kind, detail))
}
