// Package inbound records messages received from leads.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"github.com/zulandar/leaddesk/internal/transition"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OptOutActor is recorded on transitions caused by an opt-out keyword.
const OptOutActor = "lead:opt-out"

// optOutKeywords end outreach when sent as the whole message.
var optOutKeywords = map[string]bool{
	"STOP":        true,
	"STOPALL":     true,
	"UNSUBSCRIBE": true,
	"CANCEL":      true,
	"END":         true,
	"QUIT":        true,
}

// IsOptOut reports whether body is an opt-out keyword.
func IsOptOut(body string) bool {
	return optOutKeywords[strings.ToUpper(strings.Trim(body, " \t\r\n.!"))]
}

// Message is an inbound SMS as reported by the provider.
type Message struct {
	From        string
	To          string
	Body        string
	MediaURL    string
	ProviderRef string
}

// Receipt describes what Receive recorded.
type Receipt struct {
	ConversationID string
	MessageID      uint
	Created        bool // a new conversation was opened
	OptedOut       bool
	// NeedsReply is set when the conversation should be dispatched.
	NeedsReply bool
}

// Intake stores inbound messages.
type Intake struct {
	db      *gorm.DB
	events  notify.Publisher
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// IntakeOpts holds parameters for creating an Intake.
type IntakeOpts struct {
	DB      *gorm.DB
	Events  notify.Publisher
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// NewIntake creates an Intake.
func NewIntake(opts IntakeOpts) *Intake {
	events := opts.Events
	if events == nil {
		events = notify.Nop{}
	}
	return &Intake{
		db:      opts.DB,
		events:  events,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "inbound")),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Receive finds or opens the sender's conversation, stores the message and
// applies opt-out keywords. Duplicate provider references are ignored.
func (in *Intake) Receive(ctx context.Context, msg Message) (Receipt, error) {
	from, err := delivery.NormalizeAddress(msg.From)
	if err != nil {
		return Receipt{}, fmt.Errorf("inbound: sender: %w", err)
	}
	if msg.ProviderRef != "" {
		rec, found, err := in.received(ctx, msg.ProviderRef)
		if err != nil || found {
			return rec, err
		}
	}

	conv, created, err := in.conversationFor(ctx, from)
	if err != nil {
		return Receipt{}, err
	}
	rec := Receipt{ConversationID: conv.ID, Created: created}

	stored := models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Content:        msg.Body,
		MediaURL:       msg.MediaURL,
		SentBy:         "lead",
		Status:         models.MessageStatusDelivered,
		ProviderRef:    msg.ProviderRef,
	}
	if msg.ProviderRef != "" {
		stored.InboundRef = &msg.ProviderRef
	}
	if err := in.db.WithContext(ctx).Create(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && msg.ProviderRef != "" {
			// A concurrent retry of the same webhook stored it first.
			rec, found, lookupErr := in.received(ctx, msg.ProviderRef)
			if lookupErr == nil && found {
				return rec, nil
			}
		}
		return Receipt{}, fmt.Errorf("inbound: persist message: %w", err)
	}
	rec.MessageID = stored.ID
	if err := in.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		UpdateColumn("last_activity", in.now()).Error; err != nil {
		return Receipt{}, fmt.Errorf("inbound: touch conversation: %w", err)
	}
	in.events.Publish(ctx, notify.Event{
		Type:           notify.EventNewMessage,
		ConversationID: conv.ID,
		Payload: map[string]any{
			"message_id": stored.ID,
			"direction":  stored.Direction,
			"content":    stored.Content,
			"media_url":  stored.MediaURL,
			"status":     stored.Status,
		},
	})

	if IsOptOut(msg.Body) {
		change, err := transition.Commit(ctx, in.db, conv.ID, models.StateDead, OptOutActor)
		if err != nil {
			return rec, fmt.Errorf("inbound: opt-out: %w", err)
		}
		rec.OptedOut = true
		if change.Changed {
			in.metrics.Transition("opt_out", "applied")
			in.events.Publish(ctx, notify.Event{
				Type:           notify.EventStateChanged,
				ConversationID: conv.ID,
				Payload: map[string]string{
					"from":       string(change.From),
					"to":         string(change.To),
					"changed_by": OptOutActor,
				},
			})
		}
		in.log.Info("lead opted out", zap.String("conversation_id", conv.ID))
		return rec, nil
	}

	rec.NeedsReply = true
	return rec, nil
}

// received returns the receipt of an already stored inbound message.
func (in *Intake) received(ctx context.Context, providerRef string) (Receipt, bool, error) {
	var dup models.Message
	err := in.db.WithContext(ctx).Where("inbound_ref = ?", providerRef).Take(&dup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("inbound: dedup lookup: %w", err)
	}
	in.log.Debug("duplicate inbound message", zap.String("provider_ref", providerRef))
	return Receipt{ConversationID: dup.ConversationID, MessageID: dup.ID}, true, nil
}

// conversationFor returns the most recently active conversation for phone,
// opening one if none exists.
func (in *Intake) conversationFor(ctx context.Context, phone string) (*models.Conversation, bool, error) {
	conv, err := in.latestFor(ctx, phone)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("inbound: lookup %s: %w", phone, err)
	}
	opened := models.Conversation{Phone: phone, IntakePhone: &phone, State: models.StateNew}
	if err := in.db.WithContext(ctx).Create(&opened).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another first message from this sender opened it.
			if conv, lookupErr := in.latestFor(ctx, phone); lookupErr == nil {
				return conv, false, nil
			}
		}
		return nil, false, fmt.Errorf("inbound: open conversation: %w", err)
	}
	in.log.Info("conversation opened", zap.String("conversation_id", opened.ID), zap.String("short_id", opened.ShortID))
	return &opened, true, nil
}

func (in *Intake) latestFor(ctx context.Context, phone string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := in.db.WithContext(ctx).Where("phone = ?", phone).Order("last_activity DESC").Take(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}
