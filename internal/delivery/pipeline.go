package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leaddesk/internal/lease"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 20 * time.Second

// Envelope is an outbound message for a conversation.
type Envelope struct {
	ConversationID string
	To             string
	Body           string
	MediaURL       string
	SentBy         string
}

// Delivery is the recorded result of one attempt. A gateway failure is
// reported here with Status failed, not as an error.
type Delivery struct {
	MessageID   uint
	Status      string
	ProviderRef string
	Err         error
}

// Pipeline persists, publishes and sends outbound messages.
type Pipeline struct {
	db      *gorm.DB
	gateway Gateway
	timeout time.Duration
	events  notify.Publisher
	log     *zap.Logger
	metrics *metrics.Collector
	lease   *lease.Manager
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	DB      *gorm.DB
	Gateway Gateway
	Timeout time.Duration
	Events  notify.Publisher
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Lease advances last_activity after each attempt. Defaults to a
	// manager on DB.
	Lease *lease.Manager
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) *Pipeline {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	events := opts.Events
	if events == nil {
		events = notify.Nop{}
	}
	leases := opts.Lease
	if leases == nil {
		leases = lease.New(opts.DB, 0)
	}
	return &Pipeline{
		db:      opts.DB,
		gateway: opts.Gateway,
		timeout: timeout,
		events:  events,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "delivery")),
		metrics: opts.Metrics,
		lease:   leases,
	}
}

// Deliver validates the destination, writes a pending message, publishes
// it, sends it and records the outcome. ErrInvalidAddress is returned
// before anything is written.
func (p *Pipeline) Deliver(ctx context.Context, env Envelope) (Delivery, error) {
	to, err := NormalizeAddress(env.To)
	if err != nil {
		p.metrics.Delivery("rejected_address")
		return Delivery{}, fmt.Errorf("delivery: %s: %w", env.ConversationID, err)
	}
	if strings.TrimSpace(env.Body) == "" && env.MediaURL == "" {
		return Delivery{}, fmt.Errorf("delivery: %s: empty message", env.ConversationID)
	}

	msg := models.Message{
		ConversationID: env.ConversationID,
		Direction:      models.DirectionOutbound,
		Content:        env.Body,
		MediaURL:       env.MediaURL,
		SentBy:         env.SentBy,
		Status:         models.MessageStatusPending,
	}
	if err := p.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return Delivery{}, fmt.Errorf("delivery: %s: persist pending: %w", env.ConversationID, err)
	}
	p.events.Publish(ctx, notify.Event{
		Type:           notify.EventNewMessage,
		ConversationID: env.ConversationID,
		Payload:        messagePayload(&msg),
	})

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	ref, sendErr := p.gateway.Send(sendCtx, Outgoing{To: to, Body: env.Body, MediaURL: env.MediaURL})
	cancel()

	result := Delivery{MessageID: msg.ID}
	updates := map[string]any{}
	if sendErr != nil {
		result.Status = models.MessageStatusFailed
		result.Err = sendErr
		updates["status"] = models.MessageStatusFailed
		updates["error"] = sendErr.Error()
		p.log.Warn("delivery failed",
			zap.String("conversation_id", env.ConversationID),
			zap.Uint("message_id", msg.ID),
			zap.Error(sendErr))
	} else {
		result.Status = models.MessageStatusSent
		result.ProviderRef = ref
		updates["status"] = models.MessageStatusSent
		updates["provider_ref"] = ref
	}
	p.metrics.Delivery(result.Status)

	// The gateway call may have consumed ctx; record the outcome regardless.
	store := p.db.WithContext(context.WithoutCancel(ctx))
	if err := store.Model(&models.Message{}).
		Where("id = ? AND status = ?", msg.ID, models.MessageStatusPending).
		Updates(updates).Error; err != nil {
		return result, fmt.Errorf("delivery: %s: record status: %w", env.ConversationID, err)
	}
	if err := p.lease.Touch(context.WithoutCancel(ctx), env.ConversationID); err != nil {
		return result, fmt.Errorf("delivery: %s: %w", env.ConversationID, err)
	}

	msg.Status = result.Status
	msg.ProviderRef = result.ProviderRef
	if sendErr != nil {
		msg.Error = sendErr.Error()
	}
	p.events.Publish(ctx, notify.Event{
		Type:           notify.EventMessageStatus,
		ConversationID: env.ConversationID,
		Payload:        messagePayload(&msg),
	})
	return result, nil
}

func messagePayload(m *models.Message) map[string]any {
	payload := map[string]any{
		"message_id": m.ID,
		"direction":  m.Direction,
		"content":    m.Content,
		"status":     m.Status,
	}
	if m.SentBy != "" {
		payload["sent_by"] = m.SentBy
	}
	if m.MediaURL != "" {
		payload["media_url"] = m.MediaURL
	}
	if m.ProviderRef != "" {
		payload["provider_ref"] = m.ProviderRef
	}
	if m.Error != "" {
		payload["error"] = m.Error
	}
	return payload
}

// StatusUpdate is a delivery receipt from the provider.
type StatusUpdate struct {
	ProviderRef  string
	Status       string // provider status, e.g. "delivered", "undelivered"
	ErrorCode    string
	ErrorMessage string
}

// ErrUnknownMessage is returned when a receipt names no stored message.
var ErrUnknownMessage = errors.New("unknown provider reference")

// receiptStatus maps provider statuses to message statuses. Intermediate
// provider states map to sent.
func receiptStatus(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "accepted", "queued", "sending", "sent", "scheduled":
		return models.MessageStatusSent, true
	case "delivered", "read":
		return models.MessageStatusDelivered, true
	case "failed", "undelivered", "canceled":
		return models.MessageStatusFailed, true
	}
	return "", false
}

// ApplyReceipt advances a message's status from a provider receipt. Only
// pending and sent messages move; terminal statuses are kept. It reports
// whether the row changed.
func (p *Pipeline) ApplyReceipt(ctx context.Context, u StatusUpdate) (bool, error) {
	status, ok := receiptStatus(u.Status)
	if !ok {
		return false, fmt.Errorf("delivery: receipt %s: unknown status %q", u.ProviderRef, u.Status)
	}
	var msg models.Message
	err := p.db.WithContext(ctx).Where("provider_ref = ?", u.ProviderRef).Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("delivery: receipt %s: %w", u.ProviderRef, ErrUnknownMessage)
	}
	if err != nil {
		return false, fmt.Errorf("delivery: receipt %s: %w", u.ProviderRef, err)
	}
	if msg.Terminal() || msg.Status == status {
		return false, nil
	}

	updates := map[string]any{"status": status}
	if status == models.MessageStatusFailed {
		detail := strings.TrimSpace(strings.Join([]string{u.ErrorCode, u.ErrorMessage}, " "))
		if detail == "" {
			detail = u.Status
		}
		updates["error"] = detail
	}
	res := p.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", msg.ID, []string{models.MessageStatusPending, models.MessageStatusSent}).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("delivery: receipt %s: %w", u.ProviderRef, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	msg.Status = status
	if e, ok := updates["error"].(string); ok {
		msg.Error = e
	}
	p.events.Publish(ctx, notify.Event{
		Type:           notify.EventMessageStatus,
		ConversationID: msg.ConversationID,
		Payload:        messagePayload(&msg),
	})
	return true, nil
}
