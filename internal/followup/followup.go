// Package followup sends the scheduled batch of follow-ups to leads holding
// a recent active offer.
package followup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leaddesk/internal/agent"
	"github.com/zulandar/leaddesk/internal/delivery"
	"github.com/zulandar/leaddesk/internal/lease"
	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// NoSend is the reply the agent gives when no follow-up should go out.
const NoSend = "NO_SEND"

// Defaults.
const (
	DefaultActorID      = "morning_followup"
	DefaultDedupWindow  = 20 * time.Hour
	DefaultOfferRecency = 72 * time.Hour
	DefaultSendInterval = 3 * time.Second
)

// Summary counts candidate outcomes. Sent, NoSend, Skipped and Failed sum
// to Candidates.
type Summary struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	NoSend     int `json:"no_send"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Pacer blocks until the next send may go out.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Deliverer sends an outbound message.
type Deliverer interface {
	Deliver(ctx context.Context, env delivery.Envelope) (delivery.Delivery, error)
}

// Runner selects follow-up candidates and processes them one at a time.
type Runner struct {
	db           *gorm.DB
	lease        *lease.Manager
	client       reasoning.Client
	delivery     Deliverer
	pacer        Pacer
	actorID      string
	dedupWindow  time.Duration
	offerRecency time.Duration
	window       int
	batchLimit   int
	log          *zap.Logger
	metrics      *metrics.Collector
	now          func() time.Time
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	DB            *gorm.DB
	Lease         *lease.Manager
	Client        reasoning.Client
	Delivery      Deliverer
	ActorID       string
	DedupWindow   time.Duration
	OfferRecency  time.Duration
	SendInterval  time.Duration
	HistoryWindow int
	BatchLimit    int // 0 means no limit
	// Pacer overrides the limiter built from SendInterval.
	Pacer   Pacer
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("followup: db is required")
	case opts.Lease == nil:
		return nil, fmt.Errorf("followup: lease manager is required")
	case opts.Client == nil:
		return nil, fmt.Errorf("followup: reasoning client is required")
	case opts.Delivery == nil:
		return nil, fmt.Errorf("followup: delivery pipeline is required")
	}
	r := &Runner{
		db:           opts.DB,
		lease:        opts.Lease,
		client:       opts.Client,
		delivery:     opts.Delivery,
		pacer:        opts.Pacer,
		actorID:      opts.ActorID,
		dedupWindow:  opts.DedupWindow,
		offerRecency: opts.OfferRecency,
		window:       opts.HistoryWindow,
		batchLimit:   opts.BatchLimit,
		log:          logx.OrNop(opts.Logger).With(zap.String("component", "followup")),
		metrics:      opts.Metrics,
		now:          time.Now,
	}
	if r.actorID == "" {
		r.actorID = DefaultActorID
	}
	if r.dedupWindow <= 0 {
		r.dedupWindow = DefaultDedupWindow
	}
	if r.offerRecency <= 0 {
		r.offerRecency = DefaultOfferRecency
	}
	if r.pacer == nil {
		interval := opts.SendInterval
		if interval <= 0 {
			interval = DefaultSendInterval
		}
		r.pacer = rate.NewLimiter(rate.Every(interval), 1)
	}
	return r, nil
}

// closedStates are never followed up.
func closedStates() []models.State {
	var out []models.State
	for _, s := range models.AllStates {
		if s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

// Candidates returns the conversations due a follow-up, least recently
// active first.
func (r *Runner) Candidates(ctx context.Context) ([]models.Conversation, error) {
	now := r.now()
	q := r.db.WithContext(ctx).
		Where("state NOT IN ?", closedStates()).
		Where("phone <> ''").
		Where("EXISTS (SELECT 1 FROM funding_offers o WHERE o.conversation_id = conversations.id AND o.status = ? AND o.created_at >= ?)",
			models.OfferActive, now.Add(-r.offerRecency)).
		Where("NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.id AND m.sent_by = ? AND m.created_at >= ?)",
			r.actorID, now.Add(-r.dedupWindow)).
		Order("last_activity ASC")
	if r.batchLimit > 0 {
		q = q.Limit(r.batchLimit)
	}
	var convs []models.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("followup: select candidates: %w", err)
	}
	return convs, nil
}

type result int

const (
	resultSent result = iota
	resultNoSend
	resultSkipped
	resultFailed
)

func (r result) String() string {
	switch r {
	case resultSent:
		return "sent"
	case resultNoSend:
		return "no_send"
	case resultSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Run processes every candidate. A failing candidate is counted and the
// run continues. Run returns an error only if selection fails or ctx ends.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	convs, err := r.Candidates(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Candidates: len(convs)}
	r.log.Info("follow-up run started", zap.Int("candidates", len(convs)))

	for i := range convs {
		if err := ctx.Err(); err != nil {
			sum.Skipped += len(convs) - i
			r.log.Warn("follow-up run interrupted", zap.Int("remaining", len(convs)-i))
			return sum, fmt.Errorf("followup: run interrupted: %w", err)
		}
		res := r.process(ctx, &convs[i])
		r.metrics.FollowUp(res.String())
		switch res {
		case resultSent:
			sum.Sent++
		case resultNoSend:
			sum.NoSend++
		case resultSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}

	r.log.Info("follow-up run finished",
		zap.Int("candidates", sum.Candidates),
		zap.Int("sent", sum.Sent),
		zap.Int("no_send", sum.NoSend),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Duration("took", time.Since(start)))
	return sum, nil
}

// process handles one candidate inside its own error boundary.
func (r *Runner) process(ctx context.Context, conv *models.Conversation) (res result) {
	log := r.log.With(zap.String("conversation_id", conv.ID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("follow-up candidate panicked", zap.String("panic", fmt.Sprint(p)))
			res = resultFailed
		}
	}()

	acq, err := r.lease.TryAcquire(ctx, conv.ID)
	if err != nil {
		log.Error("acquire lease", zap.Error(err))
		return resultFailed
	}
	if !acq.Held() {
		log.Debug("conversation busy, skipping")
		return resultSkipped
	}
	defer func() {
		if err := r.lease.Release(ctx, conv.ID); err != nil {
			log.Error("release lease", zap.Error(err))
		}
	}()

	body, err := r.compose(ctx, conv)
	if err != nil {
		log.Error("compose follow-up", zap.Error(err))
		return resultFailed
	}
	if body == "" {
		log.Debug("agent chose not to follow up")
		return resultNoSend
	}

	if err := r.pacer.Wait(ctx); err != nil {
		log.Warn("pacing interrupted", zap.Error(err))
		return resultFailed
	}
	d, err := r.delivery.Deliver(ctx, delivery.Envelope{
		ConversationID: conv.ID,
		To:             conv.Phone,
		Body:           body,
		SentBy:         r.actorID,
	})
	if err != nil {
		log.Error("deliver follow-up", zap.Error(err))
		return resultFailed
	}
	if d.Status == models.MessageStatusFailed {
		log.Warn("follow-up delivery failed", zap.Error(d.Err))
		return resultFailed
	}
	return resultSent
}

// compose asks the agent for a follow-up body. It returns "" when the agent
// answers with the NoSend sentinel or nothing at all.
func (r *Runner) compose(ctx context.Context, conv *models.Conversation) (string, error) {
	history, err := agent.LoadHistory(ctx, r.db, conv.ID, r.window)
	if err != nil {
		return "", err
	}
	var offers []models.FundingOffer
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conv.ID, models.OfferActive).
		Order("created_at DESC").Find(&offers).Error; err != nil {
		return "", fmt.Errorf("load offers: %w", err)
	}

	start := time.Now()
	resp, err := r.client.Converse(ctx, reasoning.Request{
		System:  composePrompt(conv, offers),
		History: history,
	})
	r.metrics.Reasoning("followup", err, time.Since(start))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" || isNoSend(text) {
		return "", nil
	}
	return text, nil
}

func isNoSend(text string) bool {
	t := strings.ToUpper(strings.Trim(text, " \t\n\"'`.*"))
	return t == NoSend || strings.HasPrefix(t, NoSend)
}

func composePrompt(conv *models.Conversation, offers []models.FundingOffer) string {
	var b strings.Builder
	b.WriteString(`You are a funding specialist writing one short morning follow-up text to a
business owner who has an offer waiting. Read the conversation so far.
If a follow-up would be unwelcome or pointless right now (they just replied,
declined, or asked for time), answer with exactly ` + NoSend + ` and nothing else.
Otherwise answer with only the text message to send.`)
	b.WriteString("\n\nLead:\n")
	if conv.BusinessName != "" {
		fmt.Fprintf(&b, "- Business: %s\n", conv.BusinessName)
	}
	if conv.ContactName != "" {
		fmt.Fprintf(&b, "- Contact: %s\n", conv.ContactName)
	}
	fmt.Fprintf(&b, "- Status: %s\n", conv.State)
	for _, o := range offers {
		fmt.Fprintf(&b, "- Offer: %s, $%.0f", o.Lender, o.Amount)
		if o.TermDays > 0 {
			fmt.Fprintf(&b, " over %d days", o.TermDays)
		}
		b.WriteString("\n")
	}
	return b.String()
}
