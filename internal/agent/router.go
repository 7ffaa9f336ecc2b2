package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"github.com/zulandar/leaddesk/internal/toolcall"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultHistoryWindow is the number of recent messages sent as context.
const DefaultHistoryWindow = 20

// Result is the agent's answer for one routed call.
type Result struct {
	ShouldReply bool
	Content     string
	ToolCalls   []reasoning.ToolCall
	Variant     Variant
}

// Router selects the agent variant for a conversation and calls the
// reasoning client. It never changes state or sends messages.
type Router struct {
	db      *gorm.DB
	client  reasoning.Client
	table   map[models.State]Variant
	window  int
	log     *zap.Logger
	metrics *metrics.Collector
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	DB            *gorm.DB
	Client        reasoning.Client
	Table         map[models.State]Variant // nil uses DefaultTable
	HistoryWindow int
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// NewRouter validates the routing table and returns a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("agent: db is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("agent: reasoning client is required")
	}
	table := opts.Table
	if table == nil {
		table = DefaultTable()
	}
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	window := opts.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Router{
		db:      opts.DB,
		client:  opts.Client,
		table:   table,
		window:  window,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "router")),
		metrics: opts.Metrics,
	}, nil
}

// VariantFor returns the variant that handles state. Hold states return
// Hold together with ErrHeld.
func (r *Router) VariantFor(state models.State) (Variant, error) {
	return lookup(r.table, state)
}

// Route loads the conversation and its recent history and asks the agent
// variant for its state what to do next.
func (r *Router) Route(ctx context.Context, conversationID, instruction string) (Result, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", conversationID).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, fmt.Errorf("agent: route %s: %w", conversationID, models.ErrConversationNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("agent: route %s: load conversation: %w", conversationID, err)
	}

	variant, err := r.VariantFor(conv.State)
	if err != nil {
		return Result{Variant: variant}, err
	}

	history, err := r.History(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	var offers []models.FundingOffer
	if variant == Negotiator {
		if err := r.db.WithContext(ctx).
			Where("conversation_id = ? AND status = ?", conversationID, models.OfferActive).
			Order("created_at DESC").Find(&offers).Error; err != nil {
			return Result{}, fmt.Errorf("agent: route %s: load offers: %w", conversationID, err)
		}
	}

	req := reasoning.Request{
		System:  systemPrompt(variant, &conv, offers, instruction),
		History: history,
		Tools:   toolcall.Schema(),
	}
	start := time.Now()
	resp, err := r.client.Converse(ctx, req)
	r.metrics.Reasoning(string(variant), err, time.Since(start))
	if err != nil {
		r.log.Error("reasoning call failed",
			zap.String("conversation_id", conversationID),
			zap.String("variant", string(variant)),
			zap.Error(err))
		return Result{Variant: variant}, fmt.Errorf("agent: route %s: %w", conversationID, err)
	}

	if resp.Empty() {
		r.log.Debug("agent chose silence",
			zap.String("conversation_id", conversationID),
			zap.String("variant", string(variant)))
		return Result{Variant: variant}, nil
	}

	text := strings.TrimSpace(resp.Text)
	r.log.Debug("agent responded",
		zap.String("conversation_id", conversationID),
		zap.String("variant", string(variant)),
		zap.Bool("reply", text != ""),
		zap.Int("tool_calls", len(resp.ToolCalls)))
	return Result{
		ShouldReply: text != "",
		Content:     text,
		ToolCalls:   resp.ToolCalls,
		Variant:     variant,
	}, nil
}

// History returns the most recent messages of the conversation as turns,
// oldest first. Outbound messages become assistant turns.
func (r *Router) History(ctx context.Context, conversationID string) ([]reasoning.Turn, error) {
	return LoadHistory(ctx, r.db, conversationID, r.window)
}

// LoadHistory returns up to window recent messages as turns, oldest first.
func LoadHistory(ctx context.Context, db *gorm.DB, conversationID string, window int) ([]reasoning.Turn, error) {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	var msgs []models.Message
	if err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(window).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("agent: history %s: %w", conversationID, err)
	}
	slices.Reverse(msgs)

	turns := make([]reasoning.Turn, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" && m.MediaURL != "" {
			content = "[attachment]"
		}
		if content == "" {
			continue
		}
		role := reasoning.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = reasoning.RoleAssistant
		}
		turns = append(turns, reasoning.Turn{Role: role, Content: content})
	}
	return turns, nil
}
