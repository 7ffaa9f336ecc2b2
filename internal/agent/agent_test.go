package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/leaddesk/internal/db"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openAgentTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gormDB
}

func seedConversation(t *testing.T, gormDB *gorm.DB, state models.State) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Phone: "+13055550100", BusinessName: "Joe's Pizza", ContactName: "Joe", State: state}
	if err := gormDB.Create(conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func seedMessages(t *testing.T, gormDB *gorm.DB, convID string, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		dir := models.DirectionInbound
		if i%2 == 1 {
			dir = models.DirectionOutbound
		}
		m := models.Message{
			ConversationID: convID,
			Direction:      dir,
			Content:        fmt.Sprintf("msg %d", i),
			Status:         models.MessageStatusDelivered,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := gormDB.Create(&m).Error; err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
}

type captureClient struct {
	req  reasoning.Request
	resp reasoning.Response
	err  error
	hits int
}

func (c *captureClient) Converse(_ context.Context, req reasoning.Request) (reasoning.Response, error) {
	c.hits++
	c.req = req
	return c.resp, c.err
}

func TestDefaultTable_Valid(t *testing.T) {
	if err := ValidateTable(DefaultTable()); err != nil {
		t.Fatalf("ValidateTable(DefaultTable()) = %v", err)
	}
}

func TestDefaultTable_Partition(t *testing.T) {
	tests := []struct {
		state models.State
		want  Variant
	}{
		{models.StateNew, Qualifier},
		{models.StateQualified, Qualifier},
		{models.StateDocsRequested, Vetter},
		{models.StateFCSRunning, Vetter},
		{models.StateOfferReceived, Negotiator},
		{models.StateNegotiating, Negotiator},
		{models.StateFunded, Hold},
		{models.StateDead, Hold},
	}
	table := DefaultTable()
	for _, tt := range tests {
		if got := table[tt.state]; got != tt.want {
			t.Errorf("table[%s] = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestValidateTable_Missing(t *testing.T) {
	table := DefaultTable()
	delete(table, models.StateFCSRunning)
	err := ValidateTable(table)
	if !errors.Is(err, ErrNoAgentForState) {
		t.Fatalf("ValidateTable = %v, want ErrNoAgentForState", err)
	}
	if !strings.Contains(err.Error(), "FCS_RUNNING") {
		t.Errorf("error %q should name the missing state", err)
	}
}

func TestValidateTable_UnknownVariant(t *testing.T) {
	table := DefaultTable()
	table[models.StateNew] = "closer"
	if err := ValidateTable(table); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestNewRouter_RejectsIncompleteTable(t *testing.T) {
	gormDB := openAgentTestDB(t)
	_, err := NewRouter(RouterOpts{
		DB:     gormDB,
		Client: &captureClient{},
		Table:  map[models.State]Variant{models.StateNew: Qualifier},
	})
	if !errors.Is(err, ErrNoAgentForState) {
		t.Fatalf("NewRouter = %v, want ErrNoAgentForState", err)
	}
}

func TestRoute_TextAndTools(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateInterested)
	seedMessages(t, gormDB, conv.ID, 3)

	client := &captureClient{resp: reasoning.Response{
		Text:      "  Great, how much are you looking for?  ",
		ToolCalls: []reasoning.ToolCall{{Name: "update_lead_status", Arguments: map[string]any{"status": "QUALIFIED"}}},
	}}
	r, err := NewRouter(RouterOpts{DB: gormDB, Client: client})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	res, err := r.Route(context.Background(), conv.ID, "Lead replied.")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !res.ShouldReply || res.Content != "Great, how much are you looking for?" {
		t.Errorf("Result = %+v", res)
	}
	if res.Variant != Qualifier {
		t.Errorf("Variant = %s, want qualifier", res.Variant)
	}
	if len(res.ToolCalls) != 1 {
		t.Errorf("ToolCalls = %+v", res.ToolCalls)
	}

	if len(client.req.Tools) != 2 {
		t.Errorf("declared %d tools, want 2", len(client.req.Tools))
	}
	for _, want := range []string{"Joe's Pizza", "INTERESTED", "Lead replied."} {
		if !strings.Contains(client.req.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(client.req.History) != 3 {
		t.Fatalf("history = %d turns, want 3", len(client.req.History))
	}
	if client.req.History[0].Content != "msg 0" || client.req.History[0].Role != reasoning.RoleUser {
		t.Errorf("first turn = %+v", client.req.History[0])
	}
	if client.req.History[1].Role != reasoning.RoleAssistant {
		t.Errorf("outbound should map to assistant, got %s", client.req.History[1].Role)
	}
}

func TestRoute_Silence(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateNew)
	core, logs := observer.New(zapcore.DebugLevel)
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: &captureClient{}, Logger: zap.New(core)})

	res, err := r.Route(context.Background(), conv.ID, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.ShouldReply || len(res.ToolCalls) != 0 {
		t.Errorf("Result = %+v, want silence", res)
	}
	if res.Variant == "" {
		t.Error("Variant not reported for a silent turn")
	}
	if logs.FilterMessage("agent chose silence").Len() != 1 {
		t.Error("expected a silence log entry")
	}
}

func TestRoute_NegotiatorSeesOffers(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateNegotiating)
	gormDB.Create(&models.FundingOffer{ConversationID: conv.ID, Lender: "Acme Capital", Amount: 50000, FactorRate: 1.35, TermDays: 120})
	gormDB.Create(&models.FundingOffer{ConversationID: conv.ID, Lender: "Old Lender", Amount: 10000, Status: models.OfferWithdrawn})

	client := &captureClient{resp: reasoning.Response{Text: "Here's our offer"}}
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: client})
	res, err := r.Route(context.Background(), conv.ID, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Variant != Negotiator {
		t.Errorf("Variant = %s, want negotiator", res.Variant)
	}
	if !strings.Contains(client.req.System, "Acme Capital: $50000 at 1.35 factor over 120 days") {
		t.Errorf("system prompt missing active offer:\n%s", client.req.System)
	}
	if strings.Contains(client.req.System, "Old Lender") {
		t.Error("withdrawn offer should not be listed")
	}
}

func TestRoute_HeldState(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateFunded)
	client := &captureClient{}
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: client})

	res, err := r.Route(context.Background(), conv.ID, "")
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("Route = %v, want ErrHeld", err)
	}
	if res.Variant != Hold {
		t.Errorf("Variant = %s, want hold", res.Variant)
	}
	if client.hits != 0 {
		t.Error("held conversation must not reach the reasoning client")
	}
}

func TestRoute_UnmappedState(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateNew)
	gormDB.Model(&models.Conversation{}).Where("id = ?", conv.ID).Update("state", "LEGACY")

	client := &captureClient{}
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: client})
	_, err := r.Route(context.Background(), conv.ID, "")
	if !errors.Is(err, ErrNoAgentForState) {
		t.Fatalf("Route = %v, want ErrNoAgentForState", err)
	}
	if client.hits != 0 {
		t.Error("unmapped state must not reach the reasoning client")
	}
}

func TestRoute_NotFound(t *testing.T) {
	gormDB := openAgentTestDB(t)
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: &captureClient{}})
	_, err := r.Route(context.Background(), "missing", "")
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Fatalf("Route = %v, want ErrConversationNotFound", err)
	}
}

func TestRoute_ReasoningFailure(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateQualified)
	client := &captureClient{err: &reasoning.Error{Provider: "openai", Err: errors.New("503")}}
	r, _ := NewRouter(RouterOpts{DB: gormDB, Client: client})

	_, err := r.Route(context.Background(), conv.ID, "")
	if !reasoning.IsFailure(err) {
		t.Fatalf("Route = %v, want reasoning failure", err)
	}
}

func TestLoadHistory_WindowKeepsNewest(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateNew)
	seedMessages(t, gormDB, conv.ID, 30)

	turns, err := LoadHistory(context.Background(), gormDB, conv.ID, 20)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(turns) != 20 {
		t.Fatalf("len = %d, want 20", len(turns))
	}
	if turns[0].Content != "msg 10" || turns[19].Content != "msg 29" {
		t.Errorf("window = %q .. %q, want msg 10 .. msg 29", turns[0].Content, turns[19].Content)
	}
}

func TestLoadHistory_MediaAndEmpty(t *testing.T) {
	gormDB := openAgentTestDB(t)
	conv := seedConversation(t, gormDB, models.StateNew)
	gormDB.Create(&models.Message{ConversationID: conv.ID, Direction: models.DirectionInbound, MediaURL: "https://example.com/statement.pdf"})
	gormDB.Create(&models.Message{ConversationID: conv.ID, Direction: models.DirectionInbound, Content: "   "})

	turns, err := LoadHistory(context.Background(), gormDB, conv.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "[attachment]" {
		t.Errorf("turns = %+v", turns)
	}
}
