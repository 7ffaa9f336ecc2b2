package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// continuePrompt closes a history that ends on our own outbound message;
// the messages API treats a trailing assistant turn as a prefill.
const continuePrompt = "[No new reply from the lead yet. Follow the system instructions.]"

// Anthropic converses through the Anthropic messages API with tool_use blocks.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// AnthropicOpts holds parameters for creating an Anthropic client.
type AnthropicOpts struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	MaxRetries int
}

// NewAnthropic creates an Anthropic-backed Client.
func NewAnthropic(opts AnthropicOpts) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("reasoning: anthropic api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("reasoning: anthropic model is required")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{
		client:    anthropic.NewClient(reqOpts...),
		model:     anthropic.Model(opts.Model),
		maxTokens: maxTokens,
	}, nil
}

// Converse implements Client.
func (a *Anthropic) Converse(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  alternate(req.History),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}
	for _, tool := range req.Tools {
		schema := jsonSchema(tool)
		required, _ := schema["required"].([]string)
		union := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: schema["properties"],
			Required:   required,
		}, tool.Name)
		if tool.Description != "" && union.OfTool != nil {
			union.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, union)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, &Error{Provider: "anthropic", Err: err}
	}
	if msg == nil {
		return Response{}, &Error{Provider: "anthropic", Err: fmt.Errorf("empty response")}
	}

	var resp Response
	var text strings.Builder
	for i := range msg.Content {
		block := &msg.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			call := ToolCall{Name: use.Name, Arguments: map[string]any{}}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &call.Arguments); err != nil {
					return Response{}, &Error{Provider: "anthropic", Err: fmt.Errorf("tool %s input: %w", use.Name, err)}
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	resp.Text = strings.TrimSpace(text.String())
	return resp, nil
}

// alternate converts history into strictly alternating user/assistant
// messages that start and end with a user turn, merging consecutive turns
// from the same side.
func alternate(history []Turn) []anthropic.MessageParam {
	type merged struct {
		role  Role
		parts []string
	}
	var turns []merged
	for _, t := range history {
		role := t.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].parts = append(turns[n-1].parts, t.Content)
			continue
		}
		turns = append(turns, merged{role: role, parts: []string{t.Content}})
	}
	if len(turns) == 0 || turns[0].role == RoleAssistant {
		turns = append([]merged{{role: RoleUser, parts: []string{"[Conversation start]"}}}, turns...)
	}
	if turns[len(turns)-1].role == RoleAssistant {
		turns = append(turns, merged{role: RoleUser, parts: []string{continuePrompt}})
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.parts, "\n\n"))
		if t.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
