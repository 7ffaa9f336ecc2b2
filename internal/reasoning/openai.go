package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI converses through the OpenAI chat completions API with function tools.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
}

// OpenAIOpts holds parameters for creating an OpenAI client.
type OpenAIOpts struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	MaxRetries int
}

// NewOpenAI creates an OpenAI-backed Client.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("reasoning: openai api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("reasoning: openai model is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAI{
		client:    openai.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}, nil
}

// Converse implements Client.
func (o *OpenAI) Converse(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxTokens))
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(jsonSchema(tool)),
			},
		})
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, &Error{Provider: "openai", Err: err}
	}
	if completion == nil || len(completion.Choices) == 0 {
		return Response{}, &Error{Provider: "openai", Err: fmt.Errorf("empty response")}
	}

	msg := completion.Choices[0].Message
	resp := Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := ToolCall{Name: tc.Function.Name, Arguments: map[string]any{}}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				return Response{}, &Error{Provider: "openai", Err: fmt.Errorf("tool %s arguments: %w", tc.Function.Name, err)}
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp, nil
}
