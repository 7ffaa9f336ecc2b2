// Package reasoning wraps the external reasoning service: an LLM that may
// answer with free text, structured tool calls, both, or neither.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"      // prior inbound message
	RoleAssistant Role = "assistant" // prior outbound message
)

// Turn is one message in the history sent to the agent.
type Turn struct {
	Role    Role
	Content string
}

// Parameter is a single tool argument. Enum restricts the allowed values.
type Parameter struct {
	Name        string
	Type        string // JSON schema type, e.g. "string"
	Description string
	Enum        []string
	Required    bool
}

// Tool declares an invocable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// ToolCall is a structured invocation returned by the agent.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// StringArg returns the named argument as a string.
func (c ToolCall) StringArg(name string) (string, bool) {
	v, ok := c.Arguments[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Request is a single converse call.
type Request struct {
	System  string
	History []Turn
	Tools   []Tool
}

// Response carries zero or one text reply and zero or more tool calls. An
// empty response means silence is the correct reply.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Empty reports whether the agent chose silence.
func (r Response) Empty() bool {
	return r.Text == "" && len(r.ToolCalls) == 0
}

// Client converses with the reasoning service.
type Client interface {
	Converse(ctx context.Context, req Request) (Response, error)
}

// Error wraps a failed reasoning call.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reasoning: %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFailure reports whether err came from the reasoning service.
func IsFailure(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// timeoutClient bounds every call with a deadline.
type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout wraps c so every Converse call fails after d.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: d}
}

func (t *timeoutClient) Converse(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.next.Converse(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, &Error{Provider: "timeout", Err: fmt.Errorf("no response within %s: %w", t.timeout, ctx.Err())}
	}
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Converse implements Client.
func (f ClientFunc) Converse(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// jsonSchema renders a tool's parameters as a JSON schema object.
func jsonSchema(t Tool) map[string]any {
	props := make(map[string]any, len(t.Parameters))
	required := []string{}
	for _, p := range t.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
