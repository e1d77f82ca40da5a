package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter binds the port to an OpenAI-compatible chat-completions
// endpoint. Tool use maps onto function calling: tool_use blocks become
// assistant tool_calls, tool_result blocks become role=tool messages.
type OpenAIAdapter struct {
	client *openai.Client
}

// NewOpenAIAdapter builds an adapter. baseURL may be empty for the
// platform default, or point at any compatible server.
func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}
}

func (a *OpenAIAdapter) Call(ctx context.Context, req Request) (Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, convertMessage(m)...)
	}
	for _, t := range req.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return Response{}, fmt.Errorf("tool %s schema: %w", t.Name, err)
		}
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(schema),
			},
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return Response{}, Classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Code: CodeServer, Message: "no choices in completion"}
	}

	choice := resp.Choices[0]
	out := Response{StopReason: string(choice.FinishReason)}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]any{"_raw": tc.Function.Arguments}
		}
		out.Content = append(out.Content, ContentBlock{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	out.Usage = &Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out, nil
}

// convertMessage flattens one port message into the chat-completions
// shape, which separates tool results into their own role.
func convertMessage(m Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	cur := openai.ChatCompletionMessage{Role: string(m.Role)}
	flushed := false
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			cur.Content += b.Text
		case BlockToolUse:
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			cur.ToolCalls = append(cur.ToolCalls, openai.ToolCall{
				ID:   b.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case BlockToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    b.Content,
				ToolCallID: b.ToolUseID,
			})
			flushed = true
		}
	}
	if cur.Content != "" || len(cur.ToolCalls) > 0 || !flushed {
		out = append([]openai.ChatCompletionMessage{cur}, out...)
	}
	return out
}
