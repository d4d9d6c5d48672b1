package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/reinholt/loom/pkg/session"
)

// OpenAIProvider streams chat completions from OpenAI.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// StartStream implements Provider.
func (p *OpenAIProvider) StartStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := p.buildParams(req)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		var acc openai.ChatCompletionAccumulator

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case ch <- StreamEvent{Delta: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- StreamEvent{Err: wrapProviderErr(p.Name(), err)}:
			case <-ctx.Done():
			}
			return
		}
		if len(acc.Choices) == 0 {
			select {
			case ch <- StreamEvent{Err: wrapProviderErr(p.Name(), fmt.Errorf("stream produced no choices"))}:
			case <-ctx.Done():
			}
			return
		}

		completion := acc.Choices[0]
		resp := &Response{
			Content:      completion.Message.Content,
			ToolCalls:    extractOpenAIToolCalls(completion.Message.ToolCalls),
			FinishReason: string(completion.FinishReason),
			Usage: session.Usage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
			},
		}
		select {
		case ch <- StreamEvent{Done: true, Response: resp}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(msg.Content))
		case "user":
			msgs = append(msgs, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					raw, _ := json.Marshal(tc.Arguments)
					toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(raw),
						},
					}
				}
				msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls},
				})
			} else {
				msgs = append(msgs, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			msgs = append(msgs, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, spec := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  shared.FunctionParameters(spec.InputSchema),
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func extractOpenAIToolCalls(toolCalls []openai.ChatCompletionMessageToolCall) []session.ToolCall {
	if len(toolCalls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, len(toolCalls))
	for i, tc := range toolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out[i] = session.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		}
	}
	return out
}
