package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// OpenAIConfig holds connection settings.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string // Optional, for OpenAI-compatible endpoints
	MaxTokens int
	Timeout   time.Duration
}

// NewOpenAIClient creates a chat-completion client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends the conversation and tool catalog, returning the next
// assistant message.
func (c *OpenAIClient) Complete(ctx context.Context, messages []types.Message, toolDefs []types.ToolDefinition) (*Response, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
	}
	if len(toolDefs) > 0 {
		req.Tools = convertTools(toolDefs)
	}

	L_debug("llm: request", "model", c.model, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			L_error("llm: completion failed",
				"model", c.model,
				"statusCode", apiErr.HTTPStatusCode,
				"code", apiErr.Code,
				"message", apiErr.Message)
		} else {
			L_error("llm: completion failed", "model", c.model, "error", err)
		}
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	choice := resp.Choices[0].Message
	result := &Response{
		Text:         choice.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	L_elapsed(start, "llm: completion",
		"model", c.model,
		"toolCalls", len(result.ToolCalls),
		"inputTokens", result.InputTokens,
		"outputTokens", result.OutputTokens)

	return result, nil
}

// convertMessages maps conversation messages to the OpenAI wire format.
// Tool results become role=tool messages paired by ToolCallID; assistant
// messages that requested tools carry their ToolCalls.
func convertMessages(messages []types.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case "user":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, m)

		case "tool":
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	return result
}

func convertTools(toolDefs []types.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(toolDefs))
	for _, def := range toolDefs {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return result
}
