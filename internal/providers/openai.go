package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIModel = "gpt-4o"
	openAIAPIBase       = "https://api.openai.com/v1"
)

// OpenAIProvider implements Provider against the OpenAI chat-completions
// API, sharing the frameScanner SSE tokenizer with AnthropicProvider but
// reading a different frame shape: no event: field, a terminal "data:
// [DONE]" sentinel instead of a typed stop event, and tool calls that
// accumulate by tool_calls array index rather than a content-block index.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:       apiKey,
		baseURL:      openAIAPIBase,
		defaultModel: defaultOpenAIModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.defaultModel = model }
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *OpenAIProvider) Name() string        { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go p.pump(ctx, respBody, out)
	return out, nil
}

type toolCallAccum struct {
	id   string
	name string
}

func (p *OpenAIProvider) pump(ctx context.Context, respBody io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer respBody.Close()

	// See AnthropicProvider.pump: sends must not outlive the caller.
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := frameScanner{}
	toolsByIndex := map[int]*toolCallAccum{}
	var orderedIndexes []int

	buf := make([]byte, 32*1024)
	for {
		n, readErr := respBody.Read(buf)
		if n > 0 {
			for _, frame := range scanner.Feed(buf[:n]) {
				if !p.handleFrame(frame, send, toolsByIndex, &orderedIndexes) {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				send(Event{Kind: EventError, Err: fmt.Errorf("openai: stream read: %w", readErr)})
			} else {
				send(Event{Kind: EventError, Err: fmt.Errorf("openai: stream ended before a terminal event")})
			}
			return
		}
	}
}

func (p *OpenAIProvider) handleFrame(frame rawFrame, send func(Event) bool, tools map[int]*toolCallAccum, order *[]int) bool {
	data := strings.TrimSpace(frame.data)
	if data == "" {
		return true
	}
	if data == "[DONE]" {
		for _, idx := range *order {
			if !send(Event{Kind: EventToolUseEnd, ToolUseID: tools[idx].id}) {
				return false
			}
		}
		reason := "stop"
		if len(*order) > 0 {
			reason = "tool_calls"
		}
		send(Event{Kind: EventDone, StopReason: reason})
		return false
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return true
	}
	if chunk.Error != nil {
		send(Event{Kind: EventError, Err: fmt.Errorf("openai: %s", chunk.Error.Message)})
		return false
	}
	if len(chunk.Choices) == 0 {
		return true
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		if !send(Event{Kind: EventTextDelta, Text: choice.Delta.Content}) {
			return false
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		acc, exists := tools[tc.Index]
		if !exists {
			acc = &toolCallAccum{id: tc.ID, name: tc.Function.Name}
			tools[tc.Index] = acc
			*order = append(*order, tc.Index)
			if !send(Event{Kind: EventToolUseBegin, ToolUseID: acc.id, ToolName: acc.name}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !send(Event{Kind: EventToolUseInputFragment, ToolUseID: acc.id, PartialJSON: tc.Function.Arguments}) {
				return false
			}
		}
	}
	if choice.Usage != nil {
		return send(Event{Kind: EventUsage, Usage: &Usage{
			PromptTokens:     choice.Usage.PromptTokens,
			CompletionTokens: choice.Usage.CompletionTokens,
			TotalTokens:      choice.Usage.TotalTokens,
		}})
	}
	return true
}

func (p *OpenAIProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		m := map[string]interface{}{"role": msg.Role, "content": msg.Content}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			var calls []map[string]interface{}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			m["tool_calls"] = calls
		}
		if msg.Role == "tool" {
			m["tool_call_id"] = msg.ToolCallID
		}
		messages = append(messages, m)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					"parameters":  t.Function.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if len(resp.Choices) == 0 {
		return result
	}
	choice := resp.Choices[0]
	result.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	switch choice.FinishReason {
	case "tool_calls":
		result.FinishReason = "tool_calls"
	case "length":
		result.FinishReason = "length"
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string       `json:"finish_reason"`
		Usage        *openAIUsage `json:"usage"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
