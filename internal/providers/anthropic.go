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
	defaultClaudeModel = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements Provider using the Anthropic Claude API over
// a hand-rolled HTTP+SSE client (net/http), matching the way this module's
// other providers talk to their wire protocols directly rather than
// through a vendor SDK.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
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

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return p.parseResponse(&resp), nil
	})
}

// Stream opens a streaming call and pushes normalized events into a
// channel owned by the returned-channel's producer goroutine. See
// internal/agent/drain.go for why this must be a channel rather than a
// callback: the consumer needs to select on it alongside forwarding
// events to the client sink.
func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (<-chan Event, error) {
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

func (p *AnthropicProvider) pump(ctx context.Context, respBody io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer respBody.Close()

	// All sends go through here so an abandoned round (caller stopped
	// draining, ctx cancelled) releases this goroutine instead of leaving
	// it blocked on a full channel.
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := frameScanner{}
	toolIDsByIndex := map[int]string{}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := respBody.Read(buf)
		if n > 0 {
			for _, frame := range scanner.Feed(buf[:n]) {
				if !p.handleFrame(frame, send, toolIDsByIndex) {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				send(Event{Kind: EventError, Err: fmt.Errorf("anthropic: stream read: %w", readErr)})
			} else {
				send(Event{Kind: EventError, Err: fmt.Errorf("anthropic: stream ended before a terminal event")})
			}
			return
		}
	}
}

// handleFrame dispatches one SSE frame to a normalized Event, keying
// tool-use blocks by the frame's own index field so fragments always
// attach to the block they belong to. Returns false if the stream should
// stop (error, message_stop, or an abandoned send observed).
func (p *AnthropicProvider) handleFrame(frame rawFrame, send func(Event) bool, toolIDs map[int]string) bool {
	switch frame.event {
	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			return true
		}
		if ev.ContentBlock.Type == "tool_use" {
			toolIDs[ev.Index] = ev.ContentBlock.ID
			return send(Event{Kind: EventToolUseBegin, ToolUseID: ev.ContentBlock.ID, ToolName: strings.TrimSpace(ev.ContentBlock.Name)})
		}

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			return true
		}
		switch ev.Delta.Type {
		case "text_delta":
			return send(Event{Kind: EventTextDelta, Text: ev.Delta.Text})
		case "input_json_delta":
			if id, ok := toolIDs[ev.Index]; ok {
				return send(Event{Kind: EventToolUseInputFragment, ToolUseID: id, PartialJSON: ev.Delta.PartialJSON})
			}
		}

	case "content_block_stop":
		var ev anthropicContentBlockStopEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			return true
		}
		if id, ok := toolIDs[ev.Index]; ok {
			delete(toolIDs, ev.Index)
			return send(Event{Kind: EventToolUseEnd, ToolUseID: id})
		}

	case "message_start":
		var ev anthropicMessageStartEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err == nil && ev.Message.Usage.InputTokens > 0 {
			return send(Event{Kind: EventUsage, Usage: &Usage{PromptTokens: ev.Message.Usage.InputTokens}})
		}

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err == nil {
			if ev.Usage.OutputTokens > 0 {
				if !send(Event{Kind: EventUsage, Usage: &Usage{CompletionTokens: ev.Usage.OutputTokens}}) {
					return false
				}
			}
			if ev.Delta.StopReason != "" {
				reason := "stop"
				switch ev.Delta.StopReason {
				case "tool_use":
					reason = "tool_calls"
				case "max_tokens":
					reason = "length"
				}
				send(Event{Kind: EventDone, StopReason: reason})
				return false
			}
		}

	case "error":
		var ev anthropicErrorEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err == nil {
			send(Event{Kind: EventError, Err: fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)})
		} else {
			send(Event{Kind: EventError, Err: fmt.Errorf("anthropic: stream error")})
		}
		return false

	case "message_stop":
		send(Event{Kind: EventDone, StopReason: "stop"})
		return false
	}
	return true
}

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var systemBlocks []map[string]interface{}
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]interface{}{"type": "text", "text": msg.Content})
		case "assistant":
			// Tool calls travel as tool_use content blocks on the
			// assistant message, alongside any text the model produced in
			// the same turn.
			var content []map[string]interface{}
			if msg.Content != "" {
				content = append(content, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": args,
				})
			}
			if len(content) == 0 {
				content = append(content, map[string]interface{}{"type": "text", "text": ""})
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": content})
		case "tool":
			// Anthropic has no tool role; results go back as a user
			// message carrying a tool_result block.
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		default:
			content := []map[string]interface{}{{"type": "text", "text": msg.Content}}
			messages = append(messages, map[string]interface{}{"role": msg.Role, "content": content})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"messages":   messages,
		"max_tokens": req.MaxTokens,
		"stream":     stream,
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if body["max_tokens"] == 0 {
		body["max_tokens"] = 4096
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
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

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      strings.TrimSpace(block.Name),
				Arguments: block.Input,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	} else if resp.StopReason == "max_tokens" {
		result.FinishReason = "length"
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return result
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicContentBlockStopEvent struct {
	Index int `json:"index"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
