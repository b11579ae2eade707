package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ccgw/ccgw/internal/model"
)

type openAIOutMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIToolCallFunc `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIOutRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIOutMessage  `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Tools       json.RawMessage     `json:"tools,omitempty"`
	ToolChoice  json.RawMessage     `json:"tool_choice,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	StreamOptions *openAIStreamOpts `json:"stream_options,omitempty"`
	Reasoning   any                 `json:"reasoning,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// InternalToOpenAIBody flattens the canonical Request into an OpenAI Chat
// Completions body for model, against an upstream of providerType. Tool-use
// blocks become tool_calls; tool-result blocks become role:"tool" messages;
// thinking is mapped to a provider-specific reasoning hint.
func InternalToOpenAIBody(req *Request, model string, providerType model.ProviderType) ([]byte, error) {
	out := openAIOutRequest{
		Model:       model,
		Temperature: req.Temperature,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Stream {
		out.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openAIOutMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, blocksToOpenAIMessages(m)...)
	}
	if req.Thinking {
		out.Reasoning = reasoningHint(providerType)
	}
	return json.Marshal(out)
}

// reasoningHint returns the provider-specific JSON value signaling
// "enable extended thinking", or nil when the provider has none documented.
func reasoningHint(t model.ProviderType) any {
	switch t {
	case model.ProviderDeepSeek:
		return "reasoning"
	case model.ProviderKimi:
		return "thinking"
	default:
		return nil
	}
}

// blocksToOpenAIMessages expands one canonical message into zero or more
// OpenAI messages: the assistant's own text+tool_use collapse into a single
// message with tool_calls; each tool_result block becomes its own
// role:"tool" message.
func blocksToOpenAIMessages(m Message) []openAIOutMessage {
	var toolResults []openAIOutMessage
	out := openAIOutMessage{Role: m.Role, Content: FlattenText(m.Blocks)}
	for _, b := range m.Blocks {
		switch v := b.(type) {
		case ToolUse:
			out.ToolCalls = append(out.ToolCalls, openAIToolCall{
				ID:   v.ID,
				Type: "function",
				Function: openAIToolCallFunc{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		case ToolResult:
			toolResults = append(toolResults, openAIOutMessage{
				Role:       "tool",
				Content:    v.Content,
				ToolCallID: v.ID,
			})
		}
	}
	msgs := []openAIOutMessage{out}
	return append(msgs, toolResults...)
}

// OpenAIToInternal parses an OpenAI Chat Completions request body into the
// canonical Request, the mirror of AnthropicToInternal for clients hitting
// an OpenAI-wire endpoint.
func OpenAIToInternal(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("wire: invalid JSON body")
	}
	r := gjson.ParseBytes(body)
	req := &Request{Stream: r.Get("stream").Bool()}

	if mt := r.Get("max_tokens"); mt.Exists() {
		v := int(mt.Int())
		req.MaxTokens = &v
	}
	if t := r.Get("temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if tools := r.Get("tools"); tools.Exists() {
		req.Tools = json.RawMessage(tools.Raw)
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		req.ToolChoice = json.RawMessage(tc.Raw)
	}
	if r.Get("reasoning").Exists() {
		req.Thinking = true
	}

	for _, m := range r.Get("messages").Array() {
		role := m.Get("role").String()
		if role == "system" {
			req.System = m.Get("content").String()
			continue
		}
		msg := Message{Role: role}
		if tcid := m.Get("tool_call_id"); tcid.Exists() {
			msg.Blocks = append(msg.Blocks, ToolResult{ID: tcid.String(), Content: m.Get("content").String()})
			req.Messages = append(req.Messages, msg)
			continue
		}
		if content := m.Get("content"); content.Exists() && content.String() != "" {
			msg.Blocks = append(msg.Blocks, Text{Text: content.String()})
		}
		for _, tc := range m.Get("tool_calls").Array() {
			msg.Blocks = append(msg.Blocks, ToolUse{
				ID:    tc.Get("id").String(),
				Name:  tc.Get("function.name").String(),
				Input: json.RawMessage(tc.Get("function.arguments").String()),
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

// OpenAIRespToAnthropicResp translates a complete (non-streaming) OpenAI
// Chat Completions response into an Anthropic Messages response.
func OpenAIRespToAnthropicResp(body []byte, requestedModel string) ([]byte, Usage, error) {
	if !gjson.ValidBytes(body) {
		return nil, Usage{}, fmt.Errorf("wire: invalid JSON body")
	}
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")

	var blocks []anthropicOutBlock
	if text := choice.Get("message.content").String(); text != "" {
		blocks = append(blocks, anthropicOutBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Get("message.tool_calls").Array() {
		blocks = append(blocks, anthropicOutBlock{
			Type:  "tool_use",
			ID:    tc.Get("id").String(),
			Name:  tc.Get("function.name").String(),
			Input: json.RawMessage(tc.Get("function.arguments").String()),
		})
	}

	usage := Usage{
		InputTokens:  r.Get("usage.prompt_tokens").Int(),
		OutputTokens: r.Get("usage.completion_tokens").Int(),
		CachedTokens: r.Get("usage.prompt_tokens_details.cached_tokens").Int(),
	}

	out := map[string]any{
		"id":          "msg_" + r.Get("id").String(),
		"type":        "message",
		"role":        "assistant",
		"model":       requestedModel,
		"content":     blocks,
		"stop_reason": mapFinishReasonToAnthropic(choice.Get("finish_reason").String()),
		"usage": map[string]any{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	}
	data, err := json.Marshal(out)
	return data, usage, err
}

// AnthropicRespToOpenAIResp translates a complete (non-streaming) Anthropic
// Messages response into an OpenAI Chat Completions response. This is the
// symmetric counterpart to the OpenAI->Anthropic direction above, needed
// whenever a multi-protocol custom endpoint routes an OpenAI-wire caller to
// an Anthropic-type provider.
func AnthropicRespToOpenAIResp(body []byte, requestedModel string) ([]byte, Usage, error) {
	if !gjson.ValidBytes(body) {
		return nil, Usage{}, fmt.Errorf("wire: invalid JSON body")
	}
	r := gjson.ParseBytes(body)

	var text string
	var toolCalls []openAIToolCall
	for _, blk := range r.Get("content").Array() {
		switch blk.Get("type").String() {
		case "text":
			text += blk.Get("text").String()
		case "tool_use":
			toolCalls = append(toolCalls, openAIToolCall{
				ID:   blk.Get("id").String(),
				Type: "function",
				Function: openAIToolCallFunc{
					Name:      blk.Get("name").String(),
					Arguments: blk.Get("input").Raw,
				},
			})
		}
	}

	usage := Usage{
		InputTokens:  r.Get("usage.input_tokens").Int(),
		OutputTokens: r.Get("usage.output_tokens").Int(),
	}

	out := map[string]any{
		"id":      "chatcmpl-" + r.Get("id").String(),
		"object":  "chat.completion",
		"model":   requestedModel,
		"choices": []map[string]any{{
			"index": 0,
			"message": openAIOutMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			},
			"finish_reason": mapAnthropicStopReason(r.Get("stop_reason").String()),
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	}
	data, err := json.Marshal(out)
	return data, usage, err
}
