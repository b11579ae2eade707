package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// AnthropicToInternal parses an Anthropic Messages request body into the
// canonical Request, grounded on the gjson-based dynamic field extraction
// internal/provider/anthropic/translate.go uses for the opposite direction.
func AnthropicToInternal(body []byte) (*Request, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("wire: invalid JSON body")
	}
	r := gjson.ParseBytes(body)

	req := &Request{
		System: flattenSystem(r.Get("system")),
	}

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
	req.Stream = r.Get("stream").Bool()
	if th := r.Get("thinking"); th.Exists() {
		req.Thinking = th.Get("type").String() == "enabled"
	}
	if uid := r.Get("metadata.user_id"); uid.Exists() {
		req.Metadata.SessionID = uid.String()
	}

	for _, m := range r.Get("messages").Array() {
		msg := Message{Role: m.Get("role").String()}
		content := m.Get("content")
		if content.IsArray() {
			for _, blk := range content.Array() {
				msg.Blocks = append(msg.Blocks, anthropicBlockToInternal(blk))
			}
		} else {
			msg.Blocks = []Block{Text{Text: content.String()}}
		}
		req.Messages = append(req.Messages, msg)
	}

	return req, nil
}

// flattenSystem handles both the string and array-of-text-blocks shapes
// Anthropic allows for the top-level system field.
func flattenSystem(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.IsArray() {
		var out string
		for _, blk := range v.Array() {
			out += blk.Get("text").String()
		}
		return out
	}
	return v.String()
}

func anthropicBlockToInternal(blk gjson.Result) Block {
	switch blk.Get("type").String() {
	case "text":
		return Text{Text: blk.Get("text").String()}
	case "image":
		return Image{Source: json.RawMessage(blk.Get("source").Raw)}
	case "tool_use":
		return ToolUse{
			ID:    blk.Get("id").String(),
			Name:  blk.Get("name").String(),
			Input: json.RawMessage(blk.Get("input").Raw),
		}
	case "tool_result":
		return ToolResult{
			ID:      blk.Get("tool_use_id").String(),
			Content: flattenToolResultContent(blk.Get("content")),
		}
	default:
		return Text{Text: blk.Raw}
	}
}

func flattenToolResultContent(v gjson.Result) string {
	if v.IsArray() {
		var out string
		for _, blk := range v.Array() {
			out += blk.Get("text").String()
		}
		return out
	}
	return v.String()
}

// anthropicOutBlock mirrors the wire shape of one Anthropic content block
// for marshaling with encoding/json (struct tags keep field order stable).
type anthropicOutBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

func blockToAnthropicOut(b Block) anthropicOutBlock {
	switch v := b.(type) {
	case Text:
		return anthropicOutBlock{Type: "text", Text: v.Text}
	case Image:
		return anthropicOutBlock{Type: "image", Source: v.Source}
	case ToolUse:
		return anthropicOutBlock{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input}
	case ToolResult:
		return anthropicOutBlock{Type: "tool_result", ToolUseID: v.ID, Content: v.Content}
	default:
		return anthropicOutBlock{Type: "text"}
	}
}

type anthropicOutMessage struct {
	Role    string              `json:"role"`
	Content []anthropicOutBlock `json:"content"`
}

type anthropicOutRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicOutMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Tools       json.RawMessage     `json:"tools,omitempty"`
	ToolChoice  json.RawMessage     `json:"tool_choice,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Thinking    json.RawMessage     `json:"thinking,omitempty"`
}

// InternalToAnthropicBody reassembles the canonical Request into an
// Anthropic Messages request body for model.
func InternalToAnthropicBody(req *Request, model string) ([]byte, error) {
	out := anthropicOutRequest{
		Model:       model,
		System:      req.System,
		Temperature: req.Temperature,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Thinking {
		out.Thinking = json.RawMessage(`{"type":"enabled"}`)
	}
	for _, m := range req.Messages {
		om := anthropicOutMessage{Role: m.Role}
		for _, b := range m.Blocks {
			om.Content = append(om.Content, blockToAnthropicOut(b))
		}
		out.Messages = append(out.Messages, om)
	}
	return json.Marshal(out)
}

// mapFinishReasonToAnthropic maps an OpenAI finish_reason to an Anthropic
// stop_reason.
func mapFinishReasonToAnthropic(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// mapAnthropicStopReason maps an Anthropic stop_reason to an OpenAI
// finish_reason, the inverse of mapFinishReasonToAnthropic.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return "stop"
	}
}
