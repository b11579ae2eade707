// Package wire implements the canonical internal message representation and
// the Anthropic <-> internal <-> OpenAI translators, including the
// streaming SSE state machine. It is the protocol normalizer and wire
// adapter layer.
package wire

import "encoding/json"

// Block is a tagged content block. Implementations are Text, Image,
// ToolUse, and ToolResult; adapters switch on the concrete type rather than
// inspecting dynamic properties, per the design notes on tagged content
// blocks.
type Block interface {
	isBlock()
}

// Text is a plain text content block.
type Text struct {
	Text string
}

func (Text) isBlock() {}

// Image is an opaque image source block. The source payload (base64 data or
// URL reference) is kept as raw JSON since neither wire format needs the
// gateway to interpret its contents.
type Image struct {
	Source json.RawMessage
}

func (Image) isBlock() {}

// ToolUse is a tool/function invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUse) isBlock() {}

// ToolResult is the caller's result for a prior ToolUse, identified by ID.
type ToolResult struct {
	ID      string
	Content string
}

func (ToolResult) isBlock() {}

// Message is one canonical chat message: a role plus an ordered list of
// tagged content blocks.
type Message struct {
	Role   string
	Blocks []Block
}

// Metadata carries caller-supplied context that is not part of the model
// conversation itself.
type Metadata struct {
	SessionID string
}

// Request is the canonical internal payload that both wire adapters
// translate to and from.
type Request struct {
	System      string
	Messages    []Message
	Tools       json.RawMessage
	ToolChoice  json.RawMessage
	Stream      bool
	Thinking    bool
	Temperature *float64
	MaxTokens   *int
	Metadata    Metadata
}

// Usage is the token accounting attached to a completed (or partially
// completed, for streams) response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// FlattenText concatenates all Text blocks in a message, the rule OpenAI
// wire bodies use when a message has no tool content.
func FlattenText(blocks []Block) string {
	var out string
	for _, b := range blocks {
		if t, ok := b.(Text); ok {
			out += t.Text
		}
	}
	return out
}
