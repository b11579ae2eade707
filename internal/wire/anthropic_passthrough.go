package wire

import (
	"github.com/tidwall/gjson"
)

// PassthroughSniffer relays an Anthropic-native SSE stream to an
// Anthropic-native caller byte-for-byte, while sniffing message_start,
// content_block_delta, and message_delta events for usage and TTFT
// accounting. It never rewrites a single byte of the upstream
// frame: bytes in equal bytes out, the sniffing is purely observational.
type PassthroughSniffer struct {
	inputTok  int64
	outputTok int64
	deltas    int
}

// NewPassthroughSniffer returns a sniffer with zeroed counters.
func NewPassthroughSniffer() *PassthroughSniffer {
	return &PassthroughSniffer{}
}

// Observe inspects one SSE event/data pair and records usage/delta counts.
// It never returns an error: malformed or unrecognized events are ignored,
// since the caller relays the raw bytes regardless of what Observe makes of
// them.
func (p *PassthroughSniffer) Observe(event, data string) (emittedDelta bool) {
	if !gjson.Valid(data) {
		return false
	}
	r := gjson.Parse(data)

	switch event {
	case "message_start":
		p.inputTok = r.Get("message.usage.input_tokens").Int()
		p.outputTok = r.Get("message.usage.output_tokens").Int()
	case "content_block_delta":
		p.deltas++
		return true
	case "message_delta":
		if out := r.Get("usage.output_tokens"); out.Exists() {
			p.outputTok = out.Int()
		}
		if in := r.Get("usage.input_tokens"); in.Exists() {
			p.inputTok = in.Int()
		}
	}
	return false
}

// Usage returns the token counts observed so far.
func (p *PassthroughSniffer) Usage() Usage {
	return Usage{InputTokens: p.inputTok, OutputTokens: p.outputTok}
}

// DeltaCount returns the number of content_block_delta events observed.
func (p *PassthroughSniffer) DeltaCount() int {
	return p.deltas
}
