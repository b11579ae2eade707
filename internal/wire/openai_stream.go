package wire

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// blockKind distinguishes the two content block shapes the translator opens.
type blockKind int

const (
	kindText blockKind = iota
	kindTool
)

type openBlock struct {
	index int
	kind  blockKind
}

// StreamTranslator converts an OpenAI chat-completion-chunk SSE stream into
// an Anthropic Messages SSE stream. It models the conversion as an explicit
// state machine: state is per-request,
// held entirely in this struct, and never shared across requests. Grounded
// on the shape of internal/provider/anthropic/stream.go's streamState (a
// small mutable struct threaded through per-event handlers), generalized to
// run in the opposite direction.
type StreamTranslator struct {
	id    string
	model string

	started    bool
	open       []openBlock // currently open blocks, in the order they were opened
	nextIndex  int
	toolIdx    map[int]int // openai tool_calls[].index -> anthropic block index
	sawTool    bool
	inputTok   int64
	outputTok  int64
	haveOutTok bool
}

// NewStreamTranslator returns a translator that will use id and model in
// every emitted Anthropic event.
func NewStreamTranslator(id, model string) *StreamTranslator {
	return &StreamTranslator{id: id, model: model, toolIdx: make(map[int]int)}
}

// Usage returns the token counts observed so far.
func (s *StreamTranslator) Usage() Usage {
	return Usage{InputTokens: s.inputTok, OutputTokens: s.outputTok}
}

// Feed processes one upstream SSE data payload (either a JSON chunk or the
// literal "[DONE]" sentinel) and returns the Anthropic SSE bytes to forward
// to the client. emittedDelta is true when this call emitted a content
// delta (text, thinking, or tool arguments); the first such call marks
// TTFT. done is true once the
// translator has emitted message_stop and must not be fed again.
func (s *StreamTranslator) Feed(data string) (out []byte, emittedDelta bool, done bool) {
	var b strings.Builder

	if !s.started {
		s.emitMessageStart(&b)
		s.started = true
	}

	if data == "[DONE]" {
		s.closeAll(&b)
		s.emitMessageDelta(&b)
		writeSSE(&b, "message_stop", []byte(`{"type":"message_stop"}`))
		return []byte(b.String()), false, true
	}

	if !gjson.Valid(data) {
		return []byte(b.String()), false, false
	}
	r := gjson.Parse(data)

	if u := r.Get("usage"); u.Exists() {
		s.inputTok = u.Get("prompt_tokens").Int()
		s.outputTok = u.Get("completion_tokens").Int()
		s.haveOutTok = true
	}

	choice := r.Get("choices.0")
	delta := choice.Get("delta")

	if text := delta.Get("content").String(); text != "" {
		s.ensureTextBlock(&b)
		writeSSE(&b, "content_block_delta", contentBlockDeltaJSON(s.curIndex(), "text_delta", "text", text))
		emittedDelta = true
	}

	if reasoning := delta.Get("reasoning").String(); reasoning != "" {
		s.ensureTextBlock(&b)
		writeSSE(&b, "content_block_delta", contentBlockDeltaJSON(s.curIndex(), "thinking_delta", "thinking", reasoning))
		emittedDelta = true
	}

	for _, tc := range delta.Get("tool_calls").Array() {
		oaiIdx := int(tc.Get("index").Int())
		idx, ok := s.toolIdx[oaiIdx]
		if !ok {
			idx = s.openToolBlock(&b, tc.Get("id").String(), tc.Get("function.name").String())
			s.toolIdx[oaiIdx] = idx
			s.sawTool = true
		}
		if partial := tc.Get("function.arguments").String(); partial != "" {
			writeSSE(&b, "content_block_delta", contentBlockDeltaJSON(idx, "input_json_delta", "partial_json", partial))
			emittedDelta = true
		}
	}

	return []byte(b.String()), emittedDelta, false
}

func (s *StreamTranslator) curIndex() int {
	if len(s.open) == 0 {
		return 0
	}
	return s.open[len(s.open)-1].index
}

func (s *StreamTranslator) ensureTextBlock(b *strings.Builder) {
	if len(s.open) > 0 && s.open[len(s.open)-1].kind == kindText {
		return
	}
	if len(s.open) > 0 {
		s.closeTop(b)
	}
	idx := s.nextIndex
	s.nextIndex++
	writeSSE(b, "content_block_start", contentBlockStartJSON(idx, "text", "", ""))
	s.open = append(s.open, openBlock{index: idx, kind: kindText})
}

func (s *StreamTranslator) openToolBlock(b *strings.Builder, id, name string) int {
	if len(s.open) > 0 {
		s.closeTop(b)
	}
	idx := s.nextIndex
	s.nextIndex++
	writeSSE(b, "content_block_start", contentBlockStartJSON(idx, "tool_use", id, name))
	s.open = append(s.open, openBlock{index: idx, kind: kindTool})
	return idx
}

func (s *StreamTranslator) closeTop(b *strings.Builder) {
	top := s.open[len(s.open)-1]
	writeSSE(b, "content_block_stop", []byte(`{"type":"content_block_stop","index":`+strconv.Itoa(top.index)+`}`))
	s.open = s.open[:len(s.open)-1]
}

// closeAll closes any still-open blocks, most recently opened first, as
// part of "[DONE]" handling.
func (s *StreamTranslator) closeAll(b *strings.Builder) {
	for len(s.open) > 0 {
		s.closeTop(b)
	}
}

func (s *StreamTranslator) emitMessageStart(b *strings.Builder) {
	msg := `{"type":"message_start","message":{"id":"` + s.id + `","type":"message","role":"assistant","model":"` + s.model + `","content":[],"usage":{"input_tokens":0,"output_tokens":0}}}`
	writeSSE(b, "message_start", []byte(msg))
}

func (s *StreamTranslator) emitMessageDelta(b *strings.Builder) {
	stopReason := "end_turn"
	if s.sawTool {
		stopReason = "tool_use"
	}
	payload := `{"type":"message_delta","delta":{"stop_reason":"` + stopReason + `"},"usage":{"output_tokens":` + strconv.FormatInt(s.outputTok, 10) + `}}`
	writeSSE(b, "message_delta", []byte(payload))
}

func contentBlockStartJSON(index int, blockType, toolID, toolName string) []byte {
	switch blockType {
	case "tool_use":
		return []byte(`{"type":"content_block_start","index":` + strconv.Itoa(index) +
			`,"content_block":{"type":"tool_use","id":"` + toolID + `","name":"` + toolName + `","input":{}}}`)
	default:
		return []byte(`{"type":"content_block_start","index":` + strconv.Itoa(index) +
			`,"content_block":{"type":"text","text":""}}`)
	}
}

func contentBlockDeltaJSON(index int, deltaType, field, value string) []byte {
	escaped, _ := json.Marshal(value)
	return []byte(`{"type":"content_block_delta","index":` + strconv.Itoa(index) +
		`,"delta":{"type":"` + deltaType + `","` + field + `":` + string(escaped) + `}}`)
}
