package procmgr

import (
	"encoding/json"
)

// streamLine is one NDJSON envelope from the agent CLI's stdout when
// running with --output-format stream-json. Only the fields the
// transcriber needs are decoded; everything else is forwarded verbatim
// to subscribers as raw output.
type streamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *streamMessage `json:"message,omitempty"`
	Usage     *streamUsage   `json:"usage,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	Usage   *streamUsage   `json:"usage,omitempty"`
}

// contentBlock is one element of a message's content array. The Type
// discriminates: "text" carries Text, "tool_use" carries Name/Input/ID,
// "tool_result" carries ToolUseID/Content.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *streamUsage) total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// resultText flattens a tool_result content payload to text. The CLI
// emits either a plain string or an array of text blocks.
func (b contentBlock) resultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return string(b.Content)
	}
	var out string
	for _, blk := range blocks {
		if blk.Type == "text" {
			out += blk.Text
		}
	}
	return out
}
