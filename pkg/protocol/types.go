package protocol

import "encoding/json"

// ContentBlock is one element of a message body. Exactly one of the variant
// field sets is populated, selected by Type: "text", "tool_use",
// "tool_result", or "image".
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// FirstText returns the text of the first text block, or "".
func FirstText(blocks []ContentBlock) string {
	for _, b := range blocks {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

// StreamEvent is a parsed NDJSON line from a mind's /message response.
type StreamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// tool_use
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// usage
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// MessageRequest is the body of POST /api/minds/{name}/message and of the
// daemon's forward to the mind's /message endpoint.
type MessageRequest struct {
	Content []ContentBlock `json:"content"`
	Channel string         `json:"channel"`
	Sender  string         `json:"sender,omitempty"`
}

// HealthResponse is the body a mind returns from GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ActivityPayload is the data carried by an EventActivity SSE event.
type ActivityPayload struct {
	Type     string `json:"type"`
	Mind     string `json:"mind"`
	Summary  string `json:"summary,omitempty"`
	Metadata any    `json:"metadata,omitempty"`
}

// TypingPayload is the data carried by an EventTyping SSE event.
type TypingPayload struct {
	Channel string   `json:"channel"`
	Senders []string `json:"senders"`
}
