package tool

// Content is one item of an MCP-style tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Result is the MCP content envelope: {"content":[...]}.
type Result struct {
	Content []Content `json:"content"`
}

// TextResult wraps text as a single text content item.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// JSONResult wraps data as a single json content item.
func JSONResult(data any) Result {
	return Result{Content: []Content{{Type: "json", Data: data}}}
}
