package unified

import "encoding/json"

// Content block kinds.
const (
	ContentText       = "text"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"
	ContentCode       = "code"
	ContentImage      = "image"
	ContentThinking   = "thinking"
)

// ImageSource carries inline image bytes for image blocks.
type ImageSource struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Content is a discriminated union for message content blocks.
// Type determines which other fields are populated.
//
// Invariants:
//   - type="text":        Text is set
//   - type="tool_use":    ID, Name, Input are set
//   - type="tool_result": ToolUseID, ResultContent (and IsError) are set
//   - type="code":        Language, Code are set
//   - type="image":       Source is set
//   - type="thinking":    Thinking is set
type Content struct {
	Type string `json:"type"`

	// type="text"
	Text string `json:"text,omitempty"`

	// type="tool_use"
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type="tool_result"
	ToolUseID     string `json:"tool_use_id,omitempty"`
	ResultContent any    `json:"content,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`

	// type="code"
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// type="image"
	Source *ImageSource `json:"source,omitempty"`

	// type="thinking"
	Thinking string `json:"thinking,omitempty"`
}

// Text builds a text block.
func Text(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ToolUse builds a tool_use block.
func ToolUse(id, name string, input map[string]any) Content {
	return Content{Type: ContentToolUse, ID: id, Name: name, Input: input}
}

// ToolResult builds a tool_result block.
func ToolResult(toolUseID string, content any, isError bool) Content {
	return Content{Type: ContentToolResult, ToolUseID: toolUseID, ResultContent: content, IsError: isError}
}

// CodeBlock builds a code block.
func CodeBlock(language, code string) Content {
	return Content{Type: ContentCode, Language: language, Code: code}
}

// Image builds an image block from base64 data.
func Image(mediaType, data string) Content {
	return Content{Type: ContentImage, Source: &ImageSource{MediaType: mediaType, Data: data}}
}

// Thinking builds a thinking block.
func Thinking(text string) Content {
	return Content{Type: ContentThinking, Thinking: text}
}

// MarshalJSON emits only the fields relevant to the block type.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ContentText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{c.Type, c.Text})
	case ContentToolUse:
		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{c.Type, c.ID, c.Name, c.Input})
	case ContentToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   any    `json:"content"`
			IsError   bool   `json:"is_error,omitempty"`
		}{c.Type, c.ToolUseID, c.ResultContent, c.IsError})
	case ContentCode:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Language string `json:"language"`
			Code     string `json:"code"`
		}{c.Type, c.Language, c.Code})
	case ContentImage:
		return json.Marshal(struct {
			Type   string       `json:"type"`
			Source *ImageSource `json:"source"`
		}{c.Type, c.Source})
	case ContentThinking:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
		}{c.Type, c.Thinking})
	default:
		type alias Content
		return json.Marshal(alias(c))
	}
}
