package llm

import (
	"context"
	"strings"
)

// ContentBlock is one block of model output, matching the messages-style
// wire shape {"content": [{"type": "text", "text": ...}]}.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage contains token usage and cost information for a model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Request is one transcription call. ImageBase64 carries the photo payload
// encoded with standard base64; MIMEType defaults to image/jpeg.
type Request struct {
	Prompt      string
	ImageBase64 string
	MIMEType    string
	MaxTokens   int
}

// Response is the model's reply plus accounting data.
type Response struct {
	Content []ContentBlock
	Model   string
	Usage   Usage
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// Client is a vision-capable model endpoint.
type Client interface {
	// Invoke sends one prompt, optionally with an image, and returns the
	// model's response.
	Invoke(ctx context.Context, req Request) (*Response, error)
	// Ping checks that the endpoint is reachable and credentials work,
	// without burning a full generation call.
	Ping(ctx context.Context) error
	// Name identifies the endpoint in logs.
	Name() string
}
