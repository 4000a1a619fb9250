package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion = "2023-06-01"
)

// Anthropic pricing (per million tokens)
const (
	anthropicInputPricePerMillion  = 3.00
	anthropicOutputPricePerMillion = 15.00
)

const defaultMaxTokens = 2048

// AnthropicClient transcribes receipt photos with Anthropic's messages API.
// It serves as the secondary endpoint when Gemini is unavailable.
type AnthropicClient struct {
	httpClient *resty.Client
	model      string
}

// AnthropicOpts configures the client. Zero values fall back to the public
// API URL, the ANTHROPIC_API_KEY environment variable and the default model.
type AnthropicOpts struct {
	BaseURL string
	APIKey  string
	Model   string
}

func NewAnthropicClient(opts AnthropicOpts) *AnthropicClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	model := opts.Model
	if model == "" {
		model = anthropicModel
	}

	httpClient := resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetHeaders(map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
			"Content-Type":      "application/json",
		})

	return &AnthropicClient{httpClient: httpClient, model: model}
}

func (a *AnthropicClient) Name() string {
	return "anthropic"
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke sends the prompt and optional image to the messages endpoint.
func (a *AnthropicClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	var content []anthropicContent
	if req.ImageBase64 != "" {
		mimeType := req.MIMEType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		content = append(content, anthropicContent{
			Type: "image",
			Source: &anthropicImageSource{
				Type:      "base64",
				MediaType: mimeType,
				Data:      req.ImageBase64,
			},
		})
	}
	content = append(content, anthropicContent{Type: "text", Text: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: content}},
	}

	result := &anthropicResponse{}
	res, err := a.httpClient.NewRequest().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post("/v1/messages")
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("request failed: %s %s (status: %d): %s",
			res.Request.Method, res.Request.URL, res.StatusCode(), res.String())
	}
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("no response content from Anthropic")
	}

	usage := Usage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.InputTokens + result.Usage.OutputTokens,
	}
	usage.CostUSD = calculateAnthropicCost(usage.InputTokens, usage.OutputTokens)

	model := result.Model
	if model == "" {
		model = a.model
	}

	log.Info().
		Str("model", model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("vision llm call")

	return &Response{
		Content: result.Content,
		Model:   model,
		Usage:   usage,
	}, nil
}

// Ping lists models, which exercises connectivity and the API key without a
// generation call.
func (a *AnthropicClient) Ping(ctx context.Context) error {
	res, err := a.httpClient.NewRequest().
		SetContext(ctx).
		Get("/v1/models")
	if err != nil {
		return fmt.Errorf("anthropic ping failed: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("anthropic ping failed: %s %s (status: %d)",
			res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return nil
}

func calculateAnthropicCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * anthropicInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * anthropicOutputPricePerMillion
	return inputCost + outputCost
}
