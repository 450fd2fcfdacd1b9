package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sluicehq/sluice/pkg/events"
)

// taggingSystemPrompt keeps the model on a strict JSON contract.
const taggingSystemPrompt = `You label chat posts for a content index.
Return ONLY a JSON object of the form
{"tags": [".."], "topics": [".."]}
with at most %d short lowercase tags and at most 3 broader topics.
No prose, no markdown fences.`

// visionSystemPrompt demands the structured result the pipeline validates.
const visionSystemPrompt = `You analyse one image or document for a content index.
Return ONLY a JSON object with keys:
classification (string), description (string, >= 5 chars),
labels (<= 20 strings), objects (<= 10 strings), is_meme (bool),
ocr_text (string, optional), nsfw_score (0..1), aesthetic_score (0..1),
dominant_colors (<= 5 hex strings).
No prose, no markdown fences.`

// AnthropicTagger implements Tagger on the Anthropic Messages API.
type AnthropicTagger struct {
	client  anthropic.Client
	model   string
	maxTags int
}

// NewAnthropicTagger builds a tagger for the given model.
func NewAnthropicTagger(apiKey, model string, maxTags int) *AnthropicTagger {
	return &AnthropicTagger{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		maxTags: maxTags,
	}
}

// Tag implements Tagger. The extra context string (vision description,
// OCR) is appended to the prompt when present.
func (t *AnthropicTagger) Tag(ctx context.Context, text, extra string) (TagResult, error) {
	var sb strings.Builder
	sb.WriteString("Post text:\n")
	sb.WriteString(text)
	if extra != "" {
		sb.WriteString("\n\nAdditional context from image analysis:\n")
		sb.WriteString(extra)
	}

	start := time.Now()
	resp, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: fmt.Sprintf(taggingSystemPrompt, t.maxTags)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return TagResult{}, transientf("anthropic tagging call: %w", err)
	}

	var parsed struct {
		Tags   []string `json:"tags"`
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(firstText(resp)), &parsed); err != nil {
		return TagResult{}, fmt.Errorf("%w: tagging output: %w", ErrInvalidResponse, err)
	}

	tags := events.NormalizeTags(parsed.Tags)
	if len(tags) > t.maxTags {
		tags = tags[:t.maxTags]
	}
	return TagResult{
		Tags:       tags,
		Topics:     events.NormalizeTags(parsed.Topics),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}

// AnthropicVision implements Vision on the Anthropic Messages API.
type AnthropicVision struct {
	client anthropic.Client
	model  string
}

// NewAnthropicVision builds a vision adapter for the given model.
func NewAnthropicVision(apiKey, model string) *AnthropicVision {
	return &AnthropicVision{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Provider implements Vision.
func (v *AnthropicVision) Provider() string { return "anthropic" }

// Model implements Vision.
func (v *AnthropicVision) Model() string { return v.model }

// Analyze implements Vision. The result is validated against the strict
// schema before it is returned; a violating output is a permanent error.
func (v *AnthropicVision) Analyze(ctx context.Context, data []byte, mimeType string) (VisionCall, error) {
	encoded := base64.StdEncoding.EncodeToString(data)

	start := time.Now()
	resp, err := v.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(v.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: visionSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mimeType, encoded),
				anthropic.NewTextBlock("Analyse this media."),
			),
		},
	})
	if err != nil {
		return VisionCall{}, transientf("anthropic vision call: %w", err)
	}

	var result events.VisionResult
	if err := json.Unmarshal([]byte(firstText(resp)), &result); err != nil {
		return VisionCall{}, fmt.Errorf("%w: vision output: %w", ErrInvalidResponse, err)
	}
	if err := events.ValidateResult(&result); err != nil {
		return VisionCall{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return VisionCall{
		Result:     result,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		Latency:    time.Since(start),
	}, nil
}

// firstText extracts the first text block of a response, trimming the
// markdown fences smaller models sometimes add despite instructions.
func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text := strings.TrimSpace(b.Text)
			text = strings.TrimPrefix(text, "```json")
			text = strings.TrimPrefix(text, "```")
			text = strings.TrimSuffix(text, "```")
			return strings.TrimSpace(text)
		}
	}
	return ""
}
