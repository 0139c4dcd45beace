// Package summarizer wraps the external language model behind a small
// Completer interface and classifies its failures into typed kinds.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Completer is the language-model boundary consumed by the workers. Tests
// substitute a counting fake.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
	Close() error
}

// GeminiClient implements Completer on top of Google Gemini.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed Completer.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summarizer: API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("summarizer: create client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends one prompt and returns the generated text. Failures come
// back as *Error with a classified Kind; an empty or refused response is
// KindContentRejected.
func (c *GeminiClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.1)
	model.SetTopP(0.9)
	model.SetMaxOutputTokens(int32(maxTokens))

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", newError(classify(err), "generate content", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	if IsRefusal(text) {
		return "", newError(KindContentRejected, "model refused the content", nil)
	}
	return text, nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", newError(KindContentRejected, "empty response", nil)
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", newError(KindContentRejected, "no text in response", nil)
	}
	return text, nil
}

// refusalMarkers are phrases the model emits when it declines to summarize.
// A refusal must never be stored as a usable summary.
var refusalMarkers = []string{
	"i'm sorry",
	"i cannot fulfill",
	"cannot fulfill",
	"i can't assist",
	"lo siento",
	"no puedo cumplir",
}

// IsRefusal reports whether generated text is a refusal rather than a
// summary.
func IsRefusal(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return true
	}
	for _, marker := range refusalMarkers {
		if strings.HasPrefix(lowered, marker) || (len(lowered) < 200 && strings.Contains(lowered, marker)) {
			return true
		}
	}
	return false
}
