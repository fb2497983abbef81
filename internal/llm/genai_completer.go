// Package llm provides the genai-backed Completer (SPEC_FULL.md §4.K):
// a single-attempt text-completion client over google.golang.org/genai,
// grounded on the teacher's internal/embedding.GenAIEngine client
// construction pattern (same genai.NewClient(ctx, &genai.ClientConfig{...})
// shape), adapted from embeddings to text generation.
package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"qtorque/internal/logging"
	"qtorque/internal/types"
)

const defaultModel = "gemini-2.0-flash"

// GenAICompleter implements types.Completer over Gemini's text generation
// endpoint. Retries are NOT performed here (spec.md §4.D, §7 assign
// retry-on-parse-failure to the Applicator); each Complete call is a
// single attempt whose deadline is the caller's ctx.
type GenAICompleter struct {
	client *genai.Client
	model  string
}

// NewGenAICompleter constructs a Completer backed by the Gemini API.
func NewGenAICompleter(ctx context.Context, apiKey, model string) (*GenAICompleter, error) {
	log := logging.Sugared(logging.CategoryLLM)
	if apiKey == "" {
		return nil, fmt.Errorf("llm: GenAI API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create GenAI client: %w", err)
	}
	log.Infow("GenAI completer client created", "model", model)
	return &GenAICompleter{client: client, model: model}, nil
}

// Complete sends prompt as a single-turn user message and returns the raw
// response text (spec.md §6 "complete(prompt, deadline) -> (text, err)").
// Any failure (malformed/empty response, deadline, rate limit) is
// surfaced as an error for the caller to wrap into a CompleterError.
func (c *GenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	log := logging.Sugared(logging.CategoryLLM)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		log.Warnw("GenAI completion failed", "error", err)
		return "", fmt.Errorf("llm: generate content: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("llm: empty completion response")
	}
	return text, nil
}
