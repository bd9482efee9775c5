// Package feedback generates short explanations for missed practice
// answers through an OpenAI-compatible API. It is strictly presentation:
// grading is deterministic and never depends on this package, and any
// failure falls back to the question's catalog explanation.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/prepdeck/internal/model"
)

// Result holds the generated explanation for one missed answer.
type Result struct {
	Explanation string `json:"explanation"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new explanation client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint responds before the server starts taking
// traffic.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM endpoint check: %w", err)
	}
	return nil
}

// Explain asks the model why the submitted answer misses the reference.
// lang selects the explanation language ("en", "ru").
func (c *Client) Explain(ctx context.Context, q model.Question, submitted, lang string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildExplainPrompt(q, lang)},
			{Role: openai.ChatMessageRoleUser, Content: submitted},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return result.Explanation, nil
}

func buildExplainPrompt(q model.Question, lang string) string {
	var sb strings.Builder
	sb.WriteString("You are a tutor on an interview preparation platform. ")
	sb.WriteString("A learner answered the following question incorrectly:\n\n")
	sb.WriteString("QUESTION: " + q.Text + "\n\n")

	if q.ReferenceText != "" {
		sb.WriteString("REFERENCE ANSWER (not shown to the learner):\n" + q.ReferenceText + "\n\n")
	}
	if q.Explanation != "" {
		sb.WriteString("CATALOG EXPLANATION:\n" + q.Explanation + "\n\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Explain in two or three sentences what the learner's answer misses.\n")
	sb.WriteString("- Do not reveal the reference answer verbatim; point at the gap.\n")
	sb.WriteString("- Answer in language: " + lang + "\n")
	sb.WriteString("\nRespond ONLY with a JSON object with this field:\n")
	sb.WriteString(`{"explanation": "<brief explanation>"}`)
	sb.WriteString("\n")

	return sb.String()
}
