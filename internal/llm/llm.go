// Package llm wraps the Anthropic API for session summarization.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// FailureKind classifies summarization failures so the pipeline can decide
// what to do: none of these are fatal to the session, but rate limits carry a
// retry-after hint for the recovery sweep.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureAuth
	FailureRateLimit
	FailureTimeout
	FailureServer
)

// Error is a classified summarization failure.
type Error struct {
	Kind       FailureKind
	RetryAfter time.Duration // nonzero only for rate limits with a hint
	Err        error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

const systemPrompt = `You summarize coding sessions between a developer and an AI assistant. Given a condensed transcript, write a 2-4 sentence summary of what was accomplished: the goal, the main changes made, and the outcome. Write in past tense, plain prose. No markdown, no preamble, no bullet points.`

// Client wraps the Anthropic API for transcript summarization.
type Client struct {
	api         *anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewClient creates a summarization client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:         &client,
		model:       anthropic.Model(model),
		maxTokens:   512,
		temperature: 0.3,
	}
}

// Summarize sends a rendered transcript prompt to the LLM and returns a short
// free-text summary. Failures are returned as *Error with a classified kind.
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", &Error{Kind: FailureServer, Err: fmt.Errorf("no text content in API response")}
	}
	return strings.TrimSpace(text), nil
}

// classify maps SDK errors onto the failure taxonomy.
func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: FailureTimeout, Err: fmt.Errorf("anthropic API call: %w", err)}
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return &Error{Kind: FailureAuth, Err: fmt.Errorf("anthropic API call: %w", err)}
		case 429:
			e := &Error{Kind: FailureRateLimit, Err: fmt.Errorf("anthropic API call: %w", err)}
			if apierr.Response != nil {
				if secs, parseErr := strconv.Atoi(apierr.Response.Header.Get("Retry-After")); parseErr == nil {
					e.RetryAfter = time.Duration(secs) * time.Second
				}
			}
			return e
		case 500, 502, 503, 529:
			return &Error{Kind: FailureServer, Err: fmt.Errorf("anthropic API call: %w", err)}
		}
	}
	return &Error{Kind: FailureUnknown, Err: fmt.Errorf("anthropic API call: %w", err)}
}
