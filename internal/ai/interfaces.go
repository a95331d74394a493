package ai

import (
	"context"
	"fmt"
	"strings"
)

// ChatMessage represents a message in a chat conversation
type ChatMessage struct {
	Role    string
	Content string
}

// ChatConfig holds configuration for chat completions
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatProvider defines the interface for text-to-text chat completions
type ChatProvider interface {
	// ChatCompletion sends a conversation to the LLM and returns the text response
	ChatCompletion(ctx context.Context, messages []ChatMessage, config ChatConfig) (string, error)
}

// Rewrite styles
const (
	StyleSummarize = "summarize"
	StylePrettify  = "prettify"
)

var stylePrompts = map[string]string{
	StyleSummarize: "You are an assistant that summarizes dictated notes. " +
		"Produce a concise summary of the transcript below, preserving all concrete facts, names, numbers and action items. " +
		"Output only the summary, no preamble.",
	StylePrettify: "You are an assistant that cleans up dictated text. " +
		"Fix punctuation, capitalization and obvious transcription errors in the transcript below, " +
		"remove filler words, and break it into readable paragraphs. " +
		"Do not add, remove or reorder information. Output only the cleaned text.",
}

// ValidStyle reports whether style names a known rewrite style
func ValidStyle(style string) bool {
	_, ok := stylePrompts[style]
	return ok
}

// Rewriter turns raw dictation transcripts into cleaned or summarized text
// using a chat provider.
type Rewriter struct {
	provider ChatProvider
	config   ChatConfig
}

// NewRewriter creates a rewriter backed by the given chat provider
func NewRewriter(provider ChatProvider, config ChatConfig) *Rewriter {
	return &Rewriter{
		provider: provider,
		config:   config,
	}
}

// Rewrite applies the named style to the transcript text
func (r *Rewriter) Rewrite(ctx context.Context, style, text string) (string, error) {
	prompt, ok := stylePrompts[style]
	if !ok {
		return "", fmt.Errorf("unknown rewrite style: %s", style)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("transcript is empty")
	}

	messages := []ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: text},
	}

	result, err := r.provider.ChatCompletion(ctx, messages, r.config)
	if err != nil {
		return "", fmt.Errorf("rewrite failed: %w", err)
	}
	return strings.TrimSpace(result), nil
}
