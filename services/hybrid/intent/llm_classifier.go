// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hybridflow/services/hybrid/llm"
)

// classificationPromptTemplate is the optimized prompt for mode
// classification. Kept short to minimize input tokens.
const classificationPromptTemplate = `You are an intent classifier for a business automation assistant.

Classify the user's request into exactly one execution mode:
- workflow: a structured, repeatable business process should run (reports, migrations, syncs, batch jobs)
- conversational: the user wants information, explanation, or dialogue
- hybrid: guided troubleshooting or a task that interleaves steps with discussion

User request:
{{.Utterance}}

Respond with ONLY valid JSON (no markdown, no preamble):
{"mode":"workflow|conversational|hybrid","confidence":0.0-1.0,"reasoning":"brief"}`

// llmClassification is the JSON shape the model must return.
type llmClassification struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// LLMClassifier is the third, most expensive classification tier.
//
// Description:
//
//	Wraps an LLM client with request coalescing, a process-wide rate
//	limit, bounded concurrency, and retry with exponential backoff.
//	Malformed model output is retried, not trusted.
//
// Thread Safety: This type is safe for concurrent use after initialization.
type LLMClassifier struct {
	client         llm.Client
	config         RouterConfig
	promptTemplate *template.Template
	inflight       singleflight.Group
	limiter        *rate.Limiter
	semaphore      chan struct{}
}

// NewLLMClassifier creates the LLM tier.
//
// Inputs:
//
//	client - LLM client for classification calls. Must not be nil.
//	config - Router configuration. Will be validated.
//
// Outputs:
//
//	*LLMClassifier - Ready-to-use classifier.
//	error - If client is nil or config invalid.
//
// Thread Safety: The returned classifier is safe for concurrent use.
func NewLLMClassifier(client llm.Client, config RouterConfig) (*LLMClassifier, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tmpl, err := template.New("classify").Parse(classificationPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}

	var limiter *rate.Limiter
	if config.LLMRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.LLMRatePerSecond), 1)
	}

	var semaphore chan struct{}
	if config.LLMMaxConcurrent > 0 {
		semaphore = make(chan struct{}, config.LLMMaxConcurrent)
	}

	return &LLMClassifier{
		client:         client,
		config:         config,
		promptTemplate: tmpl,
		limiter:        limiter,
		semaphore:      semaphore,
	}, nil
}

// Classify asks the model to pick a mode for the utterance.
//
// Description:
//
//	Coalesces identical concurrent utterances into one model call and
//	retries transient failures with exponential backoff. Context
//	cancellation aborts immediately and is returned to the caller; all
//	other errors surface so the router can apply its terminal fallback.
//
// Thread Safety: This method is safe for concurrent use.
func (c *LLMClassifier) Classify(ctx context.Context, utterance string) (Decision, error) {
	key := c.coalesceKey(utterance)
	resultInterface, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.classifyWithRetry(ctx, utterance)
	})
	if err != nil {
		return Decision{}, err
	}
	return resultInterface.(Decision), nil
}

// classifyWithRetry performs classification with retry logic.
func (c *LLMClassifier) classifyWithRetry(ctx context.Context, utterance string) (Decision, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.LLMMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.LLMRetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		decision, err := c.doClassify(ctx, utterance)
		if err == nil {
			return decision, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}

		slog.Debug("llm classification attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.config.LLMMaxRetries),
			slog.String("error", err.Error()),
		)
		llmRetryTotal.Inc()
	}

	return Decision{}, fmt.Errorf("llm classification failed after %d attempts: %w",
		c.config.LLMMaxRetries+1, lastErr)
}

// doClassify performs a single classification attempt.
func (c *LLMClassifier) doClassify(ctx context.Context, utterance string) (Decision, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Decision{}, err
		}
	}
	if c.semaphore != nil {
		select {
		case c.semaphore <- struct{}{}:
			defer func() { <-c.semaphore }()
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}

	prompt, err := c.buildPrompt(utterance)
	if err != nil {
		return Decision{}, fmt.Errorf("build prompt: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.LLMTimeout)
	defer cancel()

	temp := float32(0.1)
	maxTokens := 200
	response, err := c.client.Generate(reqCtx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("llm call: %w", err)
	}

	parsed, err := parseClassification(response)
	if err != nil {
		return Decision{}, fmt.Errorf("parse response: %w", err)
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(parsed.Mode)))
	if !mode.Valid() {
		return Decision{}, fmt.Errorf("model returned unknown mode %q", parsed.Mode)
	}

	return Decision{
		Mode:       mode,
		Confidence: clampConfidence(parsed.Confidence),
		Tier:       TierLLM,
		Reasoning:  parsed.Reasoning,
	}, nil
}

// buildPrompt renders the classification prompt.
func (c *LLMClassifier) buildPrompt(utterance string) (string, error) {
	data := struct{ Utterance string }{Utterance: utterance}
	var buf bytes.Buffer
	if err := c.promptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// coalesceKey creates a singleflight key for the utterance.
func (c *LLMClassifier) coalesceKey(utterance string) string {
	h := sha256.New()
	h.Write([]byte(utterance))
	return hex.EncodeToString(h.Sum(nil))
}

// parseClassification extracts the JSON object from model output,
// tolerating markdown fences and preamble text around it.
func parseClassification(content string) (llmClassification, error) {
	var result llmClassification

	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// Locate the outermost JSON object in case the model added prose.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return result, fmt.Errorf("no JSON object in model output")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return result, fmt.Errorf("unmarshal model output: %w", err)
	}
	return result, nil
}
