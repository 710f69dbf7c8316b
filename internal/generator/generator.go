// Package generator adapts the Anthropic Messages API to the single
// chat-style call the sync engine needs, with retry and token metrics.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/epicforge/storysync/internal/telemetry"
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Generator is the text-generation contract the sync worker consumes.
type Generator interface {
	// Chat sends one system+user prompt pair and returns the text reply.
	Chat(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error)
	// Model identifies the configured model for token attribution.
	Model() string
	// Provider names the backing service for token attribution.
	Provider() string
}

// Client calls the Anthropic API with exponential-backoff retry.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

var _ Generator = (*Client)(nil)

// NewClient creates a generator client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey.
func NewClient(apiKey, model string, maxRetries int, initialBackoff time.Duration) (*Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", errAPIKeyRequired)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	aiMetricsOnce.Do(initAIMetrics)

	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return string(c.model) }

// Provider returns the backing service name.
func (c *Client) Provider() string { return "anthropic" }

// aiMetrics holds lazily-initialized OTel instruments for generator calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/epicforge/storysync/ai")
	aiMetrics.inputTokens, _ = m.Int64Counter("storysync.ai.input_tokens",
		metric.WithDescription("Generator API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("storysync.ai.output_tokens",
		metric.WithDescription("Generator API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("storysync.ai.request.duration",
		metric.WithDescription("Generator API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Chat sends the prompt pair, retrying transient failures with
// exponential backoff (initialBackoff doubled per attempt).
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	tracer := telemetry.Tracer("github.com/epicforge/storysync/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("storysync.ai.model", string(c.model)),
	)

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("storysync.ai.model", string(c.model))
			if aiMetrics.inputTokens != nil {
				aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("storysync.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("storysync.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("storysync.ai.attempts", attempt+1),
			)

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}
