package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/model"
	"github.com/sells-group/bid-analyzer/internal/resilience"
	"github.com/sells-group/bid-analyzer/pkg/anthropic"
)

// GenerativeExtractor returns JSON conforming to schema for a prompt.
type GenerativeExtractor interface {
	Extract(ctx context.Context, prompt, schema string) (json.RawMessage, error)
}

// AnthropicGenerator implements GenerativeExtractor over the Messages API.
// Calls are retried on transient failures and pass through a circuit
// breaker; any provider failure surfaces as ErrServiceUnavailable.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryConfig
}

// NewAnthropicGenerator creates a generator. breaker may be nil.
func NewAnthropicGenerator(client anthropic.Client, model string, maxTokens int64, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig) *AnthropicGenerator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	return &AnthropicGenerator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		breaker:   breaker,
		retry:     retry,
	}
}

const systemInstructions = `You extract contractor requirements from government solicitation documents. Respond with a single JSON object and nothing else. The object must match this schema:

`

// Extract implements GenerativeExtractor.
func (g *AnthropicGenerator) Extract(ctx context.Context, prompt, schema string) (json.RawMessage, error) {
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemInstructions + schema),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	}

	resp, err := resilience.Call(ctx, g.breaker, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := g.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, classifyProviderError(err)
		}
		return resp, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "extract: generative call cancelled")
		}
		return nil, eris.Wrapf(ErrServiceUnavailable, "%v", err)
	}
	resp.Usage.LogCost(g.model, "extract")

	raw, ok := findJSONObject(resp.Text())
	if !ok {
		return nil, eris.Wrap(ErrParseFailure, "response contains no JSON object")
	}
	return raw, nil
}

// classifyProviderError marks rate limits, overloads and 5xx responses as
// transient so they are retried.
func classifyProviderError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && (resilience.IsTransientHTTPStatus(apiErr.StatusCode) || apiErr.StatusCode == 529) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

// findJSONObject returns the outermost {...} in s, tolerating markdown
// fences and surrounding prose.
func findJSONObject(s string) (json.RawMessage, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	raw := json.RawMessage(s[start : end+1])
	if !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

type generativeItem struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

// parseRequirements decodes {"requirements": [...]}. The array is required;
// items without text are skipped.
func parseRequirements(raw json.RawMessage, source string) ([]model.Requirement, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, eris.Wrapf(ErrParseFailure, "%s: %v", source, err)
	}
	arr, ok := envelope["requirements"]
	if !ok {
		return nil, eris.Wrapf(ErrParseFailure, "%s: missing requirements array", source)
	}
	var items []generativeItem
	if err := json.Unmarshal(arr, &items); err != nil || items == nil {
		return nil, eris.Wrapf(ErrParseFailure, "%s: requirements is not an array of objects", source)
	}

	out := make([]model.Requirement, 0, len(items))
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		cat := model.ParseCategory(it.Category)
		if strings.TrimSpace(it.Category) == "" {
			cat = inferCategory(text)
		}
		prio, err := model.ParsePriority(it.Priority)
		if err != nil {
			prio = inferPriority(text)
		}
		out = append(out, model.Requirement{
			Text:           text,
			Category:       cat,
			Priority:       prio,
			SourceDocument: source,
			Origin:         model.RequirementGenerative,
		})
	}
	return out, nil
}

func logSkipped(source string, err error) {
	zap.L().Warn("extract: generative output discarded", zap.String("source", source), zap.Error(err))
}
