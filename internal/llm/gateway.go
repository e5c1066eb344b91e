// Package llm wraps a provider with the Ask capability used by conversation
// sessions and the diagram tools.
package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/providers"
)

var tracer = otel.Tracer("codecanvas/llm")

// TokenUsage is the token accounting of the most recent call.
type TokenUsage struct {
	Total  int `json:"total"`
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Gateway is a provider-agnostic Ask capability. The provider and key are
// mutable mid-session; history is never altered by a switch.
type Gateway struct {
	mu       sync.Mutex
	registry *providers.Registry
	provider string
	apiKey   string

	lastUsage TokenUsage
}

// NewGateway creates a gateway over the given registry, initially targeting
// the named provider.
func NewGateway(registry *providers.Registry, provider, apiKey string) *Gateway {
	return &Gateway{registry: registry, provider: provider, apiKey: apiKey}
}

// SetProvider switches the target provider for subsequent calls.
func (g *Gateway) SetProvider(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.provider = name
}

// SetAPIKey replaces the key used for subsequent calls.
func (g *Gateway) SetAPIKey(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apiKey = key
}

// Provider returns the current provider name.
func (g *Gateway) Provider() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.provider
}

// LastUsage returns the token usage recorded by the most recent call.
func (g *Gateway) LastUsage() TokenUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUsage
}

// keyedProvider is implemented by providers whose API key can be replaced.
type keyedProvider interface {
	SetAPIKey(key string)
}

// Ask sends question to the current provider. history is the prior message
// sequence excluding the current user turn; codebaseContent, when non-empty,
// rides along as the system prompt's context section. model overrides the
// provider default. No retries happen at this layer.
func (g *Gateway) Ask(ctx context.Context, question string, history []providers.Message, codebaseContent, model string) (string, error) {
	g.mu.Lock()
	if g.apiKey == "" {
		g.mu.Unlock()
		return "", apperr.New(apperr.Config, "no API key configured")
	}
	providerName, apiKey := g.provider, g.apiKey
	g.mu.Unlock()

	p, err := g.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	if kp, ok := p.(keyedProvider); ok {
		kp.SetAPIKey(apiKey)
	}

	msgs := make([]providers.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, providers.Message{Role: "user", Content: question})

	req := providers.ChatRequest{Messages: msgs, Model: model, System: codebaseContent}

	ctx, span := tracer.Start(ctx, "llm.ask")
	span.SetAttributes(
		attribute.String("llm.provider", providerName),
		attribute.String("llm.model", model),
		attribute.Int("llm.history_len", len(history)),
	)
	defer span.End()

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	usage := TokenUsage{}
	if resp.Usage != nil {
		usage = TokenUsage{
			Total:  resp.Usage.Total(),
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Cached: resp.Usage.CacheReadTokens,
		}
	}

	g.mu.Lock()
	g.lastUsage = usage
	g.mu.Unlock()

	slog.Debug("llm call completed",
		"provider", providerName,
		"model", model,
		"tokens", usage.Total,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return resp.Content, nil
}
