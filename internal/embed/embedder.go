// Package embed generates fixed-dimension vectors for transaction
// descriptions through the Gemini embedding API.
package embed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/avaldez/finsight/internal/config"
)

// Embedder produces one vector per input string, order preserved.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Text builds the string that gets embedded for a transaction. The category
// tag is appended because raw merchant codes ("7 ELEVEN T2695") are poor
// tokens for a similarity model on their own.
func Text(description string, category *string) string {
	if category != nil && *category != "" {
		return description + " [" + *category + "]"
	}
	return description
}

// apiCaller is the one network-touching seam; tests swap it out.
type apiCaller interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Gemini batches and retries calls to the embedding API. Batches are capped
// to respect request-size limits; a batch that still fails after the retry
// budget fails the whole call, so no caller ever stores a partial result.
type Gemini struct {
	caller     apiCaller
	batchSize  int
	maxRetries int
	log        *zap.SugaredLogger
}

// NewGemini builds an Embedder from config.
func NewGemini(ctx context.Context, cfg config.EmbeddingConfig, log *zap.SugaredLogger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{
		caller:     &genaiCaller{client: client, model: cfg.Model, dimensions: int32(cfg.Dimensions)},
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		log:        log,
	}, nil
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := g.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (g *Gemini) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			g.log.Warnf("embedding attempt %d failed, retrying in %s: %v", attempt, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		vecs, err := g.caller.embed(ctx, texts)
		if err != nil {
			lastErr = err
			continue
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(vecs), len(texts))
		}
		return vecs, nil
	}
	return nil, lastErr
}

type genaiCaller struct {
	client     *genai.Client
	model      string
	dimensions int32
}

func (c *genaiCaller) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := c.client.Models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(c.dimensions),
	})
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vecs[i] = e.Values
	}
	return vecs, nil
}
