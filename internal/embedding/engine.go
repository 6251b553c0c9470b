// Package embedding provides vector embedding generation for hybrid
// memory search. Supports Ollama (local) and Google GenAI (cloud)
// backends behind a common engine interface.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/singleflight"

	"baagent/internal/config"
	"baagent/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine name, e.g. "ollama:embeddinggemma".
	Name() string
}

// NewEngine creates an embedding engine from configuration. An empty
// provider returns (nil, nil): the index then runs FTS-only.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)

	switch cfg.Provider {
	case "":
		log.Info("no embedding provider configured; hybrid search disabled")
		return nil, nil
	case "ollama":
		log.Info("initializing ollama embedding engine: endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return newOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		log.Info("initializing genai embedding engine: model=%s task=%s", cfg.GenAIModel, cfg.TaskType)
		return newGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// Deduped wraps an engine so concurrent Embed calls for identical text
// collapse into one backend request.
type Deduped struct {
	inner Engine
	group singleflight.Group
}

// NewDeduped wraps an engine with request coalescing. A nil inner engine
// yields a nil Deduped.
func NewDeduped(inner Engine) *Deduped {
	if inner == nil {
		return nil
	}
	return &Deduped{inner: inner}
}

func (d *Deduped) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err, _ := d.group.Do(text, func() (interface{}, error) {
		return d.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (d *Deduped) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return d.inner.EmbedBatch(ctx, texts)
}

func (d *Deduped) Dimensions() int { return d.inner.Dimensions() }
func (d *Deduped) Name() string    { return d.inner.Name() }

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched dimensions or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Similarity pairs a corpus index with its similarity to a query.
type Similarity struct {
	Index int
	Score float64
}

// TopK returns the k corpus vectors most similar to query, best first.
func TopK(query []float32, corpus [][]float32, k int) []Similarity {
	if k <= 0 {
		k = 10
	}
	results := make([]Similarity, 0, len(corpus))
	for i, v := range corpus {
		results = append(results, Similarity{Index: i, Score: CosineSimilarity(query, v)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}
