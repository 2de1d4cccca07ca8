package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder turns text into a vector for similarity ranking.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	localEmbeddingModel  = "flint-chargram-384-v1"
	localEmbeddingDims   = 384
	defaultOpenAIEmbeder = "text-embedding-3-small"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-']+`)

// ChargramEmbedder hashes character trigrams and word tokens into a fixed
// dimension vector. Deterministic and offline.
type ChargramEmbedder struct {
	dims int
}

func NewChargramEmbedder() *ChargramEmbedder {
	return &ChargramEmbedder{dims: localEmbeddingDims}
}

func (e *ChargramEmbedder) ModelID() string { return localEmbeddingModel }

func (e *ChargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[e.bucket(window[i:i+3])] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[e.bucket("tok:"+token)] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

func (e *ChargramEmbedder) bucket(s string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(e.dims))
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIEmbeder
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (e *OpenAIEmbedder) ModelID() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	normalizeVector(vec)
	return vec, nil
}

// NewEmbedder picks an embedder by provider name; unknown names use the local one.
func NewEmbedder(provider, apiKey, baseURL, model string) Embedder {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		if strings.TrimSpace(apiKey) != "" {
			return NewOpenAIEmbedder(apiKey, baseURL, model)
		}
	}
	return NewChargramEmbedder()
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity assumes both vectors are normalized.
func cosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}

func tokenOverlap(query, content string) float64 {
	q := tokenize(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, tok := range tokenize(content) {
		have[tok] = struct{}{}
	}
	hits := 0
	for _, tok := range q {
		if _, ok := have[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}
