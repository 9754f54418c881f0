// Package embeddings provides text embedding and vector search primitives
// shared by the field mapper and policy sync.
package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Embedding represents a dense vector.
type Embedding []float32

// Embedder interface for getting vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-length inputs.
func Cosine(a, b Embedding) float64 {
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

// OpenAIEmbedder uses the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey string
	model  string
	client *http.Client
}

// NewOpenAIEmbedder creates an embedder for the given model
// (e.g. "text-embedding-3-small").
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if e.apiKey == "" {
		return nil, errors.New("missing openai api key")
	}

	reqBody := map[string]any{
		"input": text,
		"model": e.model,
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai api error: %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// LocalEmbedder produces deterministic hash-derived vectors. It is the
// offline fallback (EMBEDDING_MODEL=local) and the test embedder: identical
// texts embed identically and token overlap raises similarity.
type LocalEmbedder struct {
	Dim int
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{Dim: 256}
}

func (e *LocalEmbedder) Embed(_ context.Context, text string) (Embedding, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 256
	}
	vec := make(Embedding, dim)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		for i := 0; i < 8; i++ {
			idx := binary.BigEndian.Uint32(sum[i*4:]) % uint32(dim)
			vec[idx] += 1
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	var tokens []string
	var cur []rune
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			cur = append(cur, r)
			continue
		}
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = nil
		}
	}
	if len(cur) > 0 {
		tokens = append(tokens, string(cur))
	}
	return tokens
}

// ForModel returns the embedder selected by the EMBEDDING_MODEL setting.
func ForModel(model, openAIKey string) Embedder {
	if model == "" || model == "local" {
		return NewLocalEmbedder()
	}
	return NewOpenAIEmbedder(openAIKey, model)
}
