// Package mapper resolves source field names to the canonical healthcare
// schema. Resolution runs through per-invocation overrides, alias lookup,
// case transformation, embedding similarity, and an optional LLM rerank for
// confidence scoring.
package mapper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianhealth/ingest/pkg/embeddings"
	"github.com/meridianhealth/ingest/pkg/schema"
)

// Method records how a field mapping decision was made.
type Method string

const (
	MethodAlias    Method = "alias"
	MethodSemantic Method = "semantic"
	MethodRerank   Method = "llm_rerank"
	MethodManual   Method = "manual"
)

// Rerank confidence bands (0-100 scale).
const (
	ConfidenceAutoAccept = 85
	ConfidenceReview     = 50
)

// Resolution is a single source-field mapping decision.
type Resolution struct {
	SourceField string
	TargetField string
	Confidence  float64 // 0..1
	Method      Method
	Reasoning   string
	NeedsReview bool
}

// Candidate is one embedding-similarity match.
type Candidate struct {
	Name       string
	Similarity float64
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithEmbedder enables the embedding fallback stage.
func WithEmbedder(e embeddings.Embedder) Option {
	return func(m *Mapper) { m.embedder = e }
}

// WithReranker enables LLM confidence reranking of embedding candidates.
func WithReranker(r Reranker) Option {
	return func(m *Mapper) { m.reranker = r }
}

// WithThreshold sets the minimum cosine similarity for embedding candidates.
// A similarity exactly at the threshold is accepted.
func WithThreshold(t float64) Option {
	return func(m *Mapper) { m.threshold = t }
}

// Mapper resolves source fields against a canonical catalog.
type Mapper struct {
	catalog   *schema.Catalog
	embedder  embeddings.Embedder
	reranker  Reranker
	threshold float64
	topK      int

	cache      *lru.Cache[string, embeddings.Embedding]
	fieldVecs  map[string]embeddings.Embedding
	fieldOrder []string
}

// New creates a Mapper over the given catalog.
func New(catalog *schema.Catalog, opts ...Option) *Mapper {
	cache, _ := lru.New[string, embeddings.Embedding](1000)
	m := &Mapper{
		catalog:   catalog,
		threshold: 0.3,
		topK:      5,
		cache:     cache,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve maps one source field name to a canonical field. A nil Resolution
// with nil error means the field could not be resolved.
func (m *Mapper) Resolve(ctx context.Context, field string, overrides map[string]string, samples []any) (*Resolution, error) {
	// 1. Custom per-invocation overrides, case-insensitive.
	for k, v := range overrides {
		if strings.EqualFold(k, field) {
			return &Resolution{SourceField: field, TargetField: v, Confidence: 1, Method: MethodManual}, nil
		}
	}

	// 2. Canonical alias lookup.
	if canonical, ok := m.catalog.ResolveAlias(field); ok {
		return &Resolution{SourceField: field, TargetField: canonical, Confidence: 1, Method: MethodAlias}, nil
	}

	// 3. Case transformation, then alias lookup again.
	if snake := camelToSnake(field); snake != field {
		if canonical, ok := m.catalog.ResolveAlias(snake); ok {
			return &Resolution{SourceField: field, TargetField: canonical, Confidence: 1, Method: MethodAlias}, nil
		}
	}

	// 4. Embedding similarity, only when enabled.
	if m.embedder == nil {
		return nil, nil
	}
	candidates, err := m.embeddingCandidates(ctx, field)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 5. Optional LLM rerank of the top-K candidates.
	if m.reranker != nil {
		if len(samples) > 5 {
			samples = samples[:5]
		}
		result, err := m.reranker.Rerank(ctx, RerankRequest{
			SourceField:  field,
			Candidates:   candidates,
			SampleValues: samples,
		})
		if err != nil {
			return nil, err
		}
		if result != nil {
			switch {
			case result.Confidence >= ConfidenceAutoAccept:
				return &Resolution{
					SourceField: field,
					TargetField: result.TargetField,
					Confidence:  result.Confidence / 100,
					Method:      MethodRerank,
					Reasoning:   result.Reasoning,
				}, nil
			case result.Confidence >= ConfidenceReview:
				return &Resolution{
					SourceField: field,
					TargetField: result.TargetField,
					Confidence:  result.Confidence / 100,
					Method:      MethodRerank,
					Reasoning:   result.Reasoning,
					NeedsReview: true,
				}, nil
			default:
				// Low confidence: queue for manual resolution.
				return nil, nil
			}
		}
		// Structured-output parse failure: fall through to the best
		// embedding candidate.
	}

	best := candidates[0]
	return &Resolution{
		SourceField: field,
		TargetField: best.Name,
		Confidence:  best.Similarity,
		Method:      MethodSemantic,
	}, nil
}

// embeddingCandidates returns the top-K canonical fields whose description
// vectors score at or above the similarity threshold.
func (m *Mapper) embeddingCandidates(ctx context.Context, field string) ([]Candidate, error) {
	if err := m.ensureFieldVectors(ctx); err != nil {
		return nil, err
	}

	normalized := normalizeSourceField(field)
	vec, ok := m.cache.Get(normalized)
	if !ok {
		var err error
		vec, err = m.embedder.Embed(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %q: %w", field, err)
		}
		m.cache.Add(normalized, vec)
	}

	var candidates []Candidate
	for _, name := range m.fieldOrder {
		sim := embeddings.Cosine(vec, m.fieldVecs[name])
		if sim >= m.threshold {
			candidates = append(candidates, Candidate{Name: name, Similarity: sim})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > m.topK {
		candidates = candidates[:m.topK]
	}
	return candidates, nil
}

// ensureFieldVectors encodes each canonical field once as
// "name | description | first-3-aliases".
func (m *Mapper) ensureFieldVectors(ctx context.Context) error {
	if m.fieldVecs != nil {
		return nil
	}
	vecs := make(map[string]embeddings.Embedding)
	var order []string
	for _, def := range m.catalog.Fields() {
		aliases := def.Aliases
		if len(aliases) > 3 {
			aliases = aliases[:3]
		}
		text := def.Name + " | " + def.Description + " | " + strings.Join(aliases, " ")
		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("failed to encode canonical field %q: %w", def.Name, err)
		}
		vecs[def.Name] = vec
		order = append(order, def.Name)
	}
	m.fieldVecs = vecs
	m.fieldOrder = order
	return nil
}

// nonSemanticPrefixes are stripped from source fields before encoding.
var nonSemanticPrefixes = []string{"fld_", "col_", "txt_", "num_", "dt_", "cd_"}

// normalizeSourceField prepares a source field name for embedding: strips
// non-semantic prefixes, splits camelCase and underscores, lowercases.
func normalizeSourceField(field string) string {
	lower := strings.ToLower(field)
	for _, prefix := range nonSemanticPrefixes {
		if strings.HasPrefix(lower, prefix) {
			field = field[len(prefix):]
			break
		}
	}
	snake := camelToSnake(field)
	return strings.Join(strings.FieldsFunc(snake, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	}), " ")
}

// camelToSnake converts camelCase to snake_case, leaving existing
// snake_case untouched.
func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
					b.WriteRune('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
