package mapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RerankRequest asks the reranker to pick the best canonical field for a
// source field, given embedding candidates and up to five sample values.
type RerankRequest struct {
	SourceField  string
	Candidates   []Candidate
	SampleValues []any
}

// RerankResult is the reranker's structured decision. Confidence is on a
// 0-100 scale.
type RerankResult struct {
	TargetField string  `json:"target_field"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Reranker scores embedding candidates. A (nil, nil) return means the
// reranker could not produce valid structured output; the caller falls back
// to the highest-similarity candidate.
type Reranker interface {
	Rerank(ctx context.Context, req RerankRequest) (*RerankResult, error)
}

// AnthropicReranker reranks via the Anthropic messages API at temperature 0.
type AnthropicReranker struct {
	apiKey string
	model  string
	client *http.Client
}

// NewAnthropicReranker creates a reranker. model defaults to a small fast
// model when empty.
func NewAnthropicReranker(apiKey, model string) *AnthropicReranker {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicReranker{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *AnthropicReranker) Rerank(ctx context.Context, req RerankRequest) (*RerankResult, error) {
	if r.apiKey == "" {
		return nil, errors.New("missing anthropic api key")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Map the source field %q to one of these canonical healthcare fields:\n", req.SourceField)
	for _, c := range req.Candidates {
		fmt.Fprintf(&prompt, "- %s (similarity %.3f)\n", c.Name, c.Similarity)
	}
	if len(req.SampleValues) > 0 {
		fmt.Fprintf(&prompt, "Sample values: %v\n", req.SampleValues)
	}
	prompt.WriteString(`Respond with only a JSON object: {"target_field": "...", "confidence": 0-100, "reasoning": "..."}`)

	body := map[string]any{
		"model":       r.model,
		"max_tokens":  256,
		"temperature": 0,
		"messages": []map[string]any{
			{"role": "user", "content": prompt.String()},
		},
	}
	jsonBody, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", r.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic api error: %d", resp.StatusCode)
	}

	var apiResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, err
	}

	for _, block := range apiResp.Content {
		if block.Type != "text" {
			continue
		}
		if result := parseRerankJSON(block.Text, req.Candidates); result != nil {
			return result, nil
		}
	}
	// Parse failure is not an error; the caller uses the top candidate.
	return nil, nil
}

// parseRerankJSON extracts the structured decision from model output and
// validates that the chosen field was among the candidates.
func parseRerankJSON(text string, candidates []Candidate) *RerankResult {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}

	var result RerankResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil
	}
	if result.TargetField == "" || result.Confidence < 0 || result.Confidence > 100 {
		return nil
	}
	for _, c := range candidates {
		if c.Name == result.TargetField {
			return &result
		}
	}
	return nil
}
