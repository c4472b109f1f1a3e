package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Reranker talks to a cross-encoder serving the common /rerank API. It is a
// separate endpoint from the generation model: reranking every cache lookup
// through a generative prompt would be both slow and unstable.
type Reranker struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewReranker(baseURL, model string) *Reranker {
	return &Reranker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Reranker) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model":     r.model,
		"query":     query,
		"documents": candidates,
	}

	var response struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	client := &Client{baseURL: r.baseURL, httpClient: r.httpClient}
	if err := client.postJSON(ctx, "/rerank", request, &response, "rerank"); err != nil {
		return nil, wrapTemporaryIfNeeded("rerank", err)
	}
	if len(response.Results) != len(candidates) {
		return nil, fmt.Errorf("rerank returned %d scores for %d candidates", len(response.Results), len(candidates))
	}

	scores := make([]float64, len(candidates))
	for _, res := range response.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank index %d out of range", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}
