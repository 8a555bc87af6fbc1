// Package retrieval provides embeddings and vector-store search for the
// per-tenant knowledge base.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Chunk is one retrieved knowledge-base fragment.
type Chunk struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Tag   string  `json:"tag,omitempty"`
}

// Retriever embeds a query and searches the tenant's knowledge base.
type Retriever interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Search(ctx context.Context, tenantSlug, knowledgeTag string, vector []float32, limit int) ([]Chunk, error)
}

// Config holds retrieval endpoints and credentials.
type Config struct {
	OpenAIAPIKey   string
	EmbeddingURL   string
	EmbeddingModel string
	VectorURL      string
	VectorAPIKey   string
	Timeout        time.Duration
}

// HTTPRetriever is the production retriever: OpenAI-compatible embeddings
// plus a JSON-over-HTTP vector store.
type HTTPRetriever struct {
	embedder       *openai.Client
	embeddingModel string
	vectorURL      string
	vectorAPIKey   string
	httpClient     *http.Client
}

// New creates a retriever from config.
func New(cfg Config) (*HTTPRetriever, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("embedding API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.EmbeddingURL != "" {
		clientCfg.BaseURL = cfg.EmbeddingURL
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPRetriever{
		embedder:       openai.NewClientWithConfig(clientCfg),
		embeddingModel: model,
		vectorURL:      cfg.VectorURL,
		vectorAPIKey:   cfg.VectorAPIKey,
		httpClient:     &http.Client{Timeout: timeout},
	}, nil
}

// Embed converts text into an embedding vector.
func (r *HTTPRetriever) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := r.embedder.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(r.embeddingModel),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no vectors")
	}
	return resp.Data[0].Embedding, nil
}

type searchRequest struct {
	Collection string    `json:"collection"`
	Vector     []float32 `json:"vector"`
	Limit      int       `json:"limit"`
	Filter     struct {
		Tag string `json:"tag,omitempty"`
	} `json:"filter"`
}

type searchResponse struct {
	Results []Chunk `json:"results"`
}

// Search queries the vector store. The collection is the tenant slug; the
// knowledge tag narrows results to one branch's corpus.
func (r *HTTPRetriever) Search(ctx context.Context, tenantSlug, knowledgeTag string, vector []float32, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 5
	}
	reqBody := searchRequest{Collection: tenantSlug, Vector: vector, Limit: limit}
	reqBody.Filter.Tag = knowledgeTag

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.vectorURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.vectorAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.vectorAPIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("vector search returned %d: %s", resp.StatusCode, data)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return out.Results, nil
}
