package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/internal/config"
)

// ollamaProvider implements Provider over a local Ollama server.
type ollamaProvider struct {
	model      string
	baseURL    string
	httpClient *http.Client
	dims       int
}

func newOllamaProvider(cfg config.EmbeddingConfig) *ollamaProvider {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollamaProvider{
		model:      model,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model":  p.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama embeddings error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding for model %s", p.model)
	}
	if p.dims == 0 {
		p.dims = len(apiResp.Embedding)
	}
	return apiResp.Embedding, nil
}

func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}
	// The legacy /api/embeddings endpoint is single-text only.
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = emb
	}
	return results, nil
}

func (p *ollamaProvider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	// nomic-embed-text default; corrected after the first call.
	return 768
}

// Available is optimistic: a local Ollama server comes and goes, so
// failures surface per-call instead of pinning the provider unavailable.
func (p *ollamaProvider) Available() bool {
	return p.baseURL != ""
}
