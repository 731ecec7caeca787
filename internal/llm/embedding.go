package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"fpai/internal/errkind"
)

// Embedder produces a fixed-dimension embedding vector for a clause
// window, feeding the Vector Store's semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder builds an OpenAIEmbedder using the same functional
// options as OpenAIClient.
func NewOpenAIEmbedder(model string, opts ...OpenAIOption) *OpenAIEmbedder {
	cfg := openaiConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIEmbedder{client: openai.NewClient(clientOpts...), model: model}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.LLMUpstream5xx, err)
	}
	if len(resp.Data) == 0 {
		return nil, errkind.Wrap(errkind.LLMMalformed, fmt.Errorf("openai returned no embedding data"))
	}
	return resp.Data[0].Embedding, nil
}
