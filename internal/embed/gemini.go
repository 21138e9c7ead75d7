package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kidsearch/crawler/internal/crawler"
)

const (
	defaultGeminiModel = "text-embedding-004"
	geminiDimension    = 768
)

// Gemini embeds text batches through the Google generative AI API.
type Gemini struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGemini dials the API. The free tier enforces a daily quota; Embed maps
// those refusals to crawler.ErrQuotaExhausted so the dispatcher defers
// instead of retrying into a wall.
func NewGemini(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("embeddings.api_key is required for the gemini provider")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, log: logger}, nil
}

// Embed returns one vector per input text, in order.
func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := g.client.EmbeddingModel(g.model)
	batch := model.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}

	res, err := model.BatchEmbedContents(ctx, batch)
	if err != nil {
		if isQuotaError(err) {
			g.log.Debug("gemini refused batch for quota", zap.Int("texts", len(texts)))
			return nil, fmt.Errorf("gemini: %w", crawler.ErrQuotaExhausted)
		}
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimension reports the vector width of the embedding model.
func (g *Gemini) Dimension() int { return geminiDimension }

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

// isQuotaError recognizes the shapes quota refusals arrive in: an HTTP 429,
// a gRPC ResourceExhausted status, or a plain error mentioning quota.
func isQuotaError(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "resource_exhausted")
}
