package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/llm"
)

const synthesisSystemPrompt = `You are a document assistant. Answer the question using only the provided context passages. Cite passages by their number in square brackets, like [1]. If the context does not contain the answer, say so.`

// Synthesis is an LLM-generated answer grounded in retrieved chunks.
// CitedChunkIDs names the chunks the answer actually cites, in citation
// order.
type Synthesis struct {
	Answer        string      `json:"answer"`
	CitedChunkIDs []uuid.UUID `json:"cited_chunk_ids"`
	Confidence    float64     `json:"confidence"`
}

// Synthesizer produces an answer from decrypted chunk text.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, passages []string) (*Synthesis, error)
}

type llmSynthesizer struct {
	gateway llm.Gateway
	model   string
}

func NewSynthesizer(gw llm.Gateway, model string) Synthesizer {
	return &llmSynthesizer{gateway: gw, model: model}
}

func (s *llmSynthesizer) Synthesize(ctx context.Context, query string, passages []string) (*Synthesis, error) {
	var sb strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, p)
	}

	resp, err := s.gateway.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Context passages:\n\n%sQuestion: %s", sb.String(), query)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, apperr.LLM(err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, apperr.LLM(fmt.Errorf("empty completion"))
	}

	return &Synthesis{
		Answer:     resp.Content,
		Confidence: confidenceFromCitations(resp.Content, len(passages)),
	}, nil
}

// citedPassages returns the 1-based passage numbers the answer cites via
// [n] markers.
func citedPassages(answer string, passages int) []int {
	var cited []int
	for i := 1; i <= passages; i++ {
		if strings.Contains(answer, fmt.Sprintf("[%d]", i)) {
			cited = append(cited, i)
		}
	}
	return cited
}

// confidenceFromCitations scores an answer by how much of the retrieved
// context it actually cites. Crude, but monotone in grounding.
func confidenceFromCitations(answer string, passages int) float64 {
	if passages == 0 {
		return 0
	}
	return float64(len(citedPassages(answer, passages))) / float64(passages)
}
