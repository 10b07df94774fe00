package nl2sql

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const maxSubQuestions = 5

const (
	ExpansionNone         = ""
	ExpansionRephrase     = "rephrase"
	ExpansionHypothetical = "hyde"
)

type rephraseResponse struct {
	OriginalQuery  string   `json:"original_query"`
	RephrasedQuery []string `json:"rephrased_query"`
}

type hypotheticalResponse struct {
	OriginalQuery string `json:"original_query"`
	Hyde          string `json:"hyde"`
}

// Rephrase rewrites question for search, splitting complex questions into at
// most five sub-questions.
func (w *Workflow) Rephrase(ctx context.Context, question string) ([]string, error) {
	if w.LLM == nil {
		return nil, fmt.Errorf("language model is required")
	}
	var resp rephraseResponse
	if err := w.LLM.AskStructured(ctx, fmt.Sprintf(rephrasePrompt, question), &resp); err != nil {
		return nil, fmt.Errorf("rephrase question: %w", err)
	}
	out := make([]string, 0, min(len(resp.RephrasedQuery), maxSubQuestions))
	for _, sub := range resp.RephrasedQuery {
		sub = strings.TrimSpace(sub)
		if sub == "" || len(out) == maxSubQuestions {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// Hypothetical returns a made-up answer to question, which is often closer to
// the stored chunks than the question itself.
func (w *Workflow) Hypothetical(ctx context.Context, question string) (string, error) {
	if w.LLM == nil {
		return "", fmt.Errorf("language model is required")
	}
	var resp hypotheticalResponse
	if err := w.LLM.AskStructured(ctx, fmt.Sprintf(hypotheticalPrompt, question), &resp); err != nil {
		return "", fmt.Errorf("hypothetical answer: %w", err)
	}
	return strings.TrimSpace(resp.Hyde), nil
}

type SearchRequest struct {
	Query string
	// Index is dbcontext.SchemaIndexName or dbcontext.ExampleIndexName.
	Index     string
	K         int
	Expansion string
}

// Search looks up chunks of one of the context's indices, optionally
// expanding the query first. Rephrased sub-questions are searched one by one
// and merged, keeping the best score per chunk.
func (w *Workflow) Search(ctx context.Context, dbctx *dbcontext.Context, req SearchRequest) ([]vectorindex.Hit, error) {
	topK, _ := w.settings()
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidSearch)
	}
	if req.K <= 0 {
		req.K = topK
	}

	view, release := dbctx.Acquire()
	defer release()
	var ix *vectorindex.Index
	switch req.Index {
	case "", dbcontext.SchemaIndexName:
		ix = view.SchemaIndex()
	case dbcontext.ExampleIndexName:
		ix = view.ExampleIndex()
		if ix == nil {
			return []vectorindex.Hit{}, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown index %q", ErrInvalidSearch, req.Index)
	}

	var queries []string
	switch req.Expansion {
	case ExpansionNone:
		queries = []string{req.Query}
	case ExpansionHypothetical:
		answer, err := w.Hypothetical(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		queries = []string{answer}
	case ExpansionRephrase:
		subs, err := w.Rephrase(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		queries = append(subs, req.Query)
	default:
		return nil, fmt.Errorf("%w: unknown query expansion %q", ErrInvalidSearch, req.Expansion)
	}

	metric := ix.Options().Metric
	best := map[int]vectorindex.Hit{}
	for _, query := range queries {
		hits, err := ix.SearchForChunksWithScores(ctx, query, req.K)
		if err != nil {
			return nil, fmt.Errorf("search %s index: %w", req.Index, err)
		}
		for _, hit := range hits {
			current, ok := best[hit.Position]
			if !ok || better(metric, hit.Score, current.Score) {
				best[hit.Position] = hit
			}
		}
	}

	merged := make([]vectorindex.Hit, 0, len(best))
	for _, hit := range best {
		merged = append(merged, hit)
	}
	slices.SortFunc(merged, func(a, b vectorindex.Hit) int {
		if a.Score != b.Score {
			if better(metric, a.Score, b.Score) {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Position, b.Position)
	})
	if len(merged) > req.K {
		merged = merged[:req.K]
	}
	return merged, nil
}

func better(metric vectorindex.Metric, a, b float32) bool {
	if metric.SimilarityOriented() {
		return a > b
	}
	return a < b
}
