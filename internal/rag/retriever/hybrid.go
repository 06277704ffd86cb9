package retriever

import (
	"context"
	"os"
	"sort"
	"strconv"
)

// HybridRetriever unions lexical and KNN results and re-ranks with a simple
// weighted sum: score = lexical + alpha * knn.
type HybridRetriever struct {
	lexical Retriever
	knn     Retriever
	alpha   float64
}

func NewHybrid(lex Retriever, knn Retriever) *HybridRetriever {
	a := 0.5
	if v := os.Getenv("DESKBOT_HYBRID_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a = f
		}
	}
	return &HybridRetriever{lexical: lex, knn: knn, alpha: a}
}

// NewHybridWithAlpha pins the KNN weight explicitly.
func NewHybridWithAlpha(lex Retriever, knn Retriever, alpha float64) *HybridRetriever {
	return &HybridRetriever{lexical: lex, knn: knn, alpha: alpha}
}

func (h *HybridRetriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	// fetch from both (sequential; can be parallelized later)
	lex, err := h.lexical.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}
	var knn []Result
	if h.knn != nil {
		knn, err = h.knn.Retrieve(ctx, query, k)
		if err != nil {
			return nil, err
		}
	}
	// merge by document with weighted score
	type agg struct {
		res   Result
		score float64
	}
	m := make(map[string]*agg)
	add := func(arr []Result, weight float64) {
		for _, r := range arr {
			a, ok := m[r.DocID]
			if !ok {
				a = &agg{res: r}
				m[r.DocID] = a
			}
			a.score += weight * r.Score
			if r.StartLine > 0 && (a.res.StartLine == 0 || r.Score > a.res.Score) {
				// prefer better-scored range for preview
				a.res.StartLine, a.res.EndLine, a.res.Preview = r.StartLine, r.EndLine, r.Preview
			}
			if a.res.Title == "" {
				a.res.Title = r.Title
			}
			if r.Score > a.res.Score {
				a.res.Score = r.Score
			}
		}
	}
	add(lex, 1.0)
	add(knn, h.alpha)
	out := make([]*agg, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].res.DocID < out[j].res.DocID
		}
		return out[i].score > out[j].score
	})
	n := k
	if n <= 0 || n > len(out) {
		n = len(out)
	}
	res := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		r := out[i].res
		r.Score = out[i].score // report the score results are ranked by
		res = append(res, r)
	}
	return res, nil
}
