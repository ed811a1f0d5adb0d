package scoring

import (
	"math"
	"sort"
)

// Ranking places one score within its set.
type Ranking struct {
	Index      int
	Score      float64
	Rank       int
	Percentile int
}

// Rank orders scores descending with ties kept in input order. The result is
// aligned with the input: out[i] describes scores[i]. Rank is 1-based and
// percentile is round((N-rank+1)/N*100).
func Rank(scores []float64) []Ranking {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	out := make([]Ranking, n)
	for pos, idx := range order {
		rank := pos + 1
		out[idx] = Ranking{
			Index:      idx,
			Score:      scores[idx],
			Rank:       rank,
			Percentile: int(math.Round(float64(n-rank+1) / float64(n) * 100)),
		}
	}
	return out
}
