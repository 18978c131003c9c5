// Package rrf implements Reciprocal Rank Fusion (C3): a pure function that
// merges N independently-ranked result lists into one fused ranking,
// grounded on the teacher's reciprocalRankFusion
// (pkg/rag/retrieval/hybrid.go), generalized from the teacher's fixed
// two-strategy (vector+BM25) fusion to an arbitrary set of named,
// per-strategy-weighted lists plus consensus tracking.
package rrf

import "sort"

// Item is one ranked result from a single strategy's list. ID identifies
// the underlying chunk/document across strategies — two Items with the
// same ID from different strategies are the same candidate.
type Item struct {
	ID   string
	Rank int // 0-based position within its strategy's list
}

// Result is a fused candidate: its combined RRF score, how many strategies
// surfaced it (consensus), and which strategies did.
type Result struct {
	ID              string
	Score           float64
	Consensus       int
	ConsensusRatio  float64 // Consensus / total strategies considered
	Strategies      []string
}

// Config controls the fusion. K is the RRF smoothing constant (teacher
// default: 60). Weights scales each strategy's contribution; a strategy
// absent from Weights defaults to 1.0. MinConsensus drops candidates seen
// by fewer than that many strategies. MaxResults truncates the output
// (0 = unbounded). MinScore drops candidates below that fused score.
type Config struct {
	K             float64
	Weights       map[string]float64
	MinConsensus  int
	MaxResults    int
	MinScore      float64
}

// DefaultK is the RRF constant used when Config.K is zero, matching the
// teacher's hybrid search.
const DefaultK = 60.0

// Fuse merges ranked, a map of strategy name to that strategy's ranked
// item list (already sorted best-first), into one fused, sorted Result
// slice. Ties in Score are broken by ConsensusRatio descending, then by ID
// for determinism.
func Fuse(ranked map[string][]Item, cfg Config) []Result {
	k := cfg.K
	if k <= 0 {
		k = DefaultK
	}

	type accum struct {
		score      float64
		strategies []string
	}
	acc := make(map[string]*accum)

	strategyCount := len(ranked)
	for strategy, items := range ranked {
		weight := 1.0
		if w, ok := cfg.Weights[strategy]; ok {
			weight = w
		}
		for _, item := range items {
			a, ok := acc[item.ID]
			if !ok {
				a = &accum{}
				acc[item.ID] = a
			}
			a.score += weight / (k + float64(item.Rank+1))
			a.strategies = append(a.strategies, strategy)
		}
	}

	out := make([]Result, 0, len(acc))
	for id, a := range acc {
		if cfg.MinConsensus > 0 && len(a.strategies) < cfg.MinConsensus {
			continue
		}
		if cfg.MinScore > 0 && a.score < cfg.MinScore {
			continue
		}
		ratio := 0.0
		if strategyCount > 0 {
			ratio = float64(len(a.strategies)) / float64(strategyCount)
		}
		out = append(out, Result{
			ID:             id,
			Score:          a.score,
			Consensus:      len(a.strategies),
			ConsensusRatio: ratio,
			Strategies:     a.strategies,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ConsensusRatio != out[j].ConsensusRatio {
			return out[i].ConsensusRatio > out[j].ConsensusRatio
		}
		return out[i].ID < out[j].ID
	})

	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}
