package usecase

import (
	"sort"
	"strings"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"

	defaultFusionWeight = 0.5
	defaultRRFK         = 60
)

type FusionConfig struct {
	Strategy      string
	KeywordWeight float64
	VectorWeight  float64
	RRFK          int
}

func (c FusionConfig) normalize() FusionConfig {
	out := c
	out.Strategy = strings.ToLower(strings.TrimSpace(out.Strategy))
	if out.Strategy != FusionRRF {
		out.Strategy = FusionWeighted
	}
	if out.KeywordWeight < 0 {
		out.KeywordWeight = defaultFusionWeight
	}
	if out.VectorWeight < 0 {
		out.VectorWeight = defaultFusionWeight
	}
	if out.RRFK <= 0 {
		out.RRFK = defaultRRFK
	}
	return out
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Strategy:      FusionWeighted,
		KeywordWeight: defaultFusionWeight,
		VectorWeight:  defaultFusionWeight,
		RRFK:          defaultRRFK,
	}
}

// FusionEngine merges keyword and vector hit lists into one deterministic ranking.
type FusionEngine struct {
	cfg FusionConfig
}

func NewFusionEngine(cfg FusionConfig) *FusionEngine {
	return &FusionEngine{cfg: cfg.normalize()}
}

func (f *FusionEngine) Fuse(keywordHits, vectorHits []domain.ScoredHit, topK int) []domain.FusedHit {
	if f.cfg.Strategy == FusionRRF {
		return fuseRRF(keywordHits, vectorHits, f.cfg.RRFK, topK)
	}
	return fuseWeighted(keywordHits, vectorHits, f.cfg.KeywordWeight, f.cfg.VectorWeight, topK)
}

type fusedCandidate struct {
	hit   domain.ScoredHit
	score float64
	// weighted is false when the document only appears in zero-weight lists.
	weighted bool
}

// fuseWeighted min-max normalizes each list to [0,1] and sums the weighted terms.
// A document missing from one list contributes 0 for that term.
func fuseWeighted(keywordHits, vectorHits []domain.ScoredHit, wk, wv float64, topK int) []domain.FusedHit {
	keyword := bestScores(keywordHits)
	vector := bestScores(vectorHits)
	nk := minMaxNormalize(keyword)
	nv := minMaxNormalize(vector)

	acc := make(map[string]fusedCandidate, len(keyword.order)+len(vector.order))
	for _, id := range keyword.order {
		acc[id] = fusedCandidate{hit: keyword.hits[id], weighted: wk > 0}
	}
	for _, id := range vector.order {
		c, ok := acc[id]
		if !ok {
			c.hit = vector.hits[id]
		} else {
			c.hit = preferRicherHit(c.hit, vector.hits[id])
		}
		c.weighted = c.weighted || wv > 0
		acc[id] = c
	}
	for id, c := range acc {
		c.score = wk*nk[id] + wv*nv[id]
		acc[id] = c
	}
	return rankCandidates(acc, topK)
}

// fuseRRF scores each document by sum(1/(k+rank)) over the lists it appears in.
func fuseRRF(keywordHits, vectorHits []domain.ScoredHit, rrfK, topK int) []domain.FusedHit {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}

	acc := make(map[string]fusedCandidate, len(keywordHits)+len(vectorHits))
	addList := func(list scoredList) {
		for rank, id := range list.rankedIDs() {
			c, ok := acc[id]
			if !ok {
				c.hit = list.hits[id]
			} else {
				c.hit = preferRicherHit(c.hit, list.hits[id])
			}
			c.score += 1.0 / float64(rrfK+rank+1)
			c.weighted = true
			acc[id] = c
		}
	}
	addList(bestScores(keywordHits))
	addList(bestScores(vectorHits))

	return rankCandidates(acc, topK)
}

// rankCandidates orders documents backed by a weighted list before those seen
// only in zero-weight lists, then by fused score desc and document id asc.
func rankCandidates(acc map[string]fusedCandidate, topK int) []domain.FusedHit {
	candidates := make([]fusedCandidate, 0, len(acc))
	for _, c := range acc {
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.weighted != b.weighted {
			return a.weighted
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.hit.DocumentID < b.hit.DocumentID
	})

	out := make([]domain.FusedHit, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.FusedHit{ScoredHit: c.hit, FusedScore: c.score})
	}
	return trimFused(out, topK)
}

func trimFused(hits []domain.FusedHit, limit int) []domain.FusedHit {
	if limit <= 0 || len(hits) <= limit {
		return hits
	}
	return hits[:limit]
}

// scoredList keeps the best score per document and the first-seen order.
type scoredList struct {
	order []string
	hits  map[string]domain.ScoredHit
}

func bestScores(hits []domain.ScoredHit) scoredList {
	list := scoredList{
		order: make([]string, 0, len(hits)),
		hits:  make(map[string]domain.ScoredHit, len(hits)),
	}
	for _, h := range hits {
		current, ok := list.hits[h.DocumentID]
		if !ok {
			list.order = append(list.order, h.DocumentID)
			list.hits[h.DocumentID] = h
			continue
		}
		if h.Score > current.Score {
			list.hits[h.DocumentID] = preferRicherHit(h, current)
		}
	}
	return list
}

// rankedIDs orders documents by score desc, document_id asc.
func (l scoredList) rankedIDs() []string {
	ids := append([]string(nil), l.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		si, sj := l.hits[ids[i]].Score, l.hits[ids[j]].Score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func minMaxNormalize(list scoredList) map[string]float64 {
	out := make(map[string]float64, len(list.order))
	if len(list.order) == 0 {
		return out
	}
	lo := list.hits[list.order[0]].Score
	hi := lo
	for _, id := range list.order[1:] {
		s := list.hits[id].Score
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := hi - lo
	for _, id := range list.order {
		if span == 0 {
			out[id] = 1.0
			continue
		}
		out[id] = (list.hits[id].Score - lo) / span
	}
	return out
}

func preferRicherHit(current, candidate domain.ScoredHit) domain.ScoredHit {
	if len(candidate.Fields) == 0 {
		return current
	}
	if current.Fields == nil {
		current.Fields = make(map[string]any, len(candidate.Fields))
	} else {
		merged := make(map[string]any, len(current.Fields)+len(candidate.Fields))
		for k, v := range current.Fields {
			merged[k] = v
		}
		current.Fields = merged
	}
	for k, v := range candidate.Fields {
		if existing, ok := current.Fields[k]; !ok || existing == nil || existing == "" {
			current.Fields[k] = v
		}
	}
	return current
}
