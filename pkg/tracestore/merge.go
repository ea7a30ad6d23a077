package tracestore

import "sort"

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
	candidatePool = 200
)

// scoredKey is an intermediate hybrid-search hit.
type scoredKey struct {
	key          string
	score        float64
	vectorScore  *float64
	keywordScore *float64
}

// mergeScores combines cosine similarities in [-1, 1] with keyword scores
// (higher is better) into one weighted ranking. Keyword scores are
// normalised by the best hit. Ties break on key for a stable order.
func mergeScores(vector, keyword map[string]float64) []scoredKey {
	var maxKeyword float64
	for _, s := range keyword {
		if s > maxKeyword {
			maxKeyword = s
		}
	}

	keys := make(map[string]bool, len(vector)+len(keyword))
	for k := range vector {
		keys[k] = true
	}
	for k := range keyword {
		keys[k] = true
	}

	wv, wk := vectorWeight, keywordWeight
	if len(vector) == 0 {
		wv, wk = 0, 1
	} else if len(keyword) == 0 {
		wv, wk = 1, 0
	}

	out := make([]scoredKey, 0, len(keys))
	for k := range keys {
		var sk scoredKey
		sk.key = k

		if v, ok := vector[k]; ok {
			n := (v + 1) / 2
			sk.vectorScore = &n
			sk.score += n * wv
		}
		if kw, ok := keyword[k]; ok && maxKeyword > 0 {
			n := kw / maxKeyword
			sk.keywordScore = &n
			sk.score += n * wk
		}
		out = append(out, sk)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].key < out[j].key
	})
	return out
}
