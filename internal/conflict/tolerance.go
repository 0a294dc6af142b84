package conflict

import (
	"slices"

	"github.com/sells-group/prospect-sync/internal/model"
)

// epsilon absorbs float noise in tolerance comparisons.
const epsilon = 1e-9

// Bucket is a group of candidates considered to agree.
type Bucket []model.Candidate

// Buckets groups candidates into agreement buckets. Numeric values are
// sorted and split greedily: a bucket spans at most tol from its smallest
// value. Text values agree when equal ignoring case. Buckets are returned in
// ascending value order; candidates keep source order inside a bucket.
func Buckets(cands []model.Candidate, tol float64) []Bucket {
	if len(cands) == 0 {
		return nil
	}

	var numeric, text []model.Candidate
	for _, c := range cands {
		if c.Value.IsNumeric() {
			numeric = append(numeric, c)
		} else {
			text = append(text, c)
		}
	}

	var out []Bucket
	if len(numeric) > 0 {
		sorted := slices.Clone(numeric)
		slices.SortStableFunc(sorted, func(a, b model.Candidate) int {
			switch {
			case a.Value.Float() < b.Value.Float():
				return -1
			case a.Value.Float() > b.Value.Float():
				return 1
			default:
				return 0
			}
		})
		start := sorted[0].Value.Float()
		cur := Bucket{sorted[0]}
		for _, c := range sorted[1:] {
			if c.Value.Float()-start <= tol+epsilon {
				cur = append(cur, c)
				continue
			}
			out = append(out, cur)
			start = c.Value.Float()
			cur = Bucket{c}
		}
		out = append(out, cur)
	}

	byKey := make(map[string]int)
	for _, c := range text {
		k := c.Value.Key()
		if i, ok := byKey[k]; ok {
			out[i] = append(out[i], c)
			continue
		}
		byKey[k] = len(out)
		out = append(out, Bucket{c})
	}
	return out
}

// best picks the preferred candidate among agreeing ones: most recent,
// then highest confidence, then source name.
func best(cands []model.Candidate) model.Candidate {
	top := cands[0]
	for _, c := range cands[1:] {
		if better(c, top) {
			top = c
		}
	}
	return top
}

func better(a, b model.Candidate) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Source < b.Source
}
