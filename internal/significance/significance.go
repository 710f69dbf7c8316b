// Package significance scores how much a monitored root changed between
// two observations. The score is a weighted sum of per-field dissimilarity
// in [0,1]; the scheduler compares it against a configurable threshold to
// decide whether a change-based sync is worth its generator cost.
package significance

import (
	"strings"

	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/types"
)

// Weights are the per-field contributions to the total score.
type Weights struct {
	Title       float64
	Description float64
	State       float64
}

// DefaultWeights match the tuned production values.
func DefaultWeights() Weights {
	return Weights{Title: 0.8, Description: 0.6, State: 0.2}
}

// Score compares the previous snapshot against the current item. A nil
// prev means the root was never seen: that is always fully significant.
// Text fields contribute (1 - jaccard) * weight when they differ; state is
// discrete and contributes its full weight on any change. The total is
// clamped to 1.0.
func Score(prev *snapshot.Snapshot, cur *types.WorkItem, w Weights) (float64, []types.FieldChange) {
	if prev == nil {
		return 1.0, nil
	}

	var total float64
	var changes []types.FieldChange

	if prev.Title != cur.Title {
		sig := (1 - WordSimilarity(prev.Title, cur.Title)) * w.Title
		total += sig
		changes = append(changes, types.FieldChange{
			Field: "title", Significance: sig, Old: prev.Title, New: cur.Title,
		})
	}
	if prev.Description != cur.Description {
		sig := (1 - WordSimilarity(prev.Description, cur.Description)) * w.Description
		total += sig
		changes = append(changes, types.FieldChange{
			Field: "description", Significance: sig, Old: prev.Description, New: cur.Description,
		})
	}
	if prev.State != cur.State {
		total += w.State
		changes = append(changes, types.FieldChange{
			Field: "state", Significance: w.State, Old: prev.State, New: cur.State,
		})
	}

	if total > 1.0 {
		total = 1.0
	}
	return total, changes
}

// WordSimilarity is the Jaccard similarity of the lowercase word sets of
// a and b. Both empty yields 1.0; exactly one empty yields 0.0. Word-set
// overlap captures paragraph rewrites without being fooled by
// reformatting.
func WordSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)

	if len(wa) == 0 && len(wb) == 0 {
		return 1.0
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
