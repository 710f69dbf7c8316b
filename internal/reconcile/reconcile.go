// Package reconcile partitions freshly generated stories against the
// children that already exist under a root: each proposed story is either
// a create, an update of its best-matching existing child, or unchanged.
// Existing children are never deleted.
package reconcile

import (
	"sort"
	"strings"

	"github.com/epicforge/storysync/internal/types"
)

const (
	// titleThreshold is the minimum title similarity for a proposed story
	// to claim an existing child. Strictly greater-than.
	titleThreshold = 0.8
	// contentThreshold decides update vs unchanged for a matched pair.
	// Strictly less-than means update.
	contentThreshold = 0.9
)

// Result is the three-way partition plus, when orphan archiving is on,
// the existing children no proposed story claimed.
type Result struct {
	ToCreate  []types.ProposedStory
	ToUpdate  []types.StoryUpdate
	Unchanged []types.ExistingChild
	Orphaned  []types.ExistingChild
}

// Options tweak reconciliation behavior.
type Options struct {
	// ArchiveOrphans reports unclaimed existing children in Result.Orphaned
	// instead of Unchanged. They are still never deleted here.
	ArchiveOrphans bool
}

// Reconcile matches proposed stories against existing children. Each
// existing child can be claimed at most once; iteration order of proposed
// determines who wins a scarce match. Unclaimed children are preserved.
func Reconcile(existing []types.ExistingChild, proposed []types.ProposedStory, opts Options) Result {
	var res Result

	remaining := make(map[string]types.ExistingChild, len(existing))
	for _, e := range existing {
		remaining[strings.ToLower(e.Title)] = e
	}

	for _, p := range proposed {
		key, sim := bestMatch(remaining, p.Heading)
		if key == "" || sim <= titleThreshold {
			res.ToCreate = append(res.ToCreate, p)
			continue
		}

		e := remaining[key]
		delete(remaining, key)

		existingContent := e.Title + " " + e.Description
		proposedContent := p.Heading + " " + p.Description + " " + strings.Join(p.AcceptanceCriteria, " ")
		if Ratio(existingContent, proposedContent) < contentThreshold {
			res.ToUpdate = append(res.ToUpdate, types.StoryUpdate{ID: e.ID, Story: p})
		} else {
			res.Unchanged = append(res.Unchanged, e)
		}
	}

	// Unclaimed children, in stable order.
	keys := make([]string, 0, len(remaining))
	for k := range remaining {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if opts.ArchiveOrphans {
			res.Orphaned = append(res.Orphaned, remaining[k])
		} else {
			res.Unchanged = append(res.Unchanged, remaining[k])
		}
	}

	return res
}

// bestMatch returns the key of the remaining child whose title is most
// similar to heading, with ties broken by key order for determinism.
func bestMatch(remaining map[string]types.ExistingChild, heading string) (string, float64) {
	target := strings.ToLower(heading)

	keys := make([]string, 0, len(remaining))
	for k := range remaining {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bestKey := ""
	bestSim := -1.0
	for _, k := range keys {
		if sim := Ratio(target, k); sim > bestSim {
			bestKey, bestSim = k, sim
		}
	}
	return bestKey, bestSim
}

// Ratio is a longest-common-subsequence similarity over runes:
// 2*LCS(a,b) / (len(a)+len(b)), in [0,1]. Two empty strings are fully
// similar.
func Ratio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1.0
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}

	// Two-row DP keeps memory at O(min side).
	if len(rb) < len(ra) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(ra)+1)
	cur := make([]int, len(ra)+1)
	for j := 1; j <= len(rb); j++ {
		for i := 1; i <= len(ra); i++ {
			if ra[i-1] == rb[j-1] {
				cur[i] = prev[i-1] + 1
			} else if prev[i] >= cur[i-1] {
				cur[i] = prev[i]
			} else {
				cur[i] = cur[i-1]
			}
		}
		prev, cur = cur, prev
	}

	lcs := prev[len(ra)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}
