package significance

import (
	"math"
	"testing"

	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/types"
)

func TestWordSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"", "", 1.0},
		{"hello", "", 0.0},
		{"", "hello", 0.0},
		{"hello world", "hello world", 1.0},
		{"Hello World", "hello world", 1.0},
		{"a b c", "d e f", 0.0},
		// {users, purchase} vs {users, purchase, items, with, credit, card}: 2/6
		{"Users purchase", "Users purchase items with credit card", 2.0 / 6.0},
	}
	for _, tc := range cases {
		got := WordSimilarity(tc.a, tc.b)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("WordSimilarity(%q, %q) = %g, want %g", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestWordSimilaritySymmetricAndBounded(t *testing.T) {
	pairs := [][2]string{
		{"alpha beta", "beta gamma"},
		{"one two three", "three two"},
		{"", "x"},
		{"same", "same"},
	}
	for _, p := range pairs {
		ab := WordSimilarity(p[0], p[1])
		ba := WordSimilarity(p[1], p[0])
		if ab != ba {
			t.Errorf("not symmetric for %q/%q: %g vs %g", p[0], p[1], ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Errorf("out of range for %q/%q: %g", p[0], p[1], ab)
		}
	}
}

func TestScoreNilPrevIsFullySignificant(t *testing.T) {
	score, changes := Score(nil, &types.WorkItem{Title: "anything"}, DefaultWeights())
	if score != 1.0 {
		t.Errorf("score = %g, want 1.0", score)
	}
	if len(changes) != 0 {
		t.Errorf("changes = %v, want none", changes)
	}
}

func TestScoreNoChange(t *testing.T) {
	prev := &snapshot.Snapshot{Title: "Checkout", Description: "Users purchase", State: "New"}
	cur := &types.WorkItem{Title: "Checkout", Description: "Users purchase", State: "New"}
	score, changes := Score(prev, cur, DefaultWeights())
	if score != 0.0 || len(changes) != 0 {
		t.Errorf("score = %g changes = %v, want 0 and none", score, changes)
	}
}

func TestScoreDescriptionEdit(t *testing.T) {
	prev := &snapshot.Snapshot{Title: "Checkout", Description: "Users purchase", State: "New"}
	cur := &types.WorkItem{
		Title:       "Checkout",
		Description: "Users purchase items with credit card",
		State:       "New",
	}
	score, changes := Score(prev, cur, DefaultWeights())

	want := (1 - 2.0/6.0) * 0.6
	if math.Abs(score-want) > 1e-9 {
		t.Errorf("score = %g, want %g", score, want)
	}
	if len(changes) != 1 || changes[0].Field != "description" {
		t.Fatalf("changes = %+v, want one description change", changes)
	}
}

func TestScoreStateChange(t *testing.T) {
	prev := &snapshot.Snapshot{Title: "T", Description: "D", State: "New"}
	cur := &types.WorkItem{Title: "T", Description: "D", State: "Active"}
	score, changes := Score(prev, cur, DefaultWeights())
	if math.Abs(score-0.2) > 1e-9 {
		t.Errorf("score = %g, want 0.2", score)
	}
	if len(changes) != 1 || changes[0].Field != "state" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestScoreClampedToOne(t *testing.T) {
	prev := &snapshot.Snapshot{Title: "aaa", Description: "bbb", State: "New"}
	cur := &types.WorkItem{Title: "xxx", Description: "yyy", State: "Closed"}
	score, _ := Score(prev, cur, DefaultWeights())
	if score != 1.0 {
		t.Errorf("score = %g, want clamp to 1.0", score)
	}
}
