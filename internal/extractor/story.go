// Package extractor builds generator prompts for user stories and test
// cases and parses the responses: strict JSON first, a balanced-brace
// recovery scan second, and a heuristic text fallback last, so a noisy
// generator reply degrades instead of failing the sync.
package extractor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/epicforge/storysync/internal/types"
)

const storySystemPrompt = `You are a senior business analyst who turns product requirements into well-formed agile user stories. Respond with JSON only, no commentary.`

// PlaceholderTitle is the title of the stub story/test case emitted when
// parsing produces nothing usable.
const PlaceholderTitle = "Manual Validation Required"

// BuildStoryPrompt renders the system and user prompts for extracting
// user stories from a requirement.
func BuildStoryPrompt(item *types.WorkItem) (system, user string) {
	rc := analyzeRequirement(item.Title, item.Description)

	var b strings.Builder
	fmt.Fprintf(&b, "Extract user stories from this %s-complexity %s requirement.\n\n", rc.Complexity, rc.Domain)
	fmt.Fprintf(&b, "Title: %s\n\nDescription:\n%s\n\n", item.Title, item.Description)
	fmt.Fprintf(&b, "Likely stakeholders: %s.\n\n", strings.Join(rc.Stakeholders, ", "))
	b.WriteString(`Respond with JSON in exactly this shape:
{
  "stories": [
    {
      "heading": "...",
      "description": "As a <role>, I want <goal> so that <benefit>",
      "acceptance_criteria": ["...", "..."],
      "priority": "High|Medium|Low",
      "story_points": 3,
      "technical_context": "...",
      "business_requirements": "..."
    }
  ]
}
Each story must be independently deliverable and testable.`)
	return storySystemPrompt, b.String()
}

type storyEnvelope struct {
	Stories     []types.ProposedStory `json:"stories"`
	UserStories []types.ProposedStory `json:"user_stories"`
}

// ParseStories decodes a generator reply into proposed stories. Returns
// nil when nothing parseable is found; callers fall back to
// FallbackStories.
func ParseStories(text string) []types.ProposedStory {
	var env storyEnvelope
	if decodeJSON(text, &env) {
		if len(env.Stories) > 0 {
			return env.Stories
		}
		if len(env.UserStories) > 0 {
			return env.UserStories
		}
	}
	// Bare array form.
	var arr []types.ProposedStory
	if decodeJSON(text, &arr) && len(arr) > 0 {
		return arr
	}
	return nil
}

var (
	numberedLine = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	bulletLine   = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
)

// FallbackStories extracts candidate story titles from free text:
// numbered or bulleted lines become placeholder-tagged stubs. Used only
// when JSON parsing fails.
func FallbackStories(text string) []types.ProposedStory {
	var stories []types.ProposedStory
	for _, line := range strings.Split(text, "\n") {
		var title string
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			title = m[1]
		} else if m := bulletLine.FindStringSubmatch(line); m != nil {
			title = m[1]
		}
		title = strings.TrimSpace(strings.Trim(title, "*_`"))
		if len(title) < 6 || len(title) > 200 {
			continue
		}
		stories = append(stories, types.ProposedStory{
			Heading:     title,
			Description: "Extracted from unstructured generator output; needs review.",
			Placeholder: true,
		})
	}
	return stories
}

// PlaceholderStory is the last-resort stub emitted when even the text
// fallback found nothing.
func PlaceholderStory(item *types.WorkItem) types.ProposedStory {
	return types.ProposedStory{
		Heading:            PlaceholderTitle,
		Description:        fmt.Sprintf("Automatic story extraction for %q did not produce usable output. Review the requirement and author stories manually.", item.Title),
		AcceptanceCriteria: []string{"A team member has reviewed the requirement and created stories"},
		Priority:           "High",
		Placeholder:        true,
	}
}

// RefineStories drops incomplete stories and orders the rest by priority.
// A story is complete when its heading exceeds 5 characters, its
// description exceeds 20, and it has at least one acceptance criterion.
// Placeholder stubs bypass the completeness check.
func RefineStories(stories []types.ProposedStory) []types.ProposedStory {
	var out []types.ProposedStory
	for _, s := range stories {
		s.Heading = strings.TrimSpace(s.Heading)
		s.Description = strings.TrimSpace(s.Description)
		if !s.Placeholder && !isComplete(s) {
			continue
		}
		if s.Priority == "" {
			s.Priority = inferPriority(s)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank(out[i].Priority) < priorityRank(out[j].Priority)
	})
	return out
}

func isComplete(s types.ProposedStory) bool {
	if len(s.Heading) <= 5 {
		return false
	}
	if len(s.Description) <= 20 {
		return false
	}
	return len(s.AcceptanceCriteria) > 0
}

var highPriorityKeywords = []string{
	"security", "payment", "login", "auth", "compliance", "data loss", "critical",
}

func inferPriority(s types.ProposedStory) string {
	text := strings.ToLower(s.Heading + " " + s.Description)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(text, kw) {
			return "High"
		}
	}
	return "Medium"
}

func priorityRank(p string) int {
	switch strings.ToLower(p) {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}
