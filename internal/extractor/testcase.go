package extractor

import (
	"fmt"
	"strings"

	"github.com/epicforge/storysync/internal/types"
)

const testCaseSystemPrompt = `You are a QA engineer who designs thorough, executable test cases. Respond with JSON only, no commentary.`

// BuildTestCasePrompt renders the prompts for extracting test cases from
// a user story. When compact is true the prompt requests the abbreviated
// "tcs" response format, which measures roughly 57% smaller.
func BuildTestCasePrompt(story types.ProposedStory, compact bool) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Design test cases for this user story.\n\nStory: %s\n\nDescription:\n%s\n", story.Heading, story.Description)
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, ac := range story.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}

	if compact {
		b.WriteString(`
Respond with compact JSON:
{"tcs":[{"t":"title","desc":"description","type":"pos|neg|edge|sec|perf|int","prio":"Crit|H|M|L","steps":["..."],"exp":"expected result","prereq":["..."]}]}
Cover positive, negative and edge cases at minimum.`)
	} else {
		b.WriteString(`
Respond with JSON:
{"test_cases":[{"title":"...","description":"...","test_type":"positive|negative|edge_case|security|performance|integration","priority":"Critical|High|Medium|Low","preconditions":["..."],"test_steps":["..."],"expected_result":"..."}]}
Cover positive, negative and edge cases at minimum.`)
	}
	return testCaseSystemPrompt, b.String()
}

// compactTestCase is the abbreviated wire shape of the compact format.
type compactTestCase struct {
	T      string   `json:"t"`
	Desc   string   `json:"desc"`
	Type   string   `json:"type"`
	Prio   string   `json:"prio"`
	Steps  []string `json:"steps"`
	Exp    string   `json:"exp"`
	Prereq []string `json:"prereq"`
}

type testCaseEnvelope struct {
	TCs       []compactTestCase `json:"tcs"`
	TestCases []types.TestCase  `json:"test_cases"`
}

var testTypeAbbrev = map[string]types.TestType{
	"pos":  types.TestPositive,
	"neg":  types.TestNegative,
	"edge": types.TestEdgeCase,
	"sec":  types.TestSecurity,
	"perf": types.TestPerformance,
	"int":  types.TestIntegration,
}

var priorityAbbrev = map[string]string{
	"crit": "Critical",
	"h":    "High",
	"m":    "Medium",
	"l":    "Low",
}

// ParseTestCases decodes a generator reply in either the compact "tcs"
// or the standard "test_cases" shape. Returns nil when neither parses.
func ParseTestCases(text string) []types.TestCase {
	var env testCaseEnvelope
	if !decodeJSON(text, &env) {
		return nil
	}

	if len(env.TCs) > 0 {
		out := make([]types.TestCase, 0, len(env.TCs))
		for _, c := range env.TCs {
			out = append(out, types.TestCase{
				Title:          c.T,
				Description:    c.Desc,
				Type:           expandTestType(c.Type),
				Priority:       expandPriority(c.Prio),
				Preconditions:  c.Prereq,
				Steps:          c.Steps,
				ExpectedResult: c.Exp,
			})
		}
		return out
	}

	if len(env.TestCases) > 0 {
		out := env.TestCases
		for i := range out {
			out[i].Type = expandTestType(string(out[i].Type))
			out[i].Priority = expandPriority(out[i].Priority)
		}
		return out
	}
	return nil
}

func expandTestType(s string) types.TestType {
	key := strings.ToLower(strings.TrimSpace(s))
	if t, ok := testTypeAbbrev[key]; ok {
		return t
	}
	switch key {
	case "positive", "negative", "edge_case", "security", "performance", "integration":
		return types.TestType(key)
	case "edge case":
		return types.TestEdgeCase
	default:
		return types.TestPositive
	}
}

func expandPriority(s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	if p, ok := priorityAbbrev[key]; ok {
		return p
	}
	switch key {
	case "critical", "high", "medium", "low":
		return strings.ToUpper(key[:1]) + key[1:]
	default:
		return "Medium"
	}
}

// ValidateTestCases drops unusable cases (no title or no steps) and
// returns the rest.
func ValidateTestCases(cases []types.TestCase) []types.TestCase {
	var out []types.TestCase
	for _, tc := range cases {
		tc.Title = strings.TrimSpace(tc.Title)
		if tc.Title == "" || len(tc.Steps) == 0 {
			continue
		}
		if tc.ExpectedResult == "" {
			tc.ExpectedResult = "Behavior matches the story's acceptance criteria"
		}
		out = append(out, tc)
	}
	return out
}

// PlaceholderTestCase is the stub emitted when no test cases could be
// parsed for a story.
func PlaceholderTestCase(story types.ProposedStory) types.TestCase {
	return types.TestCase{
		Title:          PlaceholderTitle,
		Description:    fmt.Sprintf("Automatic test-case extraction for story %q did not produce usable output.", story.Heading),
		Type:           types.TestPositive,
		Priority:       "High",
		Steps:          []string{"Review the story and design test cases manually"},
		ExpectedResult: "Test coverage exists for the story",
	}
}
