package extractor

import (
	"strings"
	"testing"

	"github.com/epicforge/storysync/internal/types"
)

func TestParseStoriesCleanJSON(t *testing.T) {
	reply := `{"stories":[{"heading":"User logs in","description":"As a user...","acceptance_criteria":["works"]}]}`
	stories := ParseStories(reply)
	if len(stories) != 1 || stories[0].Heading != "User logs in" {
		t.Fatalf("stories = %+v", stories)
	}
}

func TestParseStoriesWithProseAndFences(t *testing.T) {
	reply := "Sure! Here are the stories:\n```json\n" +
		`{"stories":[{"heading":"A","description":"d","acceptance_criteria":["x"]},` +
		`{"heading":"B","description":"d2","acceptance_criteria":["y"]}]}` +
		"\n```\nLet me know if you need more."
	stories := ParseStories(reply)
	if len(stories) != 2 {
		t.Fatalf("stories = %+v, want 2", stories)
	}
}

func TestParseStoriesRecoversEmbeddedObject(t *testing.T) {
	reply := `The extraction yielded {"stories":[{"heading":"Embedded {braces} ok","description":"d","acceptance_criteria":["a"]}]} as requested.`
	stories := ParseStories(reply)
	if len(stories) != 1 {
		t.Fatalf("stories = %+v, want 1", stories)
	}
	if !strings.Contains(stories[0].Heading, "{braces}") {
		t.Errorf("heading = %q", stories[0].Heading)
	}
}

func TestParseStoriesGarbage(t *testing.T) {
	if got := ParseStories("not json"); got != nil {
		t.Errorf("garbage should parse to nil, got %+v", got)
	}
}

func TestParseStoriesUnknownFieldsTolerated(t *testing.T) {
	reply := `{"stories":[{"heading":"H1 okay","description":"d","acceptance_criteria":["a"],"confidence":0.9,"extra":{"x":1}}]}`
	stories := ParseStories(reply)
	if len(stories) != 1 {
		t.Fatalf("unknown fields must be dropped, not fatal: %+v", stories)
	}
}

func TestFallbackStories(t *testing.T) {
	text := `Here's what I found:
1. User can reset their password
2) Admin reviews audit log entries
- Customer exports order history
* x
random prose line that should be ignored
`
	stories := FallbackStories(text)
	if len(stories) != 3 {
		t.Fatalf("stories = %+v, want 3", stories)
	}
	for _, s := range stories {
		if !s.Placeholder {
			t.Errorf("fallback story %q not tagged as placeholder", s.Heading)
		}
	}
	if stories[0].Heading != "User can reset their password" {
		t.Errorf("heading = %q", stories[0].Heading)
	}
}

func TestPlaceholderStory(t *testing.T) {
	item := &types.WorkItem{Title: "Checkout"}
	s := PlaceholderStory(item)
	if s.Heading != PlaceholderTitle || !s.Placeholder {
		t.Errorf("placeholder = %+v", s)
	}
	if len(s.AcceptanceCriteria) == 0 {
		t.Error("placeholder needs acceptance criteria to survive refinement")
	}
}

func TestRefineStoriesDropsIncomplete(t *testing.T) {
	stories := []types.ProposedStory{
		{Heading: "ok", Description: "too short", AcceptanceCriteria: []string{"x"}},                               // heading too short
		{Heading: "Valid heading", Description: "short", AcceptanceCriteria: []string{"x"}},                        // description too short
		{Heading: "Valid heading", Description: "a description that is long enough to pass", AcceptanceCriteria: nil}, // no AC
		{Heading: "Valid heading", Description: "a description that is long enough to pass", AcceptanceCriteria: []string{"x"}},
	}
	out := RefineStories(stories)
	if len(out) != 1 {
		t.Fatalf("refined = %+v, want 1 survivor", out)
	}
}

func TestRefineStoriesPrioritizes(t *testing.T) {
	stories := []types.ProposedStory{
		{Heading: "Export reports monthly", Description: "a sufficiently long description here", AcceptanceCriteria: []string{"x"}, Priority: "Low"},
		{Heading: "Handle payment failures", Description: "a sufficiently long description here", AcceptanceCriteria: []string{"x"}},
		{Heading: "Critical data fix", Description: "a sufficiently long description here", AcceptanceCriteria: []string{"x"}, Priority: "Critical"},
	}
	out := RefineStories(stories)
	if len(out) != 3 {
		t.Fatalf("refined = %d", len(out))
	}
	if out[0].Priority != "Critical" {
		t.Errorf("first = %+v, want Critical first", out[0])
	}
	// Payment keyword infers High, sorting it before the explicit Low.
	if out[1].Heading != "Handle payment failures" || out[1].Priority != "High" {
		t.Errorf("second = %+v, want inferred-High payment story", out[1])
	}
}

func TestParseTestCasesCompact(t *testing.T) {
	reply := `{"tcs":[{"t":"Login works","desc":"happy path","type":"pos","prio":"Crit","steps":["open","submit"],"exp":"logged in","prereq":["account exists"]}]}`
	cases := ParseTestCases(reply)
	if len(cases) != 1 {
		t.Fatalf("cases = %+v", cases)
	}
	tc := cases[0]
	if tc.Type != types.TestPositive {
		t.Errorf("Type = %q, want positive", tc.Type)
	}
	if tc.Priority != "Critical" {
		t.Errorf("Priority = %q, want Critical", tc.Priority)
	}
	if len(tc.Steps) != 2 || tc.ExpectedResult != "logged in" {
		t.Errorf("tc = %+v", tc)
	}
}

func TestParseTestCasesStandard(t *testing.T) {
	reply := `{"test_cases":[{"title":"Bad password rejected","description":"d","test_type":"negative","priority":"High","test_steps":["try"],"expected_result":"error"}]}`
	cases := ParseTestCases(reply)
	if len(cases) != 1 || cases[0].Type != types.TestNegative {
		t.Fatalf("cases = %+v", cases)
	}
}

func TestParseTestCasesAbbreviationTable(t *testing.T) {
	for abbrev, want := range map[string]types.TestType{
		"pos": types.TestPositive, "neg": types.TestNegative, "edge": types.TestEdgeCase,
		"sec": types.TestSecurity, "perf": types.TestPerformance, "int": types.TestIntegration,
	} {
		if got := expandTestType(abbrev); got != want {
			t.Errorf("expandTestType(%q) = %q, want %q", abbrev, got, want)
		}
	}
	for abbrev, want := range map[string]string{"Crit": "Critical", "H": "High", "M": "Medium", "L": "Low"} {
		if got := expandPriority(abbrev); got != want {
			t.Errorf("expandPriority(%q) = %q, want %q", abbrev, got, want)
		}
	}
}

func TestValidateTestCases(t *testing.T) {
	cases := []types.TestCase{
		{Title: "", Steps: []string{"x"}},
		{Title: "No steps"},
		{Title: "Good", Steps: []string{"do it"}},
	}
	out := ValidateTestCases(cases)
	if len(out) != 1 || out[0].Title != "Good" {
		t.Fatalf("validated = %+v", out)
	}
	if out[0].ExpectedResult == "" {
		t.Error("missing expected result should get a default")
	}
}

func TestBuildStoryPromptMentionsContext(t *testing.T) {
	item := &types.WorkItem{
		Title:       "Checkout improvements",
		Description: "Customers abandon carts during payment. Admins need better order views.",
	}
	system, user := BuildStoryPrompt(item)
	if system == "" {
		t.Error("system prompt empty")
	}
	if !strings.Contains(user, "e-commerce") {
		t.Errorf("prompt should carry detected domain: %s", user)
	}
	if !strings.Contains(user, "customer") || !strings.Contains(user, "administrator") {
		t.Errorf("prompt should carry detected stakeholders: %s", user)
	}
	if !strings.Contains(user, `"stories"`) {
		t.Error("prompt must pin the response shape")
	}
}

func TestBuildTestCasePromptVariants(t *testing.T) {
	story := types.ProposedStory{Heading: "Login", Description: "d", AcceptanceCriteria: []string{"works"}}
	_, compact := BuildTestCasePrompt(story, true)
	_, standard := BuildTestCasePrompt(story, false)

	if !strings.Contains(compact, `"tcs"`) {
		t.Error("compact prompt must request the tcs shape")
	}
	if !strings.Contains(standard, `"test_cases"`) {
		t.Error("standard prompt must request the test_cases shape")
	}
	if len(compact) >= len(standard) {
		t.Error("compact prompt should be smaller than standard")
	}
}
