package extractor

import (
	"sort"
	"strings"
)

// requirementContext captures prompt-steering heuristics derived from a
// requirement's text: rough domain, likely stakeholders, and complexity.
type requirementContext struct {
	Domain       string
	Stakeholders []string
	Complexity   string
}

var domainKeywords = []struct {
	domain   string
	keywords []string
}{
	{"e-commerce", []string{"checkout", "cart", "payment", "order", "purchase", "catalog", "shipping"}},
	{"authentication", []string{"login", "auth", "password", "mfa", "sso", "signin", "credential"}},
	{"reporting", []string{"report", "dashboard", "analytics", "export", "chart", "metric"}},
	{"integration", []string{"api", "webhook", "sync", "integration", "import", "connector"}},
	{"data management", []string{"database", "migration", "schema", "storage", "backup"}},
}

var stakeholderKeywords = map[string][]string{
	"customer":      {"customer", "user", "buyer", "visitor"},
	"administrator": {"admin", "administrator", "operator"},
	"manager":       {"manager", "supervisor", "stakeholder"},
	"developer":     {"developer", "engineer", "api consumer"},
	"support agent": {"support", "agent", "helpdesk"},
}

// analyzeRequirement inspects the requirement text and returns prompt
// context. All heuristics are pure string matching; no external calls.
func analyzeRequirement(title, description string) requirementContext {
	text := strings.ToLower(title + " " + description)

	rc := requirementContext{Domain: "general software"}
	for _, d := range domainKeywords {
		for _, kw := range d.keywords {
			if strings.Contains(text, kw) {
				rc.Domain = d.domain
				break
			}
		}
		if rc.Domain != "general software" {
			break
		}
	}

	for stakeholder, kws := range stakeholderKeywords {
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				rc.Stakeholders = append(rc.Stakeholders, stakeholder)
				break
			}
		}
	}
	if len(rc.Stakeholders) == 0 {
		rc.Stakeholders = []string{"end user"}
	}
	sort.Strings(rc.Stakeholders)

	words := len(strings.Fields(description))
	switch {
	case words > 200:
		rc.Complexity = "high"
	case words > 60:
		rc.Complexity = "medium"
	default:
		rc.Complexity = "low"
	}
	return rc
}
