package azuredevops

import (
	"fmt"
	"html"
	"strings"
)

// FormatTestSteps renders plain-text test steps into the XML that Azure
// DevOps stores in Microsoft.VSTS.TCM.Steps. Step IDs start at 2 (the
// convention the web UI follows); the expected result is attached to the
// final step.
func FormatTestSteps(steps []string, expectedResult string) string {
	if len(steps) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<steps id="0" last="%d">`, len(steps)+1)
	for i, action := range steps {
		expected := ""
		if i == len(steps)-1 {
			expected = expectedResult
		}
		fmt.Fprintf(&b,
			`<step id="%d" type="ValidateStep">`+
				`<parameterizedString isformatted="true">%s</parameterizedString>`+
				`<parameterizedString isformatted="true">%s</parameterizedString>`+
				`<description/></step>`,
			i+2, stepHTML(action), stepHTML(expected))
	}
	b.WriteString("</steps>")
	return b.String()
}

// stepHTML wraps text in the DIV/P block ADO expects, escaped twice: once
// for the HTML fragment and once because the fragment itself is embedded
// in XML.
func stepHTML(text string) string {
	inner := "<DIV><P>" + html.EscapeString(text) + "</P></DIV>"
	return html.EscapeString(inner)
}
