// Package tokens is the sidecar accountant for generator calls. It
// estimates prompt/response token counts from text alone (no tokenizer
// calls), attributes them to compact vs standard prompt variants,
// aggregates savings, and persists a rolling window of records.
package tokens

import (
	"strings"
	"time"
)

// CallType labels what a generator call was for.
type CallType string

const (
	CallStoryExtraction    CallType = "story_extraction"
	CallTestCaseExtraction CallType = "test_case_extraction"
	CallOther              CallType = "other"
)

// compactReduction is the measured token reduction of the compact prompt
// variant relative to the standard one.
const compactReduction = 0.571

// Record is one accounted generator call.
type Record struct {
	Timestamp               time.Time `json:"timestamp"`
	CallType                CallType  `json:"call_type"`
	PromptTokens            int       `json:"prompt_tokens"`
	CompletionTokens        int       `json:"completion_tokens"`
	TotalTokens             int       `json:"total_tokens"`
	CompactPromptUsed       bool      `json:"compact_prompt_used"`
	EstimatedStandardTokens int       `json:"estimated_standard_tokens"`
	TokensSaved             int       `json:"tokens_saved"`
	ReductionPercentage     float64   `json:"reduction_percentage"`
	Model                   string    `json:"model"`
	Provider                string    `json:"provider"`
	Success                 bool      `json:"success"`
	ErrorMessage            string    `json:"error_message,omitempty"`
	AttributionID           string    `json:"attribution_id,omitempty"`
	AttributionTitle        string    `json:"attribution_title,omitempty"`
}

// Stats are monotonic aggregates over the record stream. Unlike the
// record ring buffer they are never truncated.
type Stats struct {
	TotalCalls       int     `json:"total_calls"`
	SuccessfulCalls  int     `json:"successful_calls"`
	FailedCalls      int     `json:"failed_calls"`
	CompactCalls     int     `json:"compact_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TokensSaved      int     `json:"tokens_saved"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// EstimateTokens approximates the token count of text. JSON-heavy content
// packs more tokens per character, hence the smaller divisor.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	d := 4
	if strings.ContainsAny(text, "{[") {
		d = 3
	}
	n := len(text) / d
	if n < 1 {
		n = 1
	}
	return n
}

// modelPricing is USD per 1K tokens, input then output.
type modelPricing struct {
	input  float64
	output float64
}

// Order matters: more specific names first, so "gpt-4o-mini" is not
// swallowed by "gpt-4".
var pricingTable = []struct {
	name    string
	pricing modelPricing
}{
	{"gpt-4o-mini", modelPricing{0.00015, 0.0006}},
	{"gpt-4o", modelPricing{0.005, 0.015}},
	{"gpt-4-turbo", modelPricing{0.01, 0.03}},
	{"gpt-3.5-turbo", modelPricing{0.0005, 0.0015}},
	{"gpt-4", modelPricing{0.03, 0.06}},
}

var fallbackPricing = modelPricing{0.03, 0.06} // gpt-4

// Cost estimates the USD cost of a call. Unknown models use gpt-4 pricing.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p := fallbackPricing
	lower := strings.ToLower(model)
	for _, entry := range pricingTable {
		if strings.Contains(lower, entry.name) {
			p = entry.pricing
			break
		}
	}
	return float64(promptTokens)/1000*p.input + float64(completionTokens)/1000*p.output
}

// newRecord builds a Record from raw call texts, applying the compact
// savings model when the compact prompt variant was used.
func newRecord(callType CallType, promptText, responseText string, compact bool,
	model, provider string, success bool, errMsg, attrID, attrTitle string) Record {

	prompt := EstimateTokens(promptText)
	completion := EstimateTokens(responseText)

	rec := Record{
		Timestamp:         time.Now().UTC(),
		CallType:          callType,
		PromptTokens:      prompt,
		CompletionTokens:  completion,
		TotalTokens:       prompt + completion,
		CompactPromptUsed: compact,
		Model:             model,
		Provider:          provider,
		Success:           success,
		ErrorMessage:      errMsg,
		AttributionID:     attrID,
		AttributionTitle:  attrTitle,
	}

	if compact && prompt > 0 {
		estStandard := int(float64(prompt) / (1 - compactReduction))
		rec.EstimatedStandardTokens = estStandard
		rec.TokensSaved = estStandard - prompt
		if estStandard > 0 {
			rec.ReductionPercentage = float64(rec.TokensSaved) / float64(estStandard) * 100
		}
	} else {
		rec.EstimatedStandardTokens = prompt
	}
	return rec
}
