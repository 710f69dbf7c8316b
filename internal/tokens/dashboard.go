package tokens

import "time"

// CallTypeSummary aggregates records of one call type.
type CallTypeSummary struct {
	Calls            int     `json:"calls"`
	AvgPromptTokens  float64 `json:"avg_prompt_tokens"`
	AvgTotalTokens   float64 `json:"avg_total_tokens"`
	TokensSaved      int     `json:"tokens_saved"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// HourBucket is one hour of the last-24h series.
type HourBucket struct {
	Hour   time.Time `json:"hour"`
	Calls  int       `json:"calls"`
	Tokens int       `json:"tokens"`
}

// Dashboard is a point-in-time aggregate view for the control surface.
// Building it issues no external calls.
type Dashboard struct {
	Stats        Stats                        `json:"stats"`
	ByCallType   map[CallType]CallTypeSummary `json:"by_call_type"`
	Last24h      []HourBucket                 `json:"last_24h"`
	SavingsUSD   float64                      `json:"savings_usd"`
	CompactShare float64                      `json:"compact_share"`
	WindowSize   int                          `json:"window_size"`
	GeneratedAt  time.Time                    `json:"generated_at"`
}

// Dashboard computes the aggregate view from the in-memory window.
func (a *Accountant) Dashboard() Dashboard {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	d := Dashboard{
		Stats:       a.stats,
		ByCallType:  make(map[CallType]CallTypeSummary),
		WindowSize:  len(a.records),
		GeneratedAt: now,
	}

	type agg struct {
		calls, prompt, total, saved int
		cost                        float64
	}
	byType := make(map[CallType]*agg)
	hourly := make(map[time.Time]*HourBucket)
	cutoff := now.Add(-24 * time.Hour)

	for _, r := range a.records {
		ag := byType[r.CallType]
		if ag == nil {
			ag = &agg{}
			byType[r.CallType] = ag
		}
		ag.calls++
		ag.prompt += r.PromptTokens
		ag.total += r.TotalTokens
		ag.saved += r.TokensSaved
		ag.cost += Cost(r.Model, r.PromptTokens, r.CompletionTokens)

		if r.Timestamp.After(cutoff) {
			hour := r.Timestamp.Truncate(time.Hour)
			b := hourly[hour]
			if b == nil {
				b = &HourBucket{Hour: hour}
				hourly[hour] = b
			}
			b.Calls++
			b.Tokens += r.TotalTokens
		}
	}

	for ct, ag := range byType {
		s := CallTypeSummary{
			Calls:            ag.calls,
			TokensSaved:      ag.saved,
			EstimatedCostUSD: ag.cost,
		}
		if ag.calls > 0 {
			s.AvgPromptTokens = float64(ag.prompt) / float64(ag.calls)
			s.AvgTotalTokens = float64(ag.total) / float64(ag.calls)
		}
		d.ByCallType[ct] = s
	}

	// Oldest to newest, gaps omitted.
	for h := cutoff.Truncate(time.Hour); !h.After(now); h = h.Add(time.Hour) {
		if b, ok := hourly[h]; ok {
			d.Last24h = append(d.Last24h, *b)
		}
	}

	// Saved tokens are valued at the recorded model's input price; with
	// mixed models this approximates using the overall cost/token ratio.
	if a.stats.TotalTokens > 0 {
		d.SavingsUSD = a.stats.EstimatedCostUSD / float64(a.stats.TotalTokens) * float64(a.stats.TokensSaved)
	}
	if a.stats.TotalCalls > 0 {
		d.CompactShare = float64(a.stats.CompactCalls) / float64(a.stats.TotalCalls)
	}
	return d
}
