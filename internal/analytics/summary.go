package analytics

import (
	"sort"

	"github.com/danielpatrickdp/affect-state/internal/emotion"
)

// Summarize returns the label distribution of states, most frequent first
// with ties broken by label. Percentages are in [0,100].
func Summarize(states []emotion.FusedState) []LabelShare {
	if len(states) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, st := range states {
		counts[st.DominantLabel]++
	}

	out := make([]LabelShare, 0, len(counts))
	total := float64(len(states))
	for label, n := range counts {
		out = append(out, LabelShare{
			Label:      label,
			Count:      n,
			Percentage: float64(n) / total * 100,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// DailyTrends groups states by UTC day and dominant label and reports the
// mean fused confidence of each group, ordered by day then label.
func DailyTrends(states []emotion.FusedState) []DailyTrend {
	type key struct{ date, label string }
	sums := make(map[key]float64)
	counts := make(map[key]int)
	for _, st := range states {
		k := key{date: st.FusedAt.UTC().Format("2006-01-02"), label: st.DominantLabel}
		sums[k] += st.FusedConfidence
		counts[k]++
	}

	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].label < keys[j].label
	})

	out := make([]DailyTrend, 0, len(keys))
	for _, k := range keys {
		out = append(out, DailyTrend{
			Date:           k.date,
			Label:          k.label,
			Count:          counts[k],
			MeanConfidence: sums[k] / float64(counts[k]),
		})
	}
	return out
}
