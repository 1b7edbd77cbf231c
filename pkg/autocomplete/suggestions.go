package autocomplete

import (
	"fmt"
	"strings"
)

const (
	// MaxSuggestions caps the number of items returned for a single request
	MaxSuggestions = 100

	noMetricsLabel = "No metrics available"
)

type aggregation struct {
	name string
	// family groups shorthand aggregations under the name users start typing
	family string
}

// aggregations offered after a "by" keyword
var aggregations = []aggregation{
	{name: "avg"},
	{name: "sum"},
	{name: "min"},
	{name: "max"},
	{name: "count"},
	{name: "last"},
	{name: "percentile"},
	{name: "cardinality"},
	{name: "pct_95", family: "percentile"},
	{name: "pct_99", family: "percentile"},
}

// CompletionItem is a single autocomplete suggestion
type CompletionItem struct {
	Label         string      `json:"label"`
	Kind          ContextType `json:"kind"`
	InsertText    string      `json:"insertText"`
	Documentation string      `json:"documentation,omitempty"`
	SortText      string      `json:"sortText"`
}

// GenerateSuggestions builds completion items for qc from the candidate metric names
// and "key:value" tags. It never returns nil.
func GenerateSuggestions(qc QueryContext, metrics, tags []string) []CompletionItem {
	var items []CompletionItem

	switch qc.ContextType {
	case ContextMetric:
		items = metricSuggestions(qc.CurrentToken, metrics)
	case ContextAggregation:
		items = aggregationSuggestions(qc.CurrentToken)
	case ContextTag:
		items = tagSuggestions(qc.CurrentToken, tags, qc.ExistingTags)
	case ContextTagValue:
		key := qc.TagKey
		if key == "" {
			key = activeTagKey(qc.LineContent, qc.Column)
		}
		items = tagValueSuggestions(qc.CurrentToken, key, tags)
	}

	return finalize(items)
}

func metricSuggestions(token string, metrics []string) []CompletionItem {
	if len(metrics) == 0 {
		return []CompletionItem{{Label: noMetricsLabel, Kind: ContextMetric}}
	}

	match := newMatcher(token)
	var items []CompletionItem
	for _, m := range metrics {
		if m == "" || !match(m) {
			continue
		}
		items = append(items, CompletionItem{Label: m, Kind: ContextMetric, InsertText: m})
	}
	return items
}

func aggregationSuggestions(token string) []CompletionItem {
	prefix := strings.ToLower(token)

	var items []CompletionItem
	for _, agg := range aggregations {
		if !strings.HasPrefix(agg.name, prefix) && (agg.family == "" || !strings.HasPrefix(agg.family, prefix)) {
			continue
		}
		items = append(items, CompletionItem{Label: agg.name, Kind: ContextAggregation, InsertText: agg.name})
	}
	return items
}

func tagSuggestions(token string, tags []string, existing TagSet) []CompletionItem {
	match := newMatcher(token)

	var items []CompletionItem
	for _, tag := range tags {
		key, _, _ := strings.Cut(tag, ":")
		if key == "" || existing.Has(key) || !match(key) {
			continue
		}
		items = append(items, CompletionItem{Label: key, Kind: ContextTag, InsertText: key + ":"})
	}
	return items
}

func tagValueSuggestions(token, key string, tags []string) []CompletionItem {
	if key == "" {
		return nil
	}

	match := newMatcher(token)

	var items []CompletionItem
	for _, tag := range tags {
		k, value, found := strings.Cut(tag, ":")
		if !found || k != key || value == "" || !match(value) {
			continue
		}
		items = append(items, CompletionItem{Label: value, Kind: ContextTagValue, InsertText: value})
	}
	return items
}

// newMatcher returns a case-insensitive substring matcher for token.
// An empty token matches everything.
func newMatcher(token string) func(string) bool {
	needle := strings.ToLower(token)
	return func(candidate string) bool {
		return needle == "" || strings.Contains(strings.ToLower(candidate), needle)
	}
}

// finalize deduplicates by label, caps the list and fills in documentation and sort keys
func finalize(items []CompletionItem) []CompletionItem {
	size := len(items)
	if size > MaxSuggestions {
		size = MaxSuggestions
	}

	out := make([]CompletionItem, 0, size)
	seen := make(map[string]struct{}, size)
	for _, item := range items {
		if len(out) == MaxSuggestions {
			break
		}
		if _, dup := seen[item.Label]; dup {
			continue
		}
		seen[item.Label] = struct{}{}

		item.Documentation = fmt.Sprintf("Datadog %s: %s", item.Kind, item.Label)
		item.SortText = item.Label
		out = append(out, item)
	}

	return out
}
