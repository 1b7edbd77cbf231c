package autocomplete

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labels(items []CompletionItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Label
	}
	return out
}

func TestGenerateSuggestions_Metric(t *testing.T) {
	metrics := []string{"system.cpu.user", "system.cpu.idle", "system.mem.used", "aws.ec2.CPUUtilization"}

	t.Run("filters by substring, case-insensitively", func(t *testing.T) {
		qc := QueryContext{ContextType: ContextMetric, CurrentToken: "CPU"}
		items := GenerateSuggestions(qc, metrics, nil)

		assert.Equal(t, []string{"system.cpu.user", "system.cpu.idle", "aws.ec2.CPUUtilization"}, labels(items))
		for _, item := range items {
			assert.Equal(t, ContextMetric, item.Kind)
			assert.Equal(t, item.Label, item.InsertText)
			assert.Equal(t, item.Label, item.SortText)
			assert.Equal(t, "Datadog metric: "+item.Label, item.Documentation)
		}
	})

	t.Run("empty token returns everything", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextMetric}, metrics, nil)
		assert.Len(t, items, len(metrics))
	})

	t.Run("no metrics yields placeholder", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextMetric, CurrentToken: "sys"}, nil, nil)
		require.Len(t, items, 1)
		assert.Equal(t, "No metrics available", items[0].Label)
		// Unlike every other metric item, the placeholder inserts nothing when picked
		assert.Empty(t, items[0].InsertText)
	})

	t.Run("no match yields empty list", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextMetric, CurrentToken: "zzz"}, metrics, nil)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("duplicates are removed in first-seen order", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextMetric, CurrentToken: "a"}, []string{"a", "a", "b.a"}, nil)
		assert.Equal(t, []string{"a", "b.a"}, labels(items))
	})

	t.Run("results are capped", func(t *testing.T) {
		many := make([]string, 0, 250)
		for i := 0; i < 250; i++ {
			many = append(many, fmt.Sprintf("custom.metric.%03d", i))
		}

		items := GenerateSuggestions(QueryContext{ContextType: ContextMetric, CurrentToken: "custom"}, many, nil)
		require.Len(t, items, MaxSuggestions)
		assert.Equal(t, "custom.metric.000", items[0].Label)
		assert.Equal(t, "custom.metric.099", items[MaxSuggestions-1].Label)
	})
}

func TestGenerateSuggestions_Aggregation(t *testing.T) {
	t.Run("percentile family", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextAggregation, CurrentToken: "pe"}, nil, nil)
		got := labels(items)

		assert.Equal(t, []string{"percentile", "pct_95", "pct_99"}, got)
		assert.NotContains(t, got, "avg")
	})

	t.Run("exact name", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextAggregation, CurrentToken: "avg"}, nil, nil)
		assert.Equal(t, []string{"avg"}, labels(items))
	})

	t.Run("pct prefix", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextAggregation, CurrentToken: "PCT"}, nil, nil)
		assert.Equal(t, []string{"pct_95", "pct_99"}, labels(items))
	})

	t.Run("empty token lists every aggregation", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextAggregation}, []string{"ignored"}, []string{"ignored:x"})
		require.Len(t, items, len(aggregations))
		assert.Equal(t, "avg", items[0].Label)
		assert.Equal(t, "pct_99", items[len(items)-1].Label)
		assert.Equal(t, "Datadog aggregation: avg", items[0].Documentation)
	})
}

func TestGenerateSuggestions_Tag(t *testing.T) {
	tags := []string{"host:x", "host:y", "env:prod", "env:staging", "region:us-east-1", "service:api"}

	t.Run("existing keys are excluded", func(t *testing.T) {
		qc := QueryContext{ContextType: ContextTag, ExistingTags: TagSet{"host": {}}}
		got := labels(GenerateSuggestions(qc, nil, tags))

		assert.NotContains(t, got, "host")
		assert.Contains(t, got, "env")
		assert.Equal(t, []string{"env", "region", "service"}, got)
	})

	t.Run("keys are unique and insert text has a colon", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextTag, CurrentToken: "E"}, nil, tags)

		assert.Equal(t, []string{"env", "region", "service"}, labels(items))
		assert.Equal(t, "env:", items[0].InsertText)
		assert.Equal(t, ContextTag, items[0].Kind)
	})

	t.Run("parsed context flows straight into suggestions", func(t *testing.T) {
		qc := ParseQuery("system.cpu{host:web-01,re", 25)
		items := GenerateSuggestions(qc, nil, tags)
		assert.Equal(t, []string{"region"}, labels(items))
	})

	t.Run("no tags yields empty list", func(t *testing.T) {
		items := GenerateSuggestions(QueryContext{ContextType: ContextTag}, nil, nil)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})
}

func TestGenerateSuggestions_TagValue(t *testing.T) {
	tags := []string{"host:web-01", "host:web-02", "host:db-01", "env:prod", "url:http://a", "novalue"}

	t.Run("values of the active key", func(t *testing.T) {
		qc := QueryContext{ContextType: ContextTagValue, TagKey: "host", CurrentToken: "WEB"}
		items := GenerateSuggestions(qc, nil, tags)

		assert.Equal(t, []string{"web-01", "web-02"}, labels(items))
		assert.Equal(t, "web-01", items[0].InsertText)
		assert.Equal(t, "Datadog tag_value: web-01", items[0].Documentation)
	})

	t.Run("key is derived from the line when missing", func(t *testing.T) {
		line := "system.cpu{env:p"
		qc := QueryContext{ContextType: ContextTagValue, LineContent: line, CursorPosition: len(line), CurrentToken: "p"}
		assert.Equal(t, []string{"prod"}, labels(GenerateSuggestions(qc, nil, tags)))
	})

	t.Run("derived key uses the line column on later lines", func(t *testing.T) {
		text := "avg:cpu{*}\nsystem.mem{env:p,host:w}"
		cursor := strings.Index(text, "env:p") + len("env:p")

		qc := ParseQuery(text, cursor)
		require.Equal(t, ContextTagValue, qc.ContextType)
		require.Equal(t, 16, qc.Column)
		qc.TagKey = ""

		assert.Equal(t, []string{"prod"}, labels(GenerateSuggestions(qc, nil, tags)))
	})

	t.Run("values keep everything after the first colon", func(t *testing.T) {
		qc := ParseQuery("http.requests{url:", 18)
		assert.Equal(t, []string{"http://a"}, labels(GenerateSuggestions(qc, nil, tags)))
	})

	t.Run("unknown key yields empty list", func(t *testing.T) {
		qc := QueryContext{ContextType: ContextTagValue, LineContent: "system.cpu", CursorPosition: 10}
		items := GenerateSuggestions(qc, nil, tags)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})
}

func TestGenerateSuggestions_Concurrent(t *testing.T) {
	metrics := []string{"system.cpu.user", "system.cpu.idle"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qc := ParseQuery("system.cpu", 10)
			items := GenerateSuggestions(qc, metrics, nil)
			assert.Len(t, items, 2)
		}()
	}
	wg.Wait()
}
