package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grafana/regexp"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
)

// VariableQueryType selects what a dashboard variable query lists
type VariableQueryType string

const (
	VariableQueryMetrics   VariableQueryType = "metrics"
	VariableQueryTagKeys   VariableQueryType = "tag_keys"
	VariableQueryTagValues VariableQueryType = "tag_values"
)

var (
	legacyTagsPattern      = regexp.MustCompile(`^tags\(\s*([^,()]*?)\s*\)$`)
	legacyTagValuesPattern = regexp.MustCompile(`^tag_values\(\s*([^,()]+?)\s*,\s*([^,()]+?)\s*\)$`)
)

// VariableQuery is the query behind a dashboard variable
type VariableQuery struct {
	Type   VariableQueryType `json:"queryType"`
	Metric string            `json:"metricName,omitempty"`
	TagKey string            `json:"tagKey,omitempty"`
	// Filter narrows the result: a substring, or /regex/
	Filter string `json:"filter,omitempty"`
}

// ParseVariableQuery accepts the JSON object form or the legacy string forms
// "", "metrics", "<filter>", "tags(<metric>)" and "tag_values(<metric>,<key>)"
func ParseVariableQuery(raw json.RawMessage) (VariableQuery, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return VariableQuery{Type: VariableQueryMetrics}, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return VariableQuery{}, fmt.Errorf("failed to parse variable query: %w", err)
		}
		return parseLegacyVariableQuery(text), nil
	}

	var q VariableQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return VariableQuery{}, fmt.Errorf("failed to parse variable query: %w", err)
	}
	if q.Type == "" {
		q.Type = VariableQueryMetrics
	}

	return q, nil
}

func parseLegacyVariableQuery(text string) VariableQuery {
	text = strings.TrimSpace(text)

	if m := legacyTagValuesPattern.FindStringSubmatch(text); m != nil {
		return VariableQuery{Type: VariableQueryTagValues, Metric: m[1], TagKey: m[2]}
	}
	if m := legacyTagsPattern.FindStringSubmatch(text); m != nil {
		return VariableQuery{Type: VariableQueryTagKeys, Metric: m[1]}
	}
	if text == "" || text == string(VariableQueryMetrics) {
		return VariableQuery{Type: VariableQueryMetrics}
	}

	return VariableQuery{Type: VariableQueryMetrics, Filter: text}
}

// Validate checks that the fields required by the query type are present
func (q VariableQuery) Validate() error {
	switch q.Type {
	case VariableQueryMetrics:
	case VariableQueryTagKeys:
		if q.Metric == "" {
			return fmt.Errorf("%s query requires a metric", q.Type)
		}
	case VariableQueryTagValues:
		if q.Metric == "" || q.TagKey == "" {
			return fmt.Errorf("%s query requires a metric and a tag key", q.Type)
		}
	default:
		return fmt.Errorf("unknown variable query type %q", q.Type)
	}

	_, err := q.matcher()
	return err
}

// Interpolate expands template variables in every field
func (q VariableQuery) Interpolate(svc *variables.Service, scoped variables.ScopedVars) VariableQuery {
	expand := func(text string) string {
		if text == "" {
			return text
		}
		return svc.InterpolateQuery(variables.Query{QueryText: text}, scoped).InterpolatedQueryText
	}

	q.Metric = expand(q.Metric)
	q.TagKey = expand(q.TagKey)
	q.Filter = expand(q.Filter)
	return q
}

func (q VariableQuery) matcher() (func(string) bool, error) {
	filter := q.Filter
	if filter == "" {
		return func(string) bool { return true }, nil
	}

	if len(filter) >= 2 && strings.HasPrefix(filter, "/") && strings.HasSuffix(filter, "/") {
		re, err := regexp.Compile(filter[1 : len(filter)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid variable filter %q: %w", filter, err)
		}
		return re.MatchString, nil
	}

	return func(candidate string) bool {
		return strings.Contains(candidate, filter)
	}, nil
}

// Select picks the variable values out of the candidate metrics or tags
func (q VariableQuery) Select(candidates []string) ([]string, error) {
	match, err := q.matcher()
	if err != nil {
		return nil, err
	}

	values := []string{}
	seen := make(map[string]struct{})
	add := func(v string) {
		if v == "" || !match(v) {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}

	for _, candidate := range candidates {
		switch q.Type {
		case VariableQueryTagKeys:
			key, _, _ := strings.Cut(candidate, ":")
			add(key)
		case VariableQueryTagValues:
			if key, value, ok := strings.Cut(candidate, ":"); ok && key == q.TagKey {
				add(value)
			}
		default:
			add(candidate)
		}
	}

	return values, nil
}
