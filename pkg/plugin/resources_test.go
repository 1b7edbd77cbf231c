package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/autocomplete"
)

// fakeCandidates serves fixed metric and tag lists and counts the calls
type fakeCandidates struct {
	mu          sync.Mutex
	metrics     []string
	tags        map[string][]string
	err         error
	metricCalls int
	tagCalls    map[string]int
}

func (f *fakeCandidates) ListMetrics(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.metrics, nil
}

func (f *fakeCandidates) ListTags(_ context.Context, metric string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagCalls == nil {
		f.tagCalls = make(map[string]int)
	}
	f.tagCalls[metric]++
	if f.err != nil {
		return nil, f.err
	}
	return f.tags[metric], nil
}

func newResourceDatasource(t *testing.T, candidates CandidateSource) *Datasource {
	t.Helper()

	settings, err := LoadSettings(backend.DataSourceInstanceSettings{
		DecryptedSecureJSONData: map[string]string{"apiKey": "a", "appKey": "b"},
	})
	require.NoError(t, err)

	ds := newDatasource(settings)
	ds.candidates = candidates
	t.Cleanup(ds.Dispose)
	return ds
}

func callResource(t *testing.T, ds *Datasource, method, path, body string) *backend.CallResourceResponse {
	t.Helper()

	var got *backend.CallResourceResponse
	err := ds.CallResource(context.Background(), &backend.CallResourceRequest{
		Method: method,
		Path:   path,
		Body:   []byte(body),
	}, backend.CallResourceResponseSenderFunc(func(resp *backend.CallResourceResponse) error {
		got = resp
		return nil
	}))
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func sampleCandidates() *fakeCandidates {
	return &fakeCandidates{
		metrics: []string{"system.cpu.user", "system.cpu.idle", "system.load.1", "aws.ec2.cpuutilization"},
		tags: map[string][]string{
			"system.cpu.user": {"host:web-01", "host:web-02", "env:prod", "env:staging", "service:api"},
		},
	}
}

func TestMetricsResource(t *testing.T) {
	t.Run("lists metrics and caches them", func(t *testing.T) {
		fake := sampleCandidates()
		ds := newResourceDatasource(t, fake)

		for i := 0; i < 2; i++ {
			resp := callResource(t, ds, http.MethodGet, "autocomplete/metrics", "")
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, "application/json", resp.Headers["Content-Type"][0])
			assert.JSONEq(t, `["system.cpu.user","system.cpu.idle","system.load.1","aws.ec2.cpuutilization"]`, string(resp.Body))
		}
		assert.Equal(t, 1, fake.metricCalls)
	})

	t.Run("degrades to an empty list on upstream failure", func(t *testing.T) {
		fake := &fakeCandidates{err: errors.New("failed to list metrics: Datadog API rate limit exceeded")}
		ds := newResourceDatasource(t, fake)

		for i := 0; i < 2; i++ {
			resp := callResource(t, ds, http.MethodGet, "/autocomplete/metrics/", "")
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.JSONEq(t, `[]`, string(resp.Body))
		}
		assert.Equal(t, 2, fake.metricCalls, "failures must not be cached")
	})

	t.Run("requires credentials", func(t *testing.T) {
		settings, err := LoadSettings(backend.DataSourceInstanceSettings{})
		require.NoError(t, err)
		ds := newDatasource(settings)
		ds.candidates = sampleCandidates()

		resp := callResource(t, ds, http.MethodGet, "autocomplete/metrics", "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		assert.JSONEq(t, `{"error":"Invalid Datadog API credentials"}`, string(resp.Body))
	})
}

func TestTagsResource(t *testing.T) {
	fake := sampleCandidates()
	ds := newResourceDatasource(t, fake)

	t.Run("lists tags for a metric", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodGet, "autocomplete/tags/system.cpu.user", "")
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.JSONEq(t, `["host:web-01","host:web-02","env:prod","env:staging","service:api"]`, string(resp.Body))
	})

	t.Run("unknown metric has no tags", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodGet, "autocomplete/tags/custom.metric", "")
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.JSONEq(t, `[]`, string(resp.Body))
	})

	t.Run("requires a metric name", func(t *testing.T) {
		for _, path := range []string{"autocomplete/tags", "autocomplete/tags/", "autocomplete/tags/%20"} {
			resp := callResource(t, ds, http.MethodGet, path, "")
			assert.Equal(t, http.StatusBadRequest, resp.Status, path)
			assert.JSONEq(t, `{"error":"metric name required"}`, string(resp.Body), path)
		}
	})

	t.Run("rejects regex metric names", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodGet, "autocomplete/tags//system\\..*/", "")
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Contains(t, string(resp.Body), "regex patterns are not supported")
	})
}

func TestSuggestionsResource(t *testing.T) {
	fake := sampleCandidates()
	ds := newResourceDatasource(t, fake)

	suggest := func(t *testing.T, query string, cursor int) SuggestionsResponse {
		t.Helper()
		body := mustJSON(t, SuggestionsRequest{Query: query, CursorPosition: cursor})
		resp := callResource(t, ds, http.MethodPost, "autocomplete/suggestions", body)
		require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))

		var out SuggestionsResponse
		require.NoError(t, json.Unmarshal(resp.Body, &out))
		return out
	}

	labels := func(items []autocomplete.CompletionItem) []string {
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = item.Label
		}
		return out
	}

	t.Run("metric names", func(t *testing.T) {
		out := suggest(t, "system.cpu", len("system.cpu"))
		assert.Equal(t, autocomplete.ContextMetric, out.Context.ContextType)
		assert.Equal(t, []string{"system.cpu.user", "system.cpu.idle"}, labels(out.Suggestions))
	})

	t.Run("tag keys skip tags already in the filter", func(t *testing.T) {
		query := "avg:system.cpu.user{host:web-01,"
		out := suggest(t, query, len(query))
		assert.Equal(t, autocomplete.ContextTag, out.Context.ContextType)
		assert.Equal(t, "system.cpu.user", out.Context.MetricName)
		assert.True(t, out.Context.ExistingTags.Has("host"))
		assert.NotContains(t, labels(out.Suggestions), "host")
		assert.Contains(t, labels(out.Suggestions), "env")
	})

	t.Run("tag values for the active key", func(t *testing.T) {
		query := "avg:system.cpu.user{env:"
		out := suggest(t, query, len(query))
		assert.Equal(t, autocomplete.ContextTagValue, out.Context.ContextType)
		assert.ElementsMatch(t, []string{"prod", "staging"}, labels(out.Suggestions))
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodPost, "autocomplete/suggestions", `{"query":`)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.JSONEq(t, `{"error":"invalid request body"}`, string(resp.Body))
	})

	assert.Equal(t, 1, fake.metricCalls)
	assert.Equal(t, 1, fake.tagCalls["system.cpu.user"])
}

func TestVariablesResource(t *testing.T) {
	fake := sampleCandidates()
	ds := newResourceDatasource(t, fake)

	options := func(t *testing.T, resp *backend.CallResourceResponse) []string {
		t.Helper()
		require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
		var values []MetricFindValue
		require.NoError(t, json.Unmarshal(resp.Body, &values))
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = v.Text
		}
		return out
	}

	t.Run("legacy tag values", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodPost, "variables", `{"query":"tag_values(system.cpu.user, host)"}`)
		assert.Equal(t, []string{"web-01", "web-02"}, options(t, resp))
	})

	t.Run("tag keys with an interpolated metric", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodPost, "variables", `{
			"query": {"queryType": "tag_keys", "metricName": "$metric"},
			"scopedVars": {"metric": {"text": "system.cpu.user", "value": "system.cpu.user"}}
		}`)
		assert.Equal(t, []string{"host", "env", "service"}, options(t, resp))
	})

	t.Run("metrics matching a regex", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodPost, "variables", `{"query": {"queryType": "metrics", "filter": "/^system\\.cpu/"}}`)
		assert.Equal(t, []string{"system.cpu.user", "system.cpu.idle"}, options(t, resp))
	})

	t.Run("rejects incomplete queries", func(t *testing.T) {
		resp := callResource(t, ds, http.MethodPost, "variables", `{"query": {"queryType": "tag_values", "metricName": "system.cpu.user"}}`)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.JSONEq(t, `{"error":"tag_values query requires a metric and a tag key"}`, string(resp.Body))
	})

	t.Run("reports upstream failures", func(t *testing.T) {
		failing := newResourceDatasource(t, &fakeCandidates{err: errors.New("failed to list metrics: Query timeout")})
		resp := callResource(t, failing, http.MethodPost, "variables", `{"query": "metrics"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
		assert.Contains(t, string(resp.Body), "Query timeout")
	})
}

func TestUnknownResource(t *testing.T) {
	ds := newResourceDatasource(t, sampleCandidates())

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "autocomplete/unknown"},
		{http.MethodPost, "autocomplete/metrics"},
		{http.MethodGet, "variables"},
	} {
		resp := callResource(t, ds, req.method, req.path, "")
		assert.Equal(t, http.StatusNotFound, resp.Status, "%s %s", req.method, req.path)
		assert.JSONEq(t, `{"error":"endpoint not found"}`, string(resp.Body))
	}
}
