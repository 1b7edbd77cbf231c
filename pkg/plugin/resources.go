package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/autocomplete"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
)

const (
	metricsResourcePath     = "autocomplete/metrics"
	tagsResourcePrefix      = "autocomplete/tags/"
	suggestionsResourcePath = "autocomplete/suggestions"
	variablesResourcePath   = "variables"
)

// SuggestionsRequest is the body of POST autocomplete/suggestions
type SuggestionsRequest struct {
	Query          string `json:"query"`
	CursorPosition int    `json:"cursorPosition"`
}

// SuggestionsResponse is returned by POST autocomplete/suggestions
type SuggestionsResponse struct {
	Context     autocomplete.QueryContext     `json:"context"`
	Suggestions []autocomplete.CompletionItem `json:"suggestions"`
}

// VariablesRequest is the body of POST variables
type VariablesRequest struct {
	Query      json.RawMessage      `json:"query"`
	ScopedVars variables.ScopedVars `json:"scopedVars,omitempty"`
}

// MetricFindValue is a single dashboard variable option
type MetricFindValue struct {
	Text string `json:"text"`
}

// CallResource handles resource calls (autocomplete and variable endpoints)
func (d *Datasource) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	logger := log.New()
	path := strings.TrimPrefix(req.Path, "/")
	route := strings.TrimSuffix(path, "/")

	switch {
	case req.Method == http.MethodGet && route == metricsResourcePath:
		return d.handleMetrics(ctx, sender)
	case req.Method == http.MethodGet && route+"/" == tagsResourcePrefix:
		return d.handleTags(ctx, "", sender)
	case req.Method == http.MethodGet && strings.HasPrefix(path, tagsResourcePrefix):
		return d.handleTags(ctx, strings.TrimPrefix(path, tagsResourcePrefix), sender)
	case req.Method == http.MethodPost && route == suggestionsResourcePath:
		return d.handleSuggestions(ctx, req.Body, sender)
	case req.Method == http.MethodPost && route == variablesResourcePath:
		return d.handleVariables(ctx, req.Body, sender)
	default:
		logger.Warn("Unknown resource path", "path", req.Path, "method", req.Method)
		return sendError(sender, http.StatusNotFound, "endpoint not found")
	}
}

// handleMetrics serves GET autocomplete/metrics
func (d *Datasource) handleMetrics(ctx context.Context, sender backend.CallResourceResponseSender) error {
	if err := d.settings.Credentials(); err != nil {
		return sendError(sender, http.StatusUnauthorized, "Invalid Datadog API credentials")
	}

	return sendJSON(sender, http.StatusOK, d.metricCandidates(ctx))
}

// handleTags serves GET autocomplete/tags/{metric}
func (d *Datasource) handleTags(ctx context.Context, rawMetric string, sender backend.CallResourceResponseSender) error {
	metric, err := url.PathUnescape(rawMetric)
	if err != nil {
		return sendError(sender, http.StatusBadRequest, "invalid metric name")
	}

	if _, err := NewDatadogMetricsRequestBuilder().BuildListTagsByMetricNameRequest(metric); err != nil {
		return sendError(sender, http.StatusBadRequest, err.Error())
	}

	if err := d.settings.Credentials(); err != nil {
		return sendError(sender, http.StatusUnauthorized, "Invalid Datadog API credentials")
	}

	return sendJSON(sender, http.StatusOK, d.tagCandidates(ctx, strings.TrimSpace(metric)))
}

// handleSuggestions serves POST autocomplete/suggestions
func (d *Datasource) handleSuggestions(ctx context.Context, body []byte, sender backend.CallResourceResponseSender) error {
	var req SuggestionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return sendError(sender, http.StatusBadRequest, "invalid request body")
	}

	qc := autocomplete.ParseQuery(req.Query, req.CursorPosition)

	var metrics, tags []string
	switch qc.ContextType {
	case autocomplete.ContextMetric:
		metrics = d.metricCandidates(ctx)
	case autocomplete.ContextTag, autocomplete.ContextTagValue:
		if qc.MetricName != "" {
			tags = d.tagCandidates(ctx, qc.MetricName)
		}
	}

	suggestionsServed.WithLabelValues(string(qc.ContextType)).Inc()

	return sendJSON(sender, http.StatusOK, SuggestionsResponse{
		Context:     qc,
		Suggestions: autocomplete.GenerateSuggestions(qc, metrics, tags),
	})
}

// handleVariables serves POST variables
func (d *Datasource) handleVariables(ctx context.Context, body []byte, sender backend.CallResourceResponseSender) error {
	logger := log.New()

	var req VariablesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return sendError(sender, http.StatusBadRequest, "invalid request body")
	}

	q, err := ParseVariableQuery(req.Query)
	if err != nil {
		return sendError(sender, http.StatusBadRequest, err.Error())
	}

	q = q.Interpolate(d.variables, req.ScopedVars)
	if err := q.Validate(); err != nil {
		return sendError(sender, http.StatusBadRequest, err.Error())
	}

	var candidates []string
	if q.Type == VariableQueryMetrics {
		candidates, err = d.cache.GetOrFetch(ctx, metricsCacheKey, d.candidates.ListMetrics)
	} else {
		candidates, err = d.cache.GetOrFetch(ctx, tagsCacheKey(q.Metric), func(ctx context.Context) ([]string, error) {
			return d.candidates.ListTags(ctx, q.Metric)
		})
	}
	if err != nil {
		logger.Error("Variable query failed", "type", q.Type, "metric", q.Metric, "error", err)
		return sendError(sender, http.StatusInternalServerError, err.Error())
	}

	values, err := q.Select(candidates)
	if err != nil {
		return sendError(sender, http.StatusBadRequest, err.Error())
	}

	options := make([]MetricFindValue, len(values))
	for i, v := range values {
		options[i] = MetricFindValue{Text: v}
	}

	return sendJSON(sender, http.StatusOK, options)
}

// metricCandidates returns cached metric names; failures degrade to an empty list
func (d *Datasource) metricCandidates(ctx context.Context) []string {
	metrics, err := d.cache.GetOrFetch(ctx, metricsCacheKey, d.candidates.ListMetrics)
	if err != nil {
		log.New().Warn("Metric candidates unavailable", "error", err)
		return []string{}
	}
	return metrics
}

// tagCandidates returns cached tags for metric; failures degrade to an empty list
func (d *Datasource) tagCandidates(ctx context.Context, metric string) []string {
	tags, err := d.cache.GetOrFetch(ctx, tagsCacheKey(metric), func(ctx context.Context) ([]string, error) {
		return d.candidates.ListTags(ctx, metric)
	})
	if err != nil {
		if !errors.Is(err, ErrRegexMetricName) {
			log.New().Warn("Tag candidates unavailable", "metric", metric, "error", err)
		}
		return []string{}
	}
	return tags
}

func sendJSON(sender backend.CallResourceResponseSender, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return sendError(sender, http.StatusInternalServerError, "failed to encode response")
	}

	return sender.Send(&backend.CallResourceResponse{
		Status:  status,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    body,
	})
}

func sendError(sender backend.CallResourceResponseSender, status int, message string) error {
	body, _ := json.Marshal(map[string]string{"error": message})

	return sender.Send(&backend.CallResourceResponse{
		Status:  status,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    body,
	})
}
