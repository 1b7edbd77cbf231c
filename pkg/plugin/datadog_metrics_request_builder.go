package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/regexp"
)

var (
	// ErrMetricNameRequired is returned when a tag lookup has no metric name
	ErrMetricNameRequired = errors.New("metric name required")
	// ErrRegexMetricName is returned for /pattern/ metric names, which the tags API cannot resolve
	ErrRegexMetricName = errors.New("regex patterns are not supported for tag lookups")

	formulaRefPattern = regexp.MustCompile(`\$([A-Za-z][A-Za-z0-9_]*)`)
)

// DatadogMetricsRequestBuilder builds Datadog Metrics API requests
type DatadogMetricsRequestBuilder struct{}

// NewDatadogMetricsRequestBuilder creates a new DatadogMetricsRequestBuilder instance
func NewDatadogMetricsRequestBuilder() *DatadogMetricsRequestBuilder {
	return &DatadogMetricsRequestBuilder{}
}

// MetricsQueryRequestParams contains parameters for metrics query requests
type MetricsQueryRequestParams struct {
	From     int64                       // Unix timestamp in milliseconds
	To       int64                       // Unix timestamp in milliseconds
	Queries  []datadogV2.TimeseriesQuery // Metrics queries
	Formulas []datadogV2.QueryFormula    // Optional formulas
	Interval *int64                      // Optional interval override in milliseconds
}

// BuildTimeseriesQueryRequest creates a Datadog Timeseries Formula Query Request
func (b *DatadogMetricsRequestBuilder) BuildTimeseriesQueryRequest(params MetricsQueryRequestParams) (datadogV2.TimeseriesFormulaQueryRequest, error) {
	if params.From <= 0 || params.To <= 0 {
		return datadogV2.TimeseriesFormulaQueryRequest{}, fmt.Errorf("invalid time range: from=%d, to=%d", params.From, params.To)
	}

	if params.To <= params.From {
		return datadogV2.TimeseriesFormulaQueryRequest{}, fmt.Errorf("invalid time range: to (%d) must be after from (%d)", params.To, params.From)
	}

	if len(params.Queries) == 0 {
		return datadogV2.TimeseriesFormulaQueryRequest{}, fmt.Errorf("at least one query is required")
	}

	body := datadogV2.TimeseriesFormulaQueryRequest{
		Data: datadogV2.TimeseriesFormulaRequest{
			Type: datadogV2.TIMESERIESFORMULAREQUESTTYPE_TIMESERIES_REQUEST,
			Attributes: datadogV2.TimeseriesFormulaRequestAttributes{
				From:    params.From,
				To:      params.To,
				Queries: params.Queries,
			},
		},
	}

	if len(params.Formulas) > 0 {
		body.Data.Attributes.Formulas = params.Formulas
	}

	if params.Interval != nil && *params.Interval > 0 {
		body.Data.Attributes.Interval = params.Interval
	}

	return body, nil
}

// BuildMetricsQuery wraps a query text into a named timeseries query
func (b *DatadogMetricsRequestBuilder) BuildMetricsQuery(name, queryText string) datadogV2.TimeseriesQuery {
	return datadogV2.TimeseriesQuery{
		MetricsTimeseriesQuery: &datadogV2.MetricsTimeseriesQuery{
			DataSource: datadogV2.METRICSDATASOURCE_METRICS,
			Query:      queryText,
			Name:       &name,
		},
	}
}

// BuildListTagConfigurationsRequest creates parameters for the ListTagConfigurations call used to list metrics
func (b *DatadogMetricsRequestBuilder) BuildListTagConfigurationsRequest() *datadogV2.ListTagConfigurationsOptionalParameters {
	return datadogV2.NewListTagConfigurationsOptionalParameters()
}

// BuildListTagsByMetricNameRequest validates the metric name for a ListTagsByMetricName call
func (b *DatadogMetricsRequestBuilder) BuildListTagsByMetricNameRequest(metric string) (string, error) {
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return "", ErrMetricNameRequired
	}

	if len(metric) >= 2 && metric[0] == '/' && metric[len(metric)-1] == '/' {
		return "", ErrRegexMetricName
	}

	return metric, nil
}

// ProcessQueryText adds "by {*}" when the query has no grouping clause and no
// boolean operators, so every series comes back separately
func (b *DatadogMetricsRequestBuilder) ProcessQueryText(queryText string) (string, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return "", fmt.Errorf("query text cannot be empty")
	}

	lowerQuery := strings.ToLower(queryText)

	hasGroupByClause := strings.Contains(lowerQuery, " by ")
	hasBooleanOperators := strings.Contains(lowerQuery, " in ") ||
		strings.Contains(lowerQuery, " or ") ||
		strings.Contains(lowerQuery, " and ") ||
		strings.Contains(lowerQuery, " not in ")

	if !hasGroupByClause && !hasBooleanOperators {
		queryText = queryText + " by {*}"
	}

	return queryText, nil
}

// convertGrafanaFormulaToDatadog rewrites Grafana query references ($A) to Datadog query names (A)
func convertGrafanaFormulaToDatadog(expression string) string {
	return formulaRefPattern.ReplaceAllString(expression, "$1")
}
