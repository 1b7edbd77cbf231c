package plugin

import (
	"context"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
)

// QueryModel represents a query from the frontend
type QueryModel struct {
	QueryType string `json:"queryType,omitempty"`
	Hide      bool   `json:"hide,omitempty"`

	// Metrics
	QueryText      string `json:"queryText,omitempty"`
	Label          string `json:"label,omitempty"`
	LegendMode     string `json:"legendMode,omitempty"` // "auto" or "custom"
	LegendTemplate string `json:"legendTemplate,omitempty"`
	Type           string `json:"type,omitempty"` // "math" for formula queries
	Expression     string `json:"expression,omitempty"`
	Interval       *int64 `json:"interval,omitempty"`

	// Logs
	LogQuery string `json:"logQuery,omitempty"`

	ScopedVars variables.ScopedVars `json:"scopedVars,omitempty"`

	// Filled in by the backend after variable interpolation
	InterpolatedQueryText string `json:"-"`
	InterpolatedLabel     string `json:"-"`
}

// QueryHandler defines the interface for handling different types of queries
type QueryHandler interface {
	// processQuery validates a single query and queues it for execution
	processQuery(q backend.DataQuery, qm *QueryModel) error

	// executeQueries executes all queued queries and returns the response
	executeQueries(ctx context.Context) (*backend.QueryDataResponse, error)
}

// QueryType represents the type of query being processed
type QueryType string

const (
	// MetricsQueryType represents Datadog metrics queries
	MetricsQueryType QueryType = "metrics"

	// LogsQueryType represents Datadog logs queries
	LogsQueryType QueryType = "logs"

	// LogsVolumeQueryType represents the histogram supplementary query for logs
	LogsVolumeQueryType QueryType = "logs-volume"
)

// detectQueryType determines the query type based on the QueryModel
func detectQueryType(qm *QueryModel) QueryType {
	switch QueryType(qm.QueryType) {
	case LogsQueryType:
		return LogsQueryType
	case LogsVolumeQueryType:
		return LogsVolumeQueryType
	case MetricsQueryType:
		return MetricsQueryType
	}

	if qm.LogQuery != "" {
		return LogsQueryType
	}

	// Default to metrics for backward compatibility
	return MetricsQueryType
}
