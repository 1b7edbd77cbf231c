package plugin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
)

// MetricsHandler batches Datadog metrics queries into a single timeseries request
type MetricsHandler struct {
	datasource    *Datasource
	builder       *DatadogMetricsRequestBuilder
	queries       []datadogV2.TimeseriesQuery
	queryRefIDs   []string
	formulas      []datadogV2.QueryFormula
	formulaRefIDs []string
	queryModels   map[string]QueryModel
	interval      *int64
	from          int64
	to            int64
}

// NewMetricsHandler creates a new MetricsHandler instance
func NewMetricsHandler(datasource *Datasource) *MetricsHandler {
	return &MetricsHandler{
		datasource:  datasource,
		builder:     NewDatadogMetricsRequestBuilder(),
		queryModels: make(map[string]QueryModel),
	}
}

// processQuery interpolates a single metrics query and queues it
func (h *MetricsHandler) processQuery(q backend.DataQuery, qm *QueryModel) error {
	logger := log.New()

	// All queries share the time range of the first one
	if h.from == 0 {
		h.from = q.TimeRange.From.UnixMilli()
		h.to = q.TimeRange.To.UnixMilli()
	}

	if qm.Type == "math" && qm.Expression != "" {
		formula := convertGrafanaFormulaToDatadog(qm.Expression)
		h.formulas = append(h.formulas, datadogV2.QueryFormula{Formula: formula})
		h.formulaRefIDs = append(h.formulaRefIDs, q.RefID)
		h.queryModels[q.RefID] = *qm
		logger.Debug("Added formula", "refID", q.RefID, "formula", formula)
		return nil
	}

	if strings.TrimSpace(qm.QueryText) == "" {
		return nil
	}

	interpolated := h.datasource.variables.InterpolateQuery(variables.Query{
		QueryText: qm.QueryText,
		Label:     qm.Label,
	}, qm.ScopedVars)
	qm.QueryText = interpolated.QueryText
	qm.Label = interpolated.Label
	qm.InterpolatedQueryText = interpolated.InterpolatedQueryText
	qm.InterpolatedLabel = interpolated.InterpolatedLabel
	if qm.LegendTemplate != "" {
		qm.LegendTemplate = h.datasource.variables.InterpolateLabel(qm.LegendTemplate, qm.ScopedVars)
	}

	queryText, err := h.builder.ProcessQueryText(qm.InterpolatedQueryText)
	if err != nil {
		return err
	}

	h.queries = append(h.queries, h.builder.BuildMetricsQuery(q.RefID, queryText))
	h.queryRefIDs = append(h.queryRefIDs, q.RefID)
	h.queryModels[q.RefID] = *qm

	if h.interval == nil && qm.Interval != nil && *qm.Interval > 0 {
		h.interval = qm.Interval
	}

	logger.Debug("Added metrics query", "refID", q.RefID, "query", queryText)
	return nil
}

// executeQueries sends the queued queries in one request and splits the series by refID
func (h *MetricsHandler) executeQueries(ctx context.Context) (*backend.QueryDataResponse, error) {
	logger := log.New()
	response := backend.NewQueryDataResponse()

	if len(h.queries) == 0 {
		for _, refID := range h.formulaRefIDs {
			response.Responses[refID] = backend.ErrDataResponse(backend.StatusBadRequest, "formula does not reference any metrics query")
		}
		return response, nil
	}

	// With formulas present Datadog only returns formula results, so each plain
	// query is added as an identity formula ahead of the user's formulas
	refIDs := h.queryRefIDs
	var formulas []datadogV2.QueryFormula
	if len(h.formulas) > 0 {
		refIDs = make([]string, 0, len(h.queryRefIDs)+len(h.formulaRefIDs))
		for _, refID := range h.queryRefIDs {
			formulas = append(formulas, datadogV2.QueryFormula{Formula: refID})
			refIDs = append(refIDs, refID)
		}
		formulas = append(formulas, h.formulas...)
		refIDs = append(refIDs, h.formulaRefIDs...)
	}

	body, err := h.builder.BuildTimeseriesQueryRequest(MetricsQueryRequestParams{
		From:     h.from,
		To:       h.to,
		Queries:  h.queries,
		Formulas: formulas,
		Interval: h.interval,
	})
	if err != nil {
		for _, refID := range refIDs {
			response.Responses[refID] = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
		}
		return response, nil
	}

	queryCtx, cancel := context.WithTimeout(h.datasource.client.withAuth(ctx), h.datasource.settings.queryTimeout())
	defer cancel()

	resp, r, err := h.datasource.client.metrics.QueryTimeseriesData(queryCtx, body)
	if err != nil {
		httpStatus, responseBody := apiErrorDetails(err, r)
		requestBody, _ := json.Marshal(body)
		logger.Error("QueryTimeseriesData API call failed",
			"error", err,
			"httpStatus", httpStatus,
			"responseBody", responseBody,
			"request", string(requestBody))

		errorMsg := parseDatadogError(err, httpStatus, responseBody)
		for _, refID := range refIDs {
			response.Responses[refID] = backend.ErrDataResponse(backend.StatusBadRequest, errorMsg)
		}
		return response, nil
	}

	parser := NewMetricsResponseParser()
	if err := parser.ParseTimeseriesResponse(&resp, refIDs, h.queryModels, response); err != nil {
		logger.Warn("Datadog returned query errors", "error", err)
	}

	return response, nil
}
