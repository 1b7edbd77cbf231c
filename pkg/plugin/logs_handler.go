package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
	"golang.org/x/sync/errgroup"
)

type logsQuery struct {
	refID     string
	query     string
	timeRange backend.TimeRange
	volume    bool
}

// LogsHandler handles Datadog logs and logs-volume queries.
// Volume histograms are computed from the returned log entries.
type LogsHandler struct {
	datasource *Datasource
	parser     *LogsResponseParser
	queries    []logsQuery
}

// NewLogsHandler creates a new LogsHandler instance
func NewLogsHandler(datasource *Datasource) *LogsHandler {
	return &LogsHandler{
		datasource: datasource,
		parser:     NewLogsResponseParser(),
	}
}

// processQuery interpolates a single logs query and queues it
func (h *LogsHandler) processQuery(q backend.DataQuery, qm *QueryModel) error {
	logger := log.New()

	if strings.TrimSpace(qm.LogQuery) == "" {
		return fmt.Errorf("logs query cannot be empty")
	}

	interpolated := h.datasource.variables.InterpolateQuery(variables.Query{QueryText: qm.LogQuery}, qm.ScopedVars)
	qm.LogQuery = interpolated.QueryText
	qm.InterpolatedQueryText = interpolated.InterpolatedQueryText

	h.queries = append(h.queries, logsQuery{
		refID:     q.RefID,
		query:     qm.InterpolatedQueryText,
		timeRange: q.TimeRange,
		volume:    detectQueryType(qm) == LogsVolumeQueryType,
	})

	logger.Debug("Added logs query", "refID", q.RefID, "logQuery", qm.InterpolatedQueryText)
	return nil
}

// executeQueries runs the queued logs queries concurrently
func (h *LogsHandler) executeQueries(ctx context.Context) (*backend.QueryDataResponse, error) {
	response := backend.NewQueryDataResponse()
	if len(h.queries) == 0 {
		return response, nil
	}

	results := make([]backend.DataResponse, len(h.queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.datasource.settings.MaxConcurrentRequests)
	for i, lq := range h.queries {
		g.Go(func() error {
			results[i] = h.runQuery(gctx, lq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, lq := range h.queries {
		response.Responses[lq.refID] = results[i]
	}

	return response, nil
}

func (h *LogsHandler) runQuery(ctx context.Context, lq logsQuery) backend.DataResponse {
	logger := log.New()

	entries, err := h.fetchLogs(ctx, lq)
	if err != nil {
		logger.Error("Logs query failed", "refID", lq.refID, "error", err)
		return backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
	}

	if lq.volume {
		return backend.DataResponse{Frames: data.Frames{h.parser.createLogsVolumeFrame(entries, lq.refID, lq.timeRange)}}
	}

	return backend.DataResponse{Frames: h.parser.createLogsDataFrames(entries, lq.refID, lq.query)}
}

func (h *LogsHandler) fetchLogs(ctx context.Context, lq logsQuery) ([]LogEntry, error) {
	settings := h.datasource.settings

	sort := datadogV2.LOGSSORT_TIMESTAMP_DESCENDING
	body := datadogV2.LogsListRequest{
		Filter: &datadogV2.LogsQueryFilter{
			Query: datadog.PtrString(lq.query),
			From:  datadog.PtrString(lq.timeRange.From.UTC().Format(time.RFC3339Nano)),
			To:    datadog.PtrString(lq.timeRange.To.UTC().Format(time.RFC3339Nano)),
		},
		Page: &datadogV2.LogsListRequestPage{
			Limit: datadog.PtrInt32(int32(settings.LogsPageSize)),
		},
		Sort: &sort,
	}

	queryCtx, cancel := context.WithTimeout(h.datasource.client.withAuth(ctx), settings.queryTimeout())
	defer cancel()

	resp, r, err := h.datasource.client.logs.ListLogs(queryCtx, *datadogV2.NewListLogsOptionalParameters().WithBody(body))
	if err != nil {
		httpStatus, responseBody := apiErrorDetails(err, r)
		return nil, errors.New(parseLogsError(err, httpStatus, responseBody))
	}

	return h.parser.ConvertLogs(resp.GetData()), nil
}
