package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/instancemgmt"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/variables"
)

var (
	_ backend.QueryDataHandler      = (*Datasource)(nil)
	_ backend.CallResourceHandler   = (*Datasource)(nil)
	_ backend.CheckHealthHandler    = (*Datasource)(nil)
	_ instancemgmt.InstanceDisposer = (*Datasource)(nil)
)

// healthCheckQuery is a cheap query every Datadog organisation can run
const healthCheckQuery = "avg:datadog.estimated_usage.metrics.custom{*}"

// Datasource represents the Datadog datasource plugin instance
type Datasource struct {
	settings   *Settings
	client     *datadogClient
	cache      *AutocompleteCache
	candidates CandidateSource
	variables  *variables.Service
}

// NewDatasource creates a new datasource instance from Grafana instance settings
func NewDatasource(ctx context.Context, instance backend.DataSourceInstanceSettings) (instancemgmt.Instance, error) {
	logger := log.New()

	settings, err := LoadSettings(instance)
	if err != nil {
		logger.Error("Failed to load datasource settings", "error", err)
		return nil, err
	}

	ds := newDatasource(settings)

	logger.Info("Datasource initialized",
		"site", settings.Site,
		"cacheTTL", settings.cacheTTL().String(),
		"cacheSize", settings.AutocompleteCacheSize,
		"maxConcurrentRequests", settings.MaxConcurrentRequests)

	return ds, nil
}

func newDatasource(settings *Settings) *Datasource {
	client := newDatadogClient(settings)

	return &Datasource{
		settings:   settings,
		client:     client,
		cache:      NewAutocompleteCache(settings.AutocompleteCacheSize, settings.cacheTTL()),
		candidates: newDatadogCandidates(client, settings),
		variables: variables.NewService(
			variables.WithLogger(log.DefaultLogger),
			variables.WithErrorHandler(func(string, error) {
				interpolationFailures.Inc()
			}),
		),
	}
}

// Dispose drops cached autocomplete data when Grafana replaces the instance
func (d *Datasource) Dispose() {
	d.cache.Purge()
}

// QueryData handles data source queries from Grafana
func (d *Datasource) QueryData(ctx context.Context, req *backend.QueryDataRequest) (*backend.QueryDataResponse, error) {
	logger := log.New()
	response := backend.NewQueryDataResponse()

	if err := d.settings.Credentials(); err != nil {
		logger.Error("QueryData called without credentials", "error", err)
		for _, q := range req.Queries {
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusUnauthorized, err.Error())
		}
		return response, nil
	}

	metricsHandler := NewMetricsHandler(d)
	logsHandler := NewLogsHandler(d)

	for _, q := range req.Queries {
		response.Responses[q.RefID] = backend.DataResponse{}

		var qm QueryModel
		if err := json.Unmarshal(q.JSON, &qm); err != nil {
			logger.Error("Failed to parse query", "refID", q.RefID, "error", err)
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusBadRequest, fmt.Sprintf("failed to parse query: %v", err))
			continue
		}

		if qm.Hide {
			continue
		}

		var handler QueryHandler = metricsHandler
		if t := detectQueryType(&qm); t == LogsQueryType || t == LogsVolumeQueryType {
			handler = logsHandler
		}

		if err := handler.processQuery(q, &qm); err != nil {
			logger.Error("Failed to process query", "refID", q.RefID, "error", err)
			response.Responses[q.RefID] = backend.ErrDataResponse(backend.StatusBadRequest, err.Error())
		}
	}

	for _, handler := range []QueryHandler{metricsHandler, logsHandler} {
		resp, err := handler.executeQueries(ctx)
		if err != nil {
			return nil, err
		}
		for refID, r := range resp.Responses {
			response.Responses[refID] = r
		}
	}

	return response, nil
}

// CheckHealth checks the health of the datasource connection
func (d *Datasource) CheckHealth(ctx context.Context, req *backend.CheckHealthRequest) (*backend.CheckHealthResult, error) {
	logger := log.New()

	if err := d.settings.Credentials(); err != nil {
		logger.Error("CheckHealth: credentials not configured", "error", err)
		return &backend.CheckHealthResult{
			Status:  backend.HealthStatusError,
			Message: "API key or App key is missing",
		}, nil
	}

	healthCtx, cancel := context.WithTimeout(d.client.withAuth(ctx), healthCheckTimeout)
	defer cancel()

	now := time.Now()
	interval := int64(5 * time.Minute / time.Millisecond)
	builder := NewDatadogMetricsRequestBuilder()

	body, err := builder.BuildTimeseriesQueryRequest(MetricsQueryRequestParams{
		From:     now.Add(-time.Hour).UnixMilli(),
		To:       now.UnixMilli(),
		Queries:  []datadogV2.TimeseriesQuery{builder.BuildMetricsQuery("a", healthCheckQuery)},
		Formulas: []datadogV2.QueryFormula{{Formula: "a"}},
		Interval: &interval,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("CheckHealth: calling QueryTimeseriesData", "site", d.settings.Site)

	resp, httpResp, err := d.client.metrics.QueryTimeseriesData(healthCtx, body)
	if err != nil {
		httpStatus, responseBody := apiErrorDetails(err, httpResp)
		logger.Error("CheckHealth: API call failed", "error", err, "httpStatus", httpStatus, "responseBody", responseBody)
		return &backend.CheckHealthResult{
			Status:  backend.HealthStatusError,
			Message: parseDatadogError(err, httpStatus, responseBody),
		}, nil
	}

	respData := resp.GetData()
	attributes := respData.GetAttributes()
	logger.Info("CheckHealth: API call succeeded", "seriesCount", len(attributes.GetSeries()))

	return &backend.CheckHealthResult{
		Status:  backend.HealthStatusOk,
		Message: "Connected to Datadog",
	}, nil
}
