package plugin

import (
	"context"
	"fmt"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"golang.org/x/sync/semaphore"
)

// CandidateSource lists the metric names and tags offered by autocomplete
type CandidateSource interface {
	ListMetrics(ctx context.Context) ([]string, error)
	ListTags(ctx context.Context, metric string) ([]string, error)
}

// datadogCandidates fetches candidates from the Datadog metrics API.
// At most maxConcurrent calls run at once across the instance.
type datadogCandidates struct {
	client   *datadogClient
	sem      *semaphore.Weighted
	builder  *DatadogMetricsRequestBuilder
	settings *Settings
}

func newDatadogCandidates(client *datadogClient, s *Settings) *datadogCandidates {
	return &datadogCandidates{
		client:   client,
		sem:      semaphore.NewWeighted(int64(s.MaxConcurrentRequests)),
		builder:  NewDatadogMetricsRequestBuilder(),
		settings: s,
	}
}

// ListMetrics returns the names of all metrics with tag configurations.
// Requires the metrics_read scope on the API key.
func (c *datadogCandidates) ListMetrics(ctx context.Context) ([]string, error) {
	logger := log.New()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	fetchCtx, cancel := context.WithTimeout(c.client.withAuth(ctx), c.settings.autocompleteTimeout())
	defer cancel()

	resp, r, err := c.client.metrics.ListTagConfigurations(fetchCtx, *c.builder.BuildListTagConfigurationsRequest())
	if err != nil {
		status, body := apiErrorDetails(err, r)
		logger.Error("Failed to fetch metrics", "error", err, "httpStatus", status)
		return nil, fmt.Errorf("failed to list metrics: %s", parseDatadogError(err, status, body))
	}

	metrics := []string{}
	for _, config := range resp.GetData() {
		// MetricsAndMetricTagConfigurations is a OneOf type
		switch {
		case config.Metric != nil:
			if name := config.Metric.GetId(); name != "" {
				metrics = append(metrics, name)
			}
		case config.MetricTagConfiguration != nil:
			if name := config.MetricTagConfiguration.GetId(); name != "" {
				metrics = append(metrics, name)
			}
		}
	}

	logger.Debug("Fetched metrics", "count", len(metrics))
	return metrics, nil
}

// ListTags returns the "key:value" tags reported for metric
func (c *datadogCandidates) ListTags(ctx context.Context, metric string) ([]string, error) {
	logger := log.New()

	name, err := c.builder.BuildListTagsByMetricNameRequest(metric)
	if err != nil {
		return nil, err
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	fetchCtx, cancel := context.WithTimeout(c.client.withAuth(ctx), c.settings.autocompleteTimeout())
	defer cancel()

	resp, r, err := c.client.metrics.ListTagsByMetricName(fetchCtx, name)
	if err != nil {
		status, body := apiErrorDetails(err, r)
		logger.Error("Failed to fetch tags", "metric", name, "error", err, "httpStatus", status)
		return nil, fmt.Errorf("failed to list tags for %s: %s", name, parseDatadogError(err, status, body))
	}

	respData := resp.GetData()
	attributes := respData.GetAttributes()
	tags := append([]string{}, attributes.GetTags()...)

	logger.Debug("Fetched tags", "metric", name, "count", len(tags))
	return tags, nil
}
