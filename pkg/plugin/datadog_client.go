package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// datadogClient bundles the Datadog API clients used by one datasource instance
type datadogClient struct {
	site    string
	apiKey  string
	appKey  string
	metrics *datadogV2.MetricsApi
	logs    *datadogV2.LogsApi
}

func newDatadogClient(s *Settings) *datadogClient {
	configuration := datadog.NewConfiguration()
	if s.APIURL != "" {
		// A fixed base URL replaces the site-templated servers, e.g. for a proxy
		configuration.Servers = datadog.ServerConfigurations{
			{URL: strings.TrimRight(s.APIURL, "/")},
		}
		configuration.OperationServers = map[string]datadog.ServerConfigurations{}
	}

	client := datadog.NewAPIClient(configuration)

	return &datadogClient{
		site:    s.Site,
		apiKey:  s.APIKey,
		appKey:  s.AppKey,
		metrics: datadogV2.NewMetricsApi(client),
		logs:    datadogV2.NewLogsApi(client),
	}
}

// withAuth returns a context carrying the site and API keys expected by the Datadog client
func (c *datadogClient) withAuth(ctx context.Context) context.Context {
	ddCtx := context.WithValue(ctx, datadog.ContextServerVariables, map[string]string{
		"site": c.site,
	})
	return context.WithValue(ddCtx, datadog.ContextAPIKeys, map[string]datadog.APIKey{
		"apiKeyAuth": {
			Key: c.apiKey,
		},
		"appKeyAuth": {
			Key: c.appKey,
		},
	})
}

// apiErrorDetails extracts the HTTP status and response body from a failed Datadog call
func apiErrorDetails(err error, r *http.Response) (int, string) {
	status := 0
	if r != nil {
		status = r.StatusCode
	}

	var apiErr datadog.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		return status, string(apiErr.ErrorBody)
	}

	return status, ""
}

// parseDatadogError turns a Datadog API failure into a message suitable for the panel
func parseDatadogError(err error, httpStatus int, responseBody string) string {
	switch httpStatus {
	case http.StatusUnauthorized:
		return "Invalid Datadog API credentials"
	case http.StatusForbidden:
		return "API key missing required permissions"
	case http.StatusTooManyRequests:
		return "Datadog API rate limit exceeded"
	case http.StatusBadRequest:
		if detail := firstAPIError(responseBody); detail != "" {
			return "Invalid query: " + detail
		}
		return "Invalid query"
	}

	if httpStatus >= http.StatusInternalServerError {
		return fmt.Sprintf("Datadog API service error (%d)", httpStatus)
	}

	if err == nil {
		return "Unknown Datadog API error"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return "Query timeout"
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"):
		return "Invalid Datadog API credentials"
	case strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"):
		return "API key missing required permissions"
	}

	return "Failed to query Datadog: " + err.Error()
}

// firstAPIError returns the first message of a Datadog {"errors": [...]} body
func firstAPIError(body string) string {
	if body == "" {
		return ""
	}

	var payload struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || len(payload.Errors) == 0 {
		return ""
	}

	return payload.Errors[0]
}
