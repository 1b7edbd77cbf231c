package plugin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/grafana-plugin-sdk-go/data"
)

const defaultSeverity = "info"

// LogEntry represents a single log entry from Datadog
type LogEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Body      string          `json:"body"`
	Severity  string          `json:"severity"`
	Labels    json.RawMessage `json:"labels"`
}

// LogLabels holds the metadata exposed in the labels field of a log line
type LogLabels struct {
	Service    string                 `json:"service,omitempty"`
	Host       string                 `json:"host,omitempty"`
	Tags       map[string]string      `json:"tags,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// LogsResponseParser converts Datadog logs responses to Grafana data frames
type LogsResponseParser struct{}

// NewLogsResponseParser creates a new LogsResponseParser instance
func NewLogsResponseParser() *LogsResponseParser {
	return &LogsResponseParser{}
}

// ConvertLogs maps Datadog log events to LogEntry values
func (p *LogsResponseParser) ConvertLogs(logs []datadogV2.Log) []LogEntry {
	logger := log.New()

	entries := make([]LogEntry, 0, len(logs))
	for i := range logs {
		event := &logs[i]
		attributes := event.GetAttributes()

		labels := LogLabels{
			Service:    attributes.GetService(),
			Host:       attributes.GetHost(),
			Tags:       tagMap(attributes.GetTags()),
			Attributes: attributes.GetAttributes(),
		}

		rawLabels, err := json.Marshal(labels)
		if err != nil {
			logger.Warn("Failed to encode log labels", "id", event.GetId(), "error", err)
			rawLabels = json.RawMessage(`{}`)
		}

		severity := strings.ToLower(attributes.GetStatus())
		if severity == "" {
			severity = defaultSeverity
		}

		entries = append(entries, LogEntry{
			ID:        event.GetId(),
			Timestamp: attributes.GetTimestamp(),
			Body:      attributes.GetMessage(),
			Severity:  severity,
			Labels:    rawLabels,
		})
	}

	return entries
}

func tagMap(tags []string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		key, value, _ := strings.Cut(tag, ":")
		out[key] = value
	}
	return out
}

// createLogsDataFrames builds the log-lines frame Grafana's logs panel expects
func (p *LogsResponseParser) createLogsDataFrames(logEntries []LogEntry, refID string, query string) data.Frames {
	entryCount := len(logEntries)
	timestamps := make([]time.Time, entryCount)
	bodies := make([]string, entryCount)
	severities := make([]string, entryCount)
	ids := make([]string, entryCount)
	labels := make([]json.RawMessage, entryCount)

	for i, entry := range logEntries {
		timestamps[i] = entry.Timestamp
		bodies[i] = entry.Body
		severities[i] = entry.Severity
		if severities[i] == "" {
			severities[i] = defaultSeverity
		}
		ids[i] = entry.ID
		labels[i] = entry.Labels
		if len(labels[i]) == 0 {
			labels[i] = json.RawMessage(`{}`)
		}
	}

	timestampField := data.NewField("timestamp", nil, timestamps)
	timestampField.Config = &data.FieldConfig{DisplayName: "Time"}

	bodyField := data.NewField("body", nil, bodies)
	bodyField.Config = &data.FieldConfig{DisplayName: "Message"}

	severityField := data.NewField("severity", nil, severities)
	severityField.Config = &data.FieldConfig{DisplayName: "Level"}

	idField := data.NewField("id", nil, ids)
	idField.Config = &data.FieldConfig{DisplayName: "ID"}

	labelsField := data.NewField("labels", nil, labels)
	labelsField.Config = &data.FieldConfig{DisplayName: "Labels"}

	frame := data.NewFrame("logs", timestampField, bodyField, severityField, idField, labelsField)
	frame.RefID = refID
	frame.Meta = &data.FrameMeta{
		Type:                   data.FrameTypeLogLines,
		PreferredVisualization: data.VisTypeLogs,
		Custom: map[string]interface{}{
			"searchWords": extractSearchTerms(query),
			"limit":       entryCount,
		},
		ExecutedQueryString: query,
	}

	return data.Frames{frame}
}

// extractSearchTerms returns the free-text words of a logs query for highlighting.
// Facet filters and boolean operators are skipped.
func extractSearchTerms(query string) []string {
	terms := []string{}
	for _, field := range strings.Fields(query) {
		term := strings.Trim(field, `"()`)
		switch strings.ToUpper(term) {
		case "", "AND", "OR", "NOT", "*":
			continue
		}
		if strings.Contains(term, ":") || strings.HasPrefix(term, "-") || strings.HasPrefix(term, "@") {
			continue
		}
		if term = strings.Trim(term, "*"); term != "" {
			terms = append(terms, term)
		}
	}
	return terms
}

// createLogsVolumeFrame counts log entries per time bucket over the query range
func (p *LogsResponseParser) createLogsVolumeFrame(logEntries []LogEntry, refID string, timeRange backend.TimeRange) *data.Frame {
	minTime := timeRange.From.UTC()
	maxTime := timeRange.To.UTC()
	bucketDuration := p.calculateBucketDuration(maxTime.Sub(minTime))

	buckets := make(map[time.Time]int)
	bucketStart := minTime.Truncate(bucketDuration)
	for t := bucketStart; !t.After(maxTime); t = t.Add(bucketDuration) {
		buckets[t] = 0
	}

	for _, entry := range logEntries {
		bucketTime := entry.Timestamp.UTC().Truncate(bucketDuration)
		if !bucketTime.Before(bucketStart) && !bucketTime.After(maxTime) {
			buckets[bucketTime]++
		}
	}

	sortedTimes := make([]time.Time, 0, len(buckets))
	for t := range buckets {
		sortedTimes = append(sortedTimes, t)
	}
	sort.Slice(sortedTimes, func(i, j int) bool {
		return sortedTimes[i].Before(sortedTimes[j])
	})

	timeValues := make([]time.Time, len(sortedTimes))
	countValues := make([]float64, len(sortedTimes))
	for i, t := range sortedTimes {
		timeValues[i] = t
		countValues[i] = float64(buckets[t])
	}

	frame := data.NewFrame("logs-volume",
		data.NewField(data.TimeSeriesTimeFieldName, nil, timeValues),
		data.NewField(data.TimeSeriesValueFieldName, data.Labels{"level": "logs"}, countValues),
	)
	frame.RefID = refID
	frame.Meta = &data.FrameMeta{
		Type: data.FrameTypeTimeSeriesMulti,
	}

	return frame
}

// calculateBucketDuration determines appropriate bucket size based on time range
func (p *LogsResponseParser) calculateBucketDuration(duration time.Duration) time.Duration {
	switch {
	case duration <= 5*time.Minute:
		return 10 * time.Second
	case duration <= 15*time.Minute:
		return 30 * time.Second
	case duration <= time.Hour:
		return time.Minute
	case duration <= 6*time.Hour:
		return 5 * time.Minute
	case duration <= 24*time.Hour:
		return 15 * time.Minute
	case duration <= 7*24*time.Hour:
		return time.Hour
	default:
		return 4 * time.Hour
	}
}

// parseLogsError adds logs-specific hints on top of parseDatadogError
func parseLogsError(err error, httpStatus int, responseBody string) string {
	switch httpStatus {
	case http.StatusForbidden:
		return "API key missing required permissions - need 'logs_read_data' scope for logs queries"
	case http.StatusBadRequest:
		if detail := firstAPIError(responseBody); detail != "" {
			return fmt.Sprintf("Invalid logs query: %s", detail)
		}
		return "Invalid logs query syntax - check your search criteria and facet filters"
	}

	return parseDatadogError(err, httpStatus, responseBody)
}
