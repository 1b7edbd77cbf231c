package plugin

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/grafana/regexp"
)

// legendPlaceholder matches {{tag}} in legend templates
var legendPlaceholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// MetricsResponseParser converts Datadog timeseries responses to Grafana data frames
type MetricsResponseParser struct{}

// NewMetricsResponseParser creates a new MetricsResponseParser instance
func NewMetricsResponseParser() *MetricsResponseParser {
	return &MetricsResponseParser{}
}

// ParseTimeseriesResponse fills response with one frame per series. refIDs maps a
// series query index to the Grafana query it belongs to.
func (p *MetricsResponseParser) ParseTimeseriesResponse(
	resp *datadogV2.TimeseriesFormulaQueryResponse,
	refIDs []string,
	queryModels map[string]QueryModel,
	response *backend.QueryDataResponse,
) error {
	logger := log.New()

	for _, refID := range refIDs {
		response.Responses[refID] = backend.DataResponse{Frames: data.Frames{}}
	}

	if resp == nil {
		for _, refID := range refIDs {
			response.Responses[refID] = backend.ErrDataResponse(backend.StatusBadRequest, "No data received from Datadog API")
		}
		return fmt.Errorf("nil response received from Datadog API")
	}

	respData := resp.GetData()
	attributes := respData.GetAttributes()
	series := attributes.GetSeries()
	times := attributes.GetTimes()
	values := attributes.GetValues()

	if len(series) == 0 {
		if apiErrors := resp.GetErrors(); apiErrors != "" {
			for _, refID := range refIDs {
				response.Responses[refID] = backend.ErrDataResponse(backend.StatusBadRequest, apiErrors)
			}
			return fmt.Errorf("datadog query errors: %s", apiErrors)
		}
		return nil
	}

	logger.Debug("Processing Datadog series",
		"seriesCount", len(series),
		"timesCount", len(times),
		"valuesCount", len(values))

	framesByRefID := make(map[string]data.Frames)

	for i := range series {
		s := &series[i]

		queryIndex := int(s.GetQueryIndex())
		if queryIndex < 0 || queryIndex >= len(refIDs) {
			logger.Warn("Series query index out of range", "queryIndex", queryIndex, "queries", len(refIDs))
			continue
		}

		if i >= len(values) {
			logger.Warn("Series index out of bounds", "seriesIndex", i, "valuesCount", len(values))
			continue
		}

		pointlist := values[i]
		timeValues := make([]time.Time, 0, len(pointlist))
		numberValues := make([]float64, 0, len(pointlist))
		for j, timeVal := range times {
			if j >= len(pointlist) {
				break
			}
			if point := pointlist[j]; point != nil {
				timeValues = append(timeValues, time.UnixMilli(timeVal))
				numberValues = append(numberValues, *point)
			}
		}

		if len(timeValues) == 0 {
			continue
		}

		labels := groupTagLabels(s.GetGroupTags())

		refID := refIDs[queryIndex]
		seriesName := p.buildSeriesName(queryModels[refID], labels)

		frame := data.NewFrame(seriesName,
			data.NewField("Time", nil, timeValues),
			data.NewField("Value", labels, numberValues),
		)
		frame.RefID = refID
		frame.Fields[1].Config = &data.FieldConfig{
			DisplayName: seriesName,
		}
		frame.Meta = &data.FrameMeta{
			Type:                data.FrameTypeTimeSeriesMulti,
			ExecutedQueryString: queryModels[refID].InterpolatedQueryText,
		}

		framesByRefID[refID] = append(framesByRefID[refID], frame)
	}

	for refID, frames := range framesByRefID {
		response.Responses[refID] = backend.DataResponse{Frames: frames}
	}

	return nil
}

// groupTagLabels turns "key:value" group tags into frame labels
func groupTagLabels(tags []string) data.Labels {
	labels := data.Labels{}
	for _, tag := range tags {
		if key, value, ok := strings.Cut(tag, ":"); ok {
			labels[key] = value
		}
	}
	return labels
}

// buildSeriesName picks the legend for a series: a custom template, the
// interpolated label, or "metric {k:v, ...}" in auto mode
func (p *MetricsResponseParser) buildSeriesName(qm QueryModel, labels data.Labels) string {
	metric := qm.InterpolatedQueryText
	if metric == "" {
		metric = qm.QueryText
	}
	if metric == "" {
		metric = qm.Expression
	}

	var legendTemplate string
	if qm.LegendMode == "custom" && qm.LegendTemplate != "" {
		legendTemplate = qm.LegendTemplate
	} else if qm.LegendMode != "auto" {
		if qm.InterpolatedLabel != "" {
			legendTemplate = qm.InterpolatedLabel
		} else if qm.Label != "" {
			legendTemplate = qm.Label
		}
	}

	if legendTemplate != "" {
		return p.replaceTemplateVariables(legendTemplate, labels)
	}

	if len(labels) == 0 {
		return metric
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	labelStrings := make([]string, len(keys))
	for i, k := range keys {
		labelStrings[i] = k + ":" + labels[k]
	}
	return metric + " {" + strings.Join(labelStrings, ", ") + "}"
}

// replaceTemplateVariables replaces {{tag}} placeholders with the series' tag values.
// Unknown tags are left as written.
func (p *MetricsResponseParser) replaceTemplateVariables(template string, labels data.Labels) string {
	return legendPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		key := legendPlaceholder.FindStringSubmatch(match)[1]
		if value, ok := labels[key]; ok {
			return value
		}
		return match
	})
}
