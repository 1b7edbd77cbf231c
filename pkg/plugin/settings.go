package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
)

const (
	defaultSite                  = "datadoghq.com"
	defaultAutocompleteCacheTTL  = 30
	defaultAutocompleteCacheSize = 1000
	defaultMaxConcurrentRequests = 5
	defaultQueryTimeout          = 30
	defaultAutocompleteTimeout   = 2
	defaultLogsPageSize          = 100
	maxLogsPageSize              = 1000

	healthCheckTimeout = 5 * time.Second
)

var (
	// ErrMissingAPIKey is returned when the datasource has no Datadog API key configured
	ErrMissingAPIKey = errors.New("missing Datadog API key")
	// ErrMissingAppKey is returned when the datasource has no Datadog application key configured
	ErrMissingAppKey = errors.New("missing Datadog application key")
)

// Settings is the datasource configuration stored by Grafana.
// Durations are expressed in seconds.
type Settings struct {
	Site                  string `json:"site"`
	APIURL                string `json:"apiUrl,omitempty"`
	AutocompleteCacheTTL  int    `json:"autocompleteCacheTTL,omitempty"`
	AutocompleteCacheSize int    `json:"autocompleteCacheSize,omitempty"`
	MaxConcurrentRequests int    `json:"maxConcurrentRequests,omitempty"`
	QueryTimeout          int    `json:"queryTimeout,omitempty"`
	AutocompleteTimeout   int    `json:"autocompleteTimeout,omitempty"`
	LogsPageSize          int    `json:"logsPageSize,omitempty"`

	APIKey string `json:"-"`
	AppKey string `json:"-"`
}

// LoadSettings parses instance settings and applies defaults
func LoadSettings(instance backend.DataSourceInstanceSettings) (*Settings, error) {
	s := &Settings{}

	if len(instance.JSONData) > 0 {
		if err := json.Unmarshal(instance.JSONData, s); err != nil {
			return nil, fmt.Errorf("failed to parse JSONData: %w", err)
		}
	}

	if err := s.applyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid datasource settings: %w", err)
	}

	s.APIKey = instance.DecryptedSecureJSONData["apiKey"]
	s.AppKey = instance.DecryptedSecureJSONData["appKey"]

	return s, nil
}

func (s *Settings) applyDefaults() error {
	numbers := []struct {
		name  string
		value *int
		def   int
	}{
		{"autocompleteCacheTTL", &s.AutocompleteCacheTTL, defaultAutocompleteCacheTTL},
		{"autocompleteCacheSize", &s.AutocompleteCacheSize, defaultAutocompleteCacheSize},
		{"maxConcurrentRequests", &s.MaxConcurrentRequests, defaultMaxConcurrentRequests},
		{"queryTimeout", &s.QueryTimeout, defaultQueryTimeout},
		{"autocompleteTimeout", &s.AutocompleteTimeout, defaultAutocompleteTimeout},
		{"logsPageSize", &s.LogsPageSize, defaultLogsPageSize},
	}

	for _, n := range numbers {
		if *n.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", n.name, *n.value)
		}
		if *n.value == 0 {
			*n.value = n.def
		}
	}

	if s.LogsPageSize > maxLogsPageSize {
		s.LogsPageSize = maxLogsPageSize
	}

	if s.Site == "" {
		s.Site = defaultSite
	}

	return nil
}

// Credentials reports whether both Datadog keys are configured
func (s *Settings) Credentials() error {
	if s.APIKey == "" {
		return ErrMissingAPIKey
	}
	if s.AppKey == "" {
		return ErrMissingAppKey
	}
	return nil
}

func (s *Settings) cacheTTL() time.Duration {
	return time.Duration(s.AutocompleteCacheTTL) * time.Second
}

func (s *Settings) queryTimeout() time.Duration {
	return time.Duration(s.QueryTimeout) * time.Second
}

func (s *Settings) autocompleteTimeout() time.Duration {
	return time.Duration(s.AutocompleteTimeout) * time.Second
}
