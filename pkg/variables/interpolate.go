// Package variables expands dashboard template variables inside Datadog queries
// and legend labels.
package variables

import (
	"fmt"

	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/grafana/regexp"
)

var (
	// referencePattern matches ${name}, ${name:format} and $name
	referencePattern = regexp.MustCompile(`\$\{(\w+)(:[^}]*)?\}|\$(\w+)`)
	// formattedPattern matches ${name:format}
	formattedPattern = regexp.MustCompile(`\$\{(\w+):([^}]*)\}`)
	// variablePattern detects $name or ${name
	variablePattern = regexp.MustCompile(`\$\w+|\$\{\w+`)
)

// Query is a query text plus its legend label, before and after interpolation
type Query struct {
	QueryText             string `json:"queryText"`
	Label                 string `json:"label,omitempty"`
	InterpolatedQueryText string `json:"interpolatedQueryText"`
	InterpolatedLabel     string `json:"interpolatedLabel,omitempty"`
}

// Logger is the subset of the SDK logger used by Service
type Logger interface {
	Error(msg string, args ...interface{})
}

// TemplateResolver performs the $name / ${name} substitution pass
type TemplateResolver interface {
	Replace(text string, vars Registry) (string, error)
}

// TemplateResolverFunc adapts a function to TemplateResolver
type TemplateResolverFunc func(text string, vars Registry) (string, error)

// Replace implements TemplateResolver
func (f TemplateResolverFunc) Replace(text string, vars Registry) (string, error) {
	return f(text, vars)
}

// DefaultResolver substitutes $name and ${name} using the default format.
// Formatted references and unknown names are left untouched.
type DefaultResolver struct{}

// Replace implements TemplateResolver
func (DefaultResolver) Replace(text string, vars Registry) (string, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	out := make([]byte, 0, len(text))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]

		var name string
		switch {
		case m[2] >= 0:
			if m[4] >= 0 {
				continue
			}
			name = text[m[2]:m[3]]
		case m[6] >= 0:
			name = text[m[6]:m[7]]
		}

		v, ok := vars.Lookup(name)
		if !ok {
			continue
		}

		out = append(out, text[last:start]...)
		out = append(out, FormatMultiValue(v.Values(), DefaultFormat)...)
		last = end
	}
	out = append(out, text[last:]...)

	return string(out), nil
}

// InterpolationError reports a failed expansion of Text
type InterpolationError struct {
	Text string
	Err  error
}

func (e *InterpolationError) Error() string {
	return fmt.Sprintf("failed to interpolate %q: %v", e.Text, e.Err)
}

func (e *InterpolationError) Unwrap() error {
	return e.Err
}

// Service interpolates queries against scoped variables and an optional
// dashboard-wide registry. It holds no per-call state and is safe for
// concurrent use.
type Service struct {
	resolver TemplateResolver
	registry Registry
	logger   Logger
	onError  func(text string, err error)
}

// Option configures a Service
type Option func(*Service)

// WithResolver replaces the $name / ${name} substitution pass
func WithResolver(r TemplateResolver) Option {
	return func(s *Service) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithRegistry adds a fallback registry consulted after the scoped variables
func WithRegistry(r Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithLogger sets the logger used to report failed interpolations
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorHandler registers a callback invoked after every failed interpolation
func WithErrorHandler(fn func(text string, err error)) Option {
	return func(s *Service) {
		s.onError = fn
	}
}

// NewService creates an interpolation Service
func NewService(opts ...Option) *Service {
	s := &Service{
		resolver: DefaultResolver{},
		logger:   log.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interpolate expands every variable reference in text. On failure the
// original text is returned together with an *InterpolationError.
func (s *Service) Interpolate(text string, scoped ScopedVars) (result string, err error) {
	if !HasVariables(text) {
		return text, nil
	}

	defer func() {
		if r := recover(); r != nil {
			result = text
			err = &InterpolationError{Text: text, Err: fmt.Errorf("resolver panic: %v", r)}
		}
	}()

	vars := s.lookup(scoped)

	resolved, err := s.resolver.Replace(text, vars)
	if err != nil {
		return text, &InterpolationError{Text: text, Err: err}
	}

	return expandFormatted(resolved, vars), nil
}

// InterpolateQuery expands the query text and label and writes the result to
// both the original and interpolated fields. If either fails, every field keeps
// the original text and the failure is logged.
func (s *Service) InterpolateQuery(q Query, scoped ScopedVars) Query {
	text, err := s.Interpolate(q.QueryText, scoped)
	label := q.Label
	if err == nil && q.Label != "" {
		label, err = s.Interpolate(q.Label, scoped)
	}

	if err != nil {
		s.report(err)
		return Query{
			QueryText:             q.QueryText,
			Label:                 q.Label,
			InterpolatedQueryText: q.QueryText,
			InterpolatedLabel:     q.Label,
		}
	}

	return Query{
		QueryText:             text,
		Label:                 label,
		InterpolatedQueryText: text,
		InterpolatedLabel:     label,
	}
}

// InterpolateLabel expands a legend label, returning it unchanged on failure
func (s *Service) InterpolateLabel(label string, scoped ScopedVars) string {
	out, err := s.Interpolate(label, scoped)
	if err != nil {
		s.report(err)
		return label
	}
	return out
}

func (s *Service) lookup(scoped ScopedVars) Registry {
	if s.registry == nil {
		return scoped
	}
	return Registries{scoped, s.registry}
}

func (s *Service) report(err error) {
	text := ""
	cause := err
	if ie, ok := err.(*InterpolationError); ok {
		text = ie.Text
		cause = ie.Err
	}

	s.logger.Error("Variable interpolation failed", "text", text, "error", cause)
	if s.onError != nil {
		s.onError(text, cause)
	}
}

func expandFormatted(text string, vars Registry) string {
	return formattedPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := formattedPattern.FindStringSubmatch(match)
		v, ok := vars.Lookup(sub[1])
		if !ok {
			return match
		}
		return FormatMultiValue(v.Values(), ParseFormat(sub[2]))
	})
}

// HasVariables reports whether text contains a $name or ${name reference
func HasVariables(text string) bool {
	return text != "" && variablePattern.MatchString(text)
}

// ExtractVariableNames returns the distinct variable names referenced in text,
// in order of first appearance.
func ExtractVariableNames(text string) []string {
	names := []string{}
	seen := make(map[string]struct{})

	for _, m := range referencePattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == "" {
			name = m[3]
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	return names
}
