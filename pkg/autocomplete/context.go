// Package autocomplete classifies the cursor position inside a Datadog metric query
// (metric{tag:value} by {tag}) and turns that classification into completion items
// for the query editor.
//
// Everything in this package is a pure function of its arguments. Candidate metric
// names and tags are fetched and cached by the caller.
package autocomplete

import (
	"encoding/json"
	"sort"
	"strings"
)

// ContextType identifies what kind of token the cursor is positioned in
type ContextType string

const (
	ContextMetric      ContextType = "metric"
	ContextAggregation ContextType = "aggregation"
	ContextTag         ContextType = "tag"
	ContextTagValue    ContextType = "tag_value"
)

// spaceAggregators are the prefixes Datadog accepts in front of a metric name (avg:system.cpu)
var spaceAggregators = map[string]struct{}{
	"avg": {},
	"sum": {},
	"min": {},
	"max": {},
}

// TagSet is a set of tag keys
type TagSet map[string]struct{}

// Has reports whether key is in the set
func (s TagSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the keys in lexical order
func (s TagSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the set as a sorted array so responses are stable
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

// UnmarshalJSON accepts the array form written by MarshalJSON
func (s *TagSet) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}

	set := make(TagSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	*s = set
	return nil
}

// QueryContext describes what the cursor currently sits in
type QueryContext struct {
	// CursorPosition is an offset into the whole query text; Column is the same
	// cursor relative to LineContent.
	CursorPosition int         `json:"cursorPosition"`
	Column         int         `json:"column"`
	CurrentToken   string      `json:"currentToken"`
	ContextType    ContextType `json:"contextType"`
	MetricName     string      `json:"metricName,omitempty"`
	// TagKey is the key whose value is being typed; only set for ContextTagValue.
	TagKey       string `json:"tagKey,omitempty"`
	ExistingTags TagSet `json:"existingTags"`
	LineContent  string `json:"lineContent"`
}

// ParseQuery classifies the token under cursorPosition in text.
// Cursor positions are byte offsets; values past the end of text are treated as end of text.
func ParseQuery(text string, cursorPosition int) QueryContext {
	if cursorPosition < 0 {
		cursorPosition = 0
	}

	qc := QueryContext{
		CursorPosition: cursorPosition,
		ContextType:    ContextMetric,
		ExistingTags:   TagSet{},
	}

	if strings.TrimSpace(text) == "" {
		return qc
	}

	line, col := lineAt(text, cursorPosition)
	qc.LineContent = line
	qc.Column = col
	qc.CurrentToken = tokenAt(line, col)

	name, nameEnd := metricNameOf(line)
	qc.MetricName = name

	before := line[:col]

	if zone, ok := tagZone(line, col); ok {
		classifyTagZone(&qc, zone)
		if isBareFilter(line) {
			qc.MetricName = ""
		}
		return qc
	}

	scanFrom := nameEnd
	if lastClose := strings.LastIndexByte(before, '}'); lastClose >= 0 {
		scanFrom = lastClose + 1
	}
	if hasGroupBy(before, scanFrom) {
		qc.ContextType = ContextAggregation
	}

	return qc
}

// lineAt returns the line containing pos and the cursor offset relative to that line
func lineAt(text string, pos int) (string, int) {
	if pos > len(text) {
		pos = len(text)
	}

	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := len(text)
	if i := strings.IndexByte(text[pos:], '\n'); i >= 0 {
		end = pos + i
	}

	return text[start:end], pos - start
}

// tagZone returns the text between the active opening brace and the cursor.
// A line without braces whose first word is key:value is treated as one big zone.
func tagZone(line string, col int) (string, bool) {
	before := line[:col]

	var open []int
	for i := 0; i < len(before); i++ {
		switch before[i] {
		case '{':
			open = append(open, i)
		case '}':
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
		}
	}
	if len(open) > 0 {
		return before[open[len(open)-1]+1:], true
	}

	if isBareFilter(line) {
		return strings.TrimLeft(before, " \t"), true
	}

	return "", false
}

// isBareFilter reports whether line is a brace-less tag filter such as host:web-01
func isBareFilter(line string) bool {
	if strings.IndexByte(line, '{') >= 0 {
		return false
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	key, _, found := strings.Cut(fields[0], ":")
	key = strings.TrimPrefix(key, "!")
	if !found || key == "" {
		return false
	}

	_, isAggregator := spaceAggregators[strings.ToLower(key)]
	return !isAggregator
}

func classifyTagZone(qc *QueryContext, zone string) {
	segmentStart := strings.LastIndexByte(zone, ',') + 1
	segment := zone[segmentStart:]

	for _, part := range strings.Split(zone[:segmentStart], ",") {
		if key := tagKeyOf(part); key != "" {
			qc.ExistingTags[key] = struct{}{}
		}
	}

	if colon := strings.IndexByte(segment, ':'); colon >= 0 {
		qc.ContextType = ContextTagValue
		qc.TagKey = identifierBefore(segment, colon)
		return
	}

	qc.ContextType = ContextTag
}

// activeTagKey re-derives the tag key for a tag_value context from the line alone.
// A zero or out of range col means the cursor is at the end of line.
func activeTagKey(line string, col int) string {
	if col <= 0 || col > len(line) {
		col = len(line)
	}

	zone, ok := tagZone(line, col)
	if !ok {
		return ""
	}

	segment := zone[strings.LastIndexByte(zone, ',')+1:]
	colon := strings.IndexByte(segment, ':')
	if colon < 0 {
		return ""
	}

	return identifierBefore(segment, colon)
}

// tagKeyOf returns the key of a key:value filter segment
func tagKeyOf(segment string) string {
	key, _, _ := strings.Cut(segment, ":")
	key = strings.TrimSpace(key)
	return strings.TrimSpace(strings.TrimPrefix(key, "!"))
}

// identifierBefore returns the token run ending right before s[end], ignoring spaces
func identifierBefore(s string, end int) string {
	for end > 0 && isSpace(s[end-1]) {
		end--
	}

	start := end
	for start > 0 && isTokenChar(s[start-1]) {
		start--
	}

	return s[start:end]
}

// tokenAt returns the identifier run surrounding col
func tokenAt(line string, col int) string {
	start := col
	for start > 0 && isTokenChar(line[start-1]) {
		start--
	}

	end := col
	for end < len(line) && isTokenChar(line[end]) {
		end++
	}

	return line[start:end]
}

// metricNameOf returns the metric name at the start of line and the offset where it ends.
// A leading space aggregator (avg:, sum:, ...) is skipped.
func metricNameOf(line string) (string, int) {
	i := 0
	for i < len(line) && isSpace(line[i]) {
		i++
	}

	start := i
	for i < len(line) && isTokenChar(line[i]) {
		i++
	}

	if i < len(line) && line[i] == ':' {
		if _, ok := spaceAggregators[strings.ToLower(line[start:i])]; ok {
			i++
			start = i
			for i < len(line) && isTokenChar(line[i]) {
				i++
			}
		}
	}

	name := line[start:i]
	if name == "by" && (i == len(line) || isSpace(line[i])) {
		return "", start
	}

	return name, i
}

// hasGroupBy reports whether before[from:] contains a standalone "by" keyword
func hasGroupBy(before string, from int) bool {
	if from > len(before) {
		return false
	}

	offset := from
	for {
		idx := strings.Index(before[offset:], "by")
		if idx < 0 {
			return false
		}
		p := offset + idx

		leftOK := p == 0 || isSpace(before[p-1])
		rightOK := p+2 < len(before) && isSpace(before[p+2])
		if leftOK && rightOK {
			return true
		}

		offset = p + 2
	}
}

func isTokenChar(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '.'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
