package variables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects how a multi-valued variable is flattened into query text
type Format string

const (
	FormatCSV    Format = "csv"
	FormatPipe   Format = "pipe"
	FormatJSON   Format = "json"
	FormatLucene Format = "lucene"
	FormatRaw    Format = "raw"
)

// DefaultFormat is used for $name and ${name} references
const DefaultFormat = FormatCSV

// luceneEscaper backslash-escapes Lucene query syntax characters
var luceneEscaper = strings.NewReplacer(
	`\`, `\\`,
	`+`, `\+`,
	`-`, `\-`,
	`&`, `\&`,
	`|`, `\|`,
	`!`, `\!`,
	`(`, `\(`,
	`)`, `\)`,
	`{`, `\{`,
	`}`, `\}`,
	`[`, `\[`,
	`]`, `\]`,
	`^`, `\^`,
	`"`, `\"`,
	`~`, `\~`,
	`*`, `\*`,
	`?`, `\?`,
	`:`, `\:`,
)

// ParseFormat maps a format specifier to a Format. Unknown names fall back to DefaultFormat.
func ParseFormat(name string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatPipe, FormatJSON, FormatLucene, FormatRaw:
		return f
	default:
		return DefaultFormat
	}
}

// FormatMultiValue renders values using format. Empty values are dropped first;
// an empty result renders as "".
func FormatMultiValue(values []string, format Format) string {
	filtered := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			filtered = append(filtered, v)
		}
	}

	if len(filtered) == 0 {
		return ""
	}

	switch format {
	case FormatPipe:
		return strings.Join(filtered, "|")
	case FormatJSON:
		return jsonArray(filtered)
	case FormatLucene:
		quoted := make([]string, len(filtered))
		for i, v := range filtered {
			quoted[i] = `"` + luceneEscaper.Replace(v) + `"`
		}
		return "(" + strings.Join(quoted, " OR ") + ")"
	case FormatRaw:
		return filtered[0]
	default:
		return strings.Join(filtered, ",")
	}
}

// FormatValues is FormatMultiValue for loosely typed values as they arrive from
// dashboard JSON. nil entries are dropped and other scalars are stringified.
func FormatValues(values []any, format Format) string {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			strs = append(strs, val)
		case *string:
			if val != nil {
				strs = append(strs, *val)
			}
		default:
			strs = append(strs, fmt.Sprint(val))
		}
	}
	return FormatMultiValue(strs, format)
}

func jsonArray(values []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return strings.Join(values, ",")
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
