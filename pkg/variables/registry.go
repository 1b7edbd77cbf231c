package variables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// VarValue holds the current value(s) of a template variable.
// It decodes from a JSON string, an array, or a scalar.
type VarValue []string

// UnmarshalJSON accepts "a", ["a","b"], 42, true and null
func (v *VarValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode variable value: %w", err)
	}

	switch val := raw.(type) {
	case nil:
		*v = nil
	case []any:
		out := make(VarValue, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, scalarString(item))
		}
		*v = out
	default:
		*v = VarValue{scalarString(val)}
	}

	return nil
}

// MarshalJSON encodes a single value as a string and anything else as an array
func (v VarValue) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// ScopedVar is a template variable bound to a panel or query evaluation
type ScopedVar struct {
	Text  string   `json:"text"`
	Value VarValue `json:"value"`
}

// UnmarshalJSON tolerates multi-value text arrays, which Grafana joins with " + "
func (s *ScopedVar) UnmarshalJSON(b []byte) error {
	var aux struct {
		Text  VarValue `json:"text"`
		Value VarValue `json:"value"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	s.Text = strings.Join(aux.Text, " + ")
	s.Value = aux.Value
	return nil
}

// Values returns the variable's current values
func (s ScopedVar) Values() []string {
	return s.Value
}

// IsMulti reports whether more than one value is selected
func (s ScopedVar) IsMulti() bool {
	return len(s.Value) > 1
}

// Registry resolves variable names to their current values
type Registry interface {
	Lookup(name string) (ScopedVar, bool)
}

// ScopedVars maps variable names to scoped values
type ScopedVars map[string]ScopedVar

// Lookup implements Registry
func (s ScopedVars) Lookup(name string) (ScopedVar, bool) {
	v, ok := s[name]
	return v, ok
}

// Registries chains registries; the first one that knows a name wins
type Registries []Registry

// Lookup implements Registry
func (r Registries) Lookup(name string) (ScopedVar, bool) {
	for _, reg := range r {
		if reg == nil {
			continue
		}
		if v, ok := reg.Lookup(name); ok {
			return v, true
		}
	}
	return ScopedVar{}, false
}
