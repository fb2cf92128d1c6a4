// Package metric normalizes evaluator metric payloads and
// resolves metrics by their accepted key aliases.
package metric

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Name identifies a logical metric.
type Name string

const (
	Intent        Name = "intent"
	Accuracy      Name = "accuracy"
	Consistency   Name = "consistency"
	Stability     Name = "stability"
	LatencySingle Name = "latencySingle"
	LatencyMulti  Name = "latencyMulti"
)

// aliases lists the payload keys accepted for each metric, in
// lookup order. The evaluator has emitted both English keys and
// legacy Korean keys over time.
var aliases = map[Name][]string{
	Intent:        {"intent", "intentScore", "의도", "의도파악", "의도 파악"},
	Accuracy:      {"accuracy", "accuracyScore", "정확도", "정확성"},
	Consistency:   {"consistency", "consistencyScore", "일관성"},
	Stability:     {"stability", "stabilityScore", "안정성"},
	LatencySingle: {"latencySingle", "latency_single", "단일응답속도", "응답속도(단일)"},
	LatencyMulti:  {"latencyMulti", "latency_multi", "멀티응답속도", "응답속도(멀티)"},
}

// Aliases returns a copy of the alias list for n, or nil for an
// unknown metric.
func Aliases(n Name) []string {
	a, ok := aliases[n]
	if !ok {
		return nil
	}
	return append([]string(nil), a...)
}

// ParsePayload normalizes a raw metric payload into a map. A map
// is returned unchanged and strings are parsed as JSON. Byte
// slices and raw JSON are parsed as well, and a JSON string
// literal found there is unwrapped once, since a record field
// may hold either the object or its encoded form. Anything that
// does not end up as a JSON object yields an empty map.
func ParsePayload(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	case string:
		return parseObject(v, false)
	case []byte:
		return parseObject(string(v), true)
	case json.RawMessage:
		return parseObject(string(v), true)
	}
	return map[string]any{}
}

func parseObject(s string, unwrap bool) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return map[string]any{}
	}
	r := gjson.Parse(s)
	if r.Type == gjson.String && unwrap {
		return parseObject(r.Str, false)
	}
	if !r.IsObject() {
		return map[string]any{}
	}
	m, ok := r.Value().(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// Get returns the first value among aliases that coerces to a
// finite number, or nil.
func Get(metrics map[string]any, aliases []string) *float64 {
	for _, key := range aliases {
		v, ok := metrics[key]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

// Lookup resolves a named metric using its alias table.
func Lookup(metrics map[string]any, n Name) *float64 {
	return Get(metrics, aliases[n])
}

// Has reports whether a named metric resolves to a number.
func Has(metrics map[string]any, n Name) bool {
	return Lookup(metrics, n) != nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
