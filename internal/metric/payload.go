package metric

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Paths searched inside the raw agent payload. Direct calls and
// queued runs nest these fields differently.
var (
	responseTimePaths = []string{
		"responseTimeSec", "response_time_sec",
		"meta.responseTimeSec", "metadata.responseTimeSec",
	}
	assistantPaths = []string{
		"assistantMessage", "assistant_message",
		"response.assistantMessage", "data.assistantMessage",
	}
	uiDataPaths = []string{
		"uiData", "ui_data",
		"response.uiData", "data.uiData",
	}
)

// AgentPayload is a parsed raw agent response (rawJson).
type AgentPayload struct {
	root gjson.Result
}

// ParseAgentPayload parses the raw agent JSON. It returns false
// when s is empty or not valid JSON.
func ParseAgentPayload(s string) (AgentPayload, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return AgentPayload{}, false
	}
	return AgentPayload{root: gjson.Parse(s)}, true
}

// ResponseTimeSec returns the response time embedded in the
// payload, or nil.
func (p AgentPayload) ResponseTimeSec() *float64 {
	if !p.root.IsObject() {
		return nil
	}
	for _, path := range responseTimePaths {
		r := p.root.Get(path)
		var f float64
		switch r.Type {
		case gjson.Number:
			f = r.Num
		case gjson.String:
			v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
			if err != nil {
				continue
			}
			f = v
		default:
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return &f
	}
	return nil
}

// HasAssistantMessage reports whether the payload carries a
// non-empty assistant message.
func (p AgentPayload) HasAssistantMessage() bool {
	if !p.root.IsObject() {
		return false
	}
	for _, path := range assistantPaths {
		if nonEmpty(p.root.Get(path)) {
			return true
		}
	}
	return false
}

// HasUIData reports whether the payload carries a non-empty UI
// data list.
func (p AgentPayload) HasUIData() bool {
	if !p.root.IsObject() {
		return false
	}
	for _, path := range uiDataPaths {
		r := p.root.Get(path)
		if r.IsArray() && len(r.Array()) > 0 {
			return true
		}
	}
	return false
}

func nonEmpty(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str) != ""
	case gjson.JSON:
		if r.IsArray() {
			return len(r.Array()) > 0
		}
		n := 0
		r.ForEach(func(_, _ gjson.Result) bool {
			n++
			return false
		})
		return n > 0
	case gjson.Number, gjson.True, gjson.False:
		return true
	}
	return false
}
