package usecase

import (
	"bytes"
	"encoding/json"
	"strings"
)

// answerRule probes one location of an upstream body for the answer text.
type answerRule struct {
	name  string
	probe func(body any) (string, bool)
}

// answerRules is ordered from most to least authoritative. The agent service
// does not commit to a reply schema, so each known shape gets a rule.
var answerRules = []answerRule{
	{name: "body", probe: bareString},
	{name: "result.answer", probe: stringAt("result", "answer")},
	{name: "result.message", probe: stringAt("result", "message")},
	{name: "message", probe: stringAt("message")},
	{name: "answer", probe: stringAt("answer")},
	{name: "response", probe: stringAt("response")},
	{name: "data", probe: dataField},
}

// ExtractAnswer returns the answer text carried by an upstream body decoded
// into interface values. It reports false when no rule matches.
func ExtractAnswer(body any) (string, bool) {
	answer, _, ok := extractAnswer(body)
	return answer, ok
}

func extractAnswer(body any) (answer, rule string, ok bool) {
	for _, r := range answerRules {
		if s, ok := r.probe(body); ok {
			return s, r.name, true
		}
	}
	return "", "", false
}

func bareString(body any) (string, bool) {
	s, ok := body.(string)
	return s, ok
}

func stringAt(path ...string) func(any) (string, bool) {
	return func(body any) (string, bool) {
		v, ok := lookup(body, path...)
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}
}

func dataField(body any) (string, bool) {
	v, ok := lookup(body, "data")
	if !ok || v == nil {
		return "", false
	}
	s, err := stringify(v)
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

func lookup(body any, path ...string) (any, bool) {
	cur := body
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringify returns strings unchanged and JSON-encodes anything else.
func stringify(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// prettyJSON indents a JSON document by two spaces, keeping key order.
func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// upstreamErrorText reports the text of a body's error field when that field
// is set to anything other than null, false, zero or an empty string.
func upstreamErrorText(body any) (string, bool) {
	v, ok := lookup(body, "error")
	if !ok {
		return "", false
	}
	switch e := v.(type) {
	case nil:
		return "", false
	case string:
		return e, e != ""
	case bool:
		if !e {
			return "", false
		}
	case json.Number:
		if f, err := e.Float64(); err == nil && f == 0 {
			return "", false
		}
	}
	s, err := stringify(v)
	if err != nil {
		return "", false
	}
	return s, s != ""
}
