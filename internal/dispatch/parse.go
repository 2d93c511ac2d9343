package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Broker responses are loosely specified, so the order id is recovered by an
// ordered chain of extractors; the first hit wins and a miss is not an error —
// the idempotency key remains the durable handle.

type extractor func(body []byte) (string, bool)

var idFields = []string{"order_id", "orderId", "id", "order_number", "orderNumber"}

var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)order[_\s]?id["\s:]*([A-Za-z0-9\-]+)`),
	regexp.MustCompile(`(?i)"id"\s*:\s*"?([A-Za-z0-9\-]+)`),
	regexp.MustCompile(`"([0-9]{10,})"`),
}

// ParseOrderID scans a raw response body for an order-id-shaped value.
func ParseOrderID(body []byte) (string, bool) {
	for _, ex := range []extractor{extractTopLevel, extractNested, extractPattern} {
		if id, ok := ex(body); ok {
			return id, true
		}
	}
	return "", false
}

func extractTopLevel(body []byte) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return "", false
	}
	return fieldFrom(m)
}

func extractNested(body []byte) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return "", false
	}
	for _, wrapper := range []string{"data", "result"} {
		if inner, ok := m[wrapper].(map[string]any); ok {
			if id, ok := fieldFrom(inner); ok {
				return id, true
			}
		}
	}
	return "", false
}

func extractPattern(body []byte) (string, bool) {
	for _, re := range idPatterns {
		if m := re.FindSubmatch(body); m != nil {
			return string(m[1]), true
		}
	}
	return "", false
}

func fieldFrom(m map[string]any) (string, bool) {
	for _, k := range idFields {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t, true
			}
		case float64:
			return fmt.Sprintf("%.0f", t), true
		}
	}
	return "", false
}
