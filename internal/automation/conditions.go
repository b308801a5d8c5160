// Telegram Engine - Notification and Campaign Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telegram-engine

package automation

import (
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Matches reports whether every condition holds for payload. A condition
// holds when the payload has the key and both values have the same string
// form, so 5, 5.0 and "5" are equal. A list condition holds when the
// payload value equals any element. No conditions always match.
func Matches(conditions, payload map[string]any) bool {
	for key, want := range conditions {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !valueMatches(want, got) {
			return false
		}
	}
	return true
}

func valueMatches(want, got any) bool {
	if list, ok := want.([]any); ok {
		for _, w := range list {
			if stringForm(w) == stringForm(got) {
				return true
			}
		}
		return false
	}
	return stringForm(want) == stringForm(got)
}

func stringForm(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return stringForm(f)
		}
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
