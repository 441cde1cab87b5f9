package frame

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// looseJSON keeps numbers as literals so out-of-range values can be clamped
// instead of failing the decode
var looseJSON = sonic.Config{UseNumber: true}.Froze()

// UnmarshalJSON decodes a group leniently. Wrong field types never fail:
// numeric strings are parsed, other non-numbers become 0, overflow saturates
// and non-string categories are stringified. A bare string is taken as the
// category. Distribution entries that are not numbers invalidate the
// distribution so the estimator falls back to its heuristic.
func (li *LabelInput) UnmarshalJSON(data []byte) error {
	*li = LabelInput{}

	var v any
	if err := looseJSON.Unmarshal(data, &v); err != nil {
		return nil
	}

	switch t := v.(type) {
	case map[string]any:
		li.Category = looseString(t["category"])
		li.Confidence, _ = looseFloat(t["confidence"])
		if dist, ok := t["distribution"].(map[string]any); ok && len(dist) > 0 {
			li.Distribution = make(map[string]float64, len(dist))
			for k, raw := range dist {
				f, ok := looseFloat(raw)
				if !ok {
					f = math.NaN()
				}
				li.Distribution[k] = f
			}
		}
	case string:
		li.Category = t
	}
	return nil
}

func looseString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// looseFloat reports false when v carries no number at all
func looseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		return parseSaturating(t.String())
	case string:
		return parseSaturating(strings.TrimSpace(t))
	default:
		return 0, false
	}
}

// parseSaturating parses s, returning ±Inf on overflow
func parseSaturating(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	return f, true
}
