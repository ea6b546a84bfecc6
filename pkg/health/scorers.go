package health

import (
	"encoding/json"

	"github.com/attunehq/pulse/pkg/contracts"
)

// AverageFieldScorer returns a Scorer averaging a numeric payload field
// across the window. Signals without the field are skipped; an empty
// sample yields the fallback score.
func AverageFieldScorer(field string, fallback float64) Scorer {
	return func(signals []*contracts.Signal) float64 {
		var sum float64
		var n int
		for _, sig := range signals {
			raw, ok := sig.Payload[field]
			if !ok {
				continue
			}
			if v, ok := toFloat(raw); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return fallback
		}
		return sum / float64(n)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
