// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package aggregation

import (
	"fmt"
	"math"
)

// MaxTimeDivergence is the tolerance, in seconds, within which time-like
// keys ("time", "mediantime") across responses are considered to agree.
const MaxTimeDivergence = 10

// timeLikeKeys names the fields compared with tolerance rather than
// strict equality.
var timeLikeKeys = map[string]bool{
	"time":       true,
	"mediantime": true,
}

// DivergenceError names the key and offending values behind a NoQuorum
// surfaced at the aggregation layer.
type DivergenceError struct {
	Key    string
	Values []any
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("aggregation: divergent values for key %q: %v", e.Key, e.Values)
}

// joinData implements the join rule: for each key, collect the non-null
// values across responses; numeric time-like keys agree within
// MaxTimeDivergence seconds, everything else requires strict equality;
// the accepted value is the first non-null occurrence. Disagreement
// raises a DivergenceError naming the key and offending values.
func joinData(responses []map[string]any) (map[string]any, error) {
	if len(responses) == 0 {
		return nil, fmt.Errorf("aggregation: joinData called with no responses")
	}

	result := make(map[string]any, len(responses[0]))
	for _, r := range responses {
		for key := range r {
			if _, done := result[key]; done {
				continue
			}
			values := nonNullValues(responses, key)
			if len(values) == 0 {
				result[key] = nil
				continue
			}
			if err := checkAgreement(key, values); err != nil {
				return nil, err
			}
			result[key] = values[0]
		}
	}
	return result, nil
}

func nonNullValues(responses []map[string]any, key string) []any {
	var values []any
	for _, r := range responses {
		if v, ok := r[key]; ok && v != nil {
			values = append(values, v)
		}
	}
	return values
}

// checkAgreement validates that every pair of values agrees, according to
// key's comparison mode. Comparing only against values[0] would miss
// disagreement between two non-first responses (e.g. {10, 0, 20} is not
// pairwise within 10s even though 10 agrees with both neighbors).
func checkAgreement(key string, values []any) error {
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if timeLikeKeys[key] {
				a, aok := asFloat(values[i])
				b, bok := asFloat(values[j])
				if !aok || !bok || math.Abs(a-b) > MaxTimeDivergence {
					return &DivergenceError{Key: key, Values: values}
				}
				continue
			}
			if !deepEqual(values[i], values[j]) {
				return &DivergenceError{Key: key, Values: values}
			}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func deepEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
