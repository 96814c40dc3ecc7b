package judge

import (
	"encoding/json"
	"math"
	"strings"
)

// floatTolerance is the relative+absolute tolerance used by problems that
// opt in to tolerant numeric comparison.
const floatTolerance = 1e-6

// Normalize canonicalizes program output: every line is right-trimmed and
// leading/trailing blank lines are stripped.
func Normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// CompareOutputs reports whether actual matches expected after
// normalization.
func CompareOutputs(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}

// CompareStructured parses both sides as JSON and compares them by
// structural deep equality (NaN equals NaN). If either side fails to parse
// it falls back to normalized string comparison.
func CompareStructured(actual, expected string) bool {
	var a, b interface{}
	if err := json.Unmarshal([]byte(Normalize(actual)), &a); err != nil {
		return CompareOutputs(actual, expected)
	}
	if err := json.Unmarshal([]byte(Normalize(expected)), &b); err != nil {
		return CompareOutputs(actual, expected)
	}
	return deepEqual(a, b)
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !deepEqual(v, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(av) && math.IsNaN(bv) {
			return true
		}
		return av == bv
	default:
		return a == b
	}
}

// FloatsEqual compares two numbers under the opt-in tolerance.
func FloatsEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	diff := math.Abs(a - b)
	if diff <= floatTolerance {
		return true
	}
	largest := math.Max(math.Abs(a), math.Abs(b))
	return diff <= largest*floatTolerance
}

// CompareTolerant compares outputs token-by-token, treating tokens that
// parse as numbers on both sides with FloatsEqual. Used by problems with
// the float_tolerance flag.
func CompareTolerant(actual, expected string) bool {
	at := strings.Fields(Normalize(actual))
	et := strings.Fields(Normalize(expected))
	if len(at) != len(et) {
		return false
	}
	for i := range at {
		var af, ef float64
		aerr := json.Unmarshal([]byte(at[i]), &af)
		eerr := json.Unmarshal([]byte(et[i]), &ef)
		if aerr == nil && eerr == nil {
			if !FloatsEqual(af, ef) {
				return false
			}
			continue
		}
		if at[i] != et[i] {
			return false
		}
	}
	return true
}
