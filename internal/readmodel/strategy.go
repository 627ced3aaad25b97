package readmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/rpattn/flagstate/internal/domain"
)

// normalizeStrategy converts a strategy-bearing row into its public shape.
// Constraints and variants are never nil, every parameter value is a string.
func normalizeStrategy(row Row) domain.ClientStrategy {
	constraints := slices.Clone(row.Constraints)
	if constraints == nil {
		constraints = []domain.Constraint{}
	}
	variants := slices.Clone(row.StrategyVariants)
	if variants == nil {
		variants = []domain.StrategyVariant{}
	}

	return domain.ClientStrategy{
		Name:        row.StrategyName,
		Title:       row.StrategyTitle,
		Constraints: constraints,
		Parameters:  StringifyParameters(row.Parameters),
		Variants:    variants,
	}
}

// StringifyParameters maps every parameter value to its string form.
// SDKs expect strategy parameters as strings regardless of how they were stored.
func StringifyParameters(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for key, value := range params {
		out[key] = StringifyValue(value)
	}
	return out
}

// StringifyValue renders a decoded JSON value as a string: strings unchanged,
// numbers in shortest decimal form, booleans as true/false, nil as "null" and
// objects or arrays as compact JSON.
func StringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatFloat(v, 64)
	case float32:
		return formatFloat(float64(v), 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func formatFloat(f float64, bitSize int) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, bitSize)
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize)
}
