// Package mapsafe reads typed values out of decoded JSON objects.
package mapsafe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Get retrieves a typed value from a map[string]any.
// If the key is missing or the type cannot be converted, it returns the default value.
func Get[T any](m map[string]any, key string, defaultValue T) T {
	if val, ok := m[key]; ok {
		switch any(defaultValue).(type) {
		case int:
			switch x := val.(type) {
			case int:
				return any(x).(T)
			case float64:
				return any(int(x)).(T)
			}
		case float64:
			switch x := val.(type) {
			case float64:
				return any(x).(T)
			case int:
				return any(float64(x)).(T)
			}
		case string:
			if s, ok := val.(string); ok {
				return any(s).(T)
			}
		case bool:
			if b, ok := val.(bool); ok {
				return any(b).(T)
			}
		default:
			if v2, ok := val.(T); ok {
				return v2
			}
		}
	}
	return defaultValue
}

// Float converts m[key] to a float64. Numbers, numeric strings and booleans
// convert; a missing key yields def; anything else is an error.
func Float(m map[string]any, key string, def float64) (float64, error) {
	val, ok := m[key]
	if !ok {
		return def, nil
	}
	switch x := val.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: '%s'", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %s", key, typeName(val))
	}
}

// Int converts m[key] to an int, truncating fractional numbers. Strings
// must hold an integer literal.
func Int(m map[string]any, key string, def int) (int, error) {
	val, ok := m[key]
	if !ok {
		return def, nil
	}
	switch x := val.(type) {
	case int:
		return x, nil
	case float64:
		if math.IsNaN(x) || x >= 0x1p63 || x < -0x1p63 {
			return 0, fmt.Errorf("%s is out of range: %v", key, x)
		}
		return int(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("invalid literal for int() with base 10: '%s'", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %s", key, typeName(val))
	}
}

// String renders m[key] as text. Arrays are joined with ", ". A missing key
// or null yields def.
func String(m map[string]any, key string, def string) string {
	val, ok := m[key]
	if !ok || val == nil {
		return def
	}
	return stringify(val)
}

func stringify(val any) string {
	switch x := val.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(x))
		for _, v := range x {
			parts = append(parts, stringify(v))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

func typeName(val any) string {
	switch val.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", val)
	}
}
