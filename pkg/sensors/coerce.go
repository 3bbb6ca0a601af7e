package sensors

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

func typeName[T any]() string {
	var zero T
	switch any(zero).(type) {
	case map[string]any:
		return "map"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", zero)
}

// Coerce converts value to T, returning a config_type error when no conversion applies
func Coerce[T any](value any) (T, error) {
	var out T
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	if value == nil {
		return out, nil
	}

	var err error
	switch p := any(&out).(type) {
	case *string:
		*p, err = toString(value)
	case *bool:
		*p, err = toBool(value)
	case *int:
		var v int64
		v, err = toInt64(value)
		*p = int(v)
	case *int64:
		*p, err = toInt64(value)
	case *float64:
		*p, err = toFloat64(value)
	case *time.Duration:
		*p, err = toDuration(value)
	case *map[string]any:
		*p, err = toMap(value)
	case *[]any:
		*p, err = toList(value)
	case *[]string:
		*p, err = toStringList(value)
	case encoding.TextUnmarshaler:
		s, ok := value.(string)
		if !ok {
			if stringer, isStringer := value.(fmt.Stringer); isStringer {
				s, ok = stringer.String(), true
			}
		}
		if !ok {
			err = fmt.Errorf("expected text, got %T", value)
			break
		}
		err = p.UnmarshalText([]byte(s))
	default:
		err = fromDecoded(value, &out)
	}
	if err != nil {
		var zero T
		return zero, errors.NewConfigTypeError(
			fmt.Sprintf("cannot coerce %v (%T) to %s", value, value, typeName[T]()), err)
	}
	return out, nil
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("unsupported type %T", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, fmt.Errorf("unsupported type %T", value)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", value)
}

func floatToInt(v float64) (int64, error) {
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%v has a fractional part", v)
	}
	return int64(v), nil
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", value)
}

// Plain numbers are milliseconds
func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(v))
	case int, int32, int64, float64:
		ms, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("unsupported type %T", value)
}

func toMap(value any) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func toList(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

func toStringList(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case string:
		if v == "" {
			return []string{}, nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", value)
}

// fromDecoded rebuilds structured values that were restored from JSON as
// generic maps and lists
func fromDecoded(value any, out any) error {
	switch value.(type) {
	case map[string]any, []any:
	default:
		return fmt.Errorf("no coercion from %T", value)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
