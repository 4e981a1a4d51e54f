package blobcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// classify normalizes a Set value into one of the two payload shapes
// spec.md §3 defines: raw bytes (discriminator 1) or a structured value
// drawn from {null, bool, int64, float64, string, []any, map[string]any}
// (discriminator 0). Any other shape is ErrUnsupportedValue.
//
// Structured containers are validated (and their scalar leaves
// normalized — int/int8/../uint64 collapse to int64, float32 to
// float64) recursively; a slice or map holding an unsupported element
// fails the same way a top-level unsupported value does.
func classify(v any) (isRaw bool, normalized any, err error) {
	if b, ok := v.([]byte); ok {
		return true, b, nil
	}

	normalized, err = normalizeStructured(v)
	if err != nil {
		return false, nil, err
	}

	return false, normalized, nil
}

func normalizeStructured(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case []any:
		out := make([]any, len(val))

		for i, elem := range val {
			norm, err := normalizeStructured(elem)
			if err != nil {
				return nil, err
			}

			out[i] = norm
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, elem := range val {
			norm, err := normalizeStructured(elem)
			if err != nil {
				return nil, err
			}

			out[k] = norm
		}

		return out, nil
	}

	// Fall back to reflection for slice/map types with a concrete
	// (non-any) element type, e.g. []string or map[string]int.
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())

		for i := range out {
			norm, err := normalizeStructured(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}

			out[i] = norm
		}

		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
		}

		out := make(map[string]any, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			norm, err := normalizeStructured(iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			out[iter.Key().String()] = norm
		}

		return out, nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// encodeStructured renders a normalized value as canonical JSON-like
// text. Object keys are sorted so the encoding is deterministic, and
// floats always carry a decimal point or exponent (even when
// whole-numbered) so decodeStructured can tell them apart from int64
// on the way back in.
func encodeStructured(v any) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeStructured(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeStructured(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		buf.WriteString(formatFloat(val))
	case string:
		quoted, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("%w: encoding string: %v", ErrUnsupportedValue, err)
		}

		buf.Write(quoted)
	case []any:
		buf.WriteByte('[')

		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := writeStructured(buf, elem); err != nil {
				return err
			}
		}

		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			keyBytes, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("%w: encoding key: %v", ErrUnsupportedValue, err)
			}

			buf.Write(keyBytes)
			buf.WriteByte(':')

			if err := writeStructured(buf, val[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}

	return nil
}

// formatFloat renders a float64 so it is unambiguously a float on
// decode: a bare integer-looking number is always given a trailing
// ".0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}

	return s
}

// decodeStructured parses canonical structured text back into the
// {nil, bool, int64, float64, string, []any, map[string]any} shape.
// JSON numbers without a decimal point or exponent decode as int64;
// all others decode as float64.
func decodeStructured(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any

	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	return convertNumbers(raw)
}

func convertNumbers(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		s := val.String()
		if !strings.ContainsAny(s, ".eE") {
			n, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				return n, nil
			}
		}

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: number %q: %v", ErrCorruptPayload, s, err)
		}

		return f, nil
	case []any:
		out := make([]any, len(val))

		for i, elem := range val {
			converted, err := convertNumbers(elem)
			if err != nil {
				return nil, err
			}

			out[i] = converted
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, elem := range val {
			converted, err := convertNumbers(elem)
			if err != nil {
				return nil, err
			}

			out[k] = converted
		}

		return out, nil
	default:
		return val, nil
	}
}
