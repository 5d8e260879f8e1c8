package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Tag values understood by both codec directions. Any non-scalar,
// non-plain-structure value on the wire carries one of these under TagKey.
const (
	TagKey      = "__type__"
	TagDateTime = "DateTime"
	TagClosure  = "Closure"
	TagObject   = "Object"
)

// dateTimeLayout is the codec's declared precision: whole seconds.
// Sub-second precision is intentionally not round-trippable.
const dateTimeLayout = "2006-01-02 15:04:05"

// CallStep is one recorded, non-terminal invocation in a call chain.
// Steps are ordered and immutable once recorded.
type CallStep struct {
	Method     string `json:"method"`
	Parameters []any  `json:"parameters"`
}

// Closure is a nested call chain captured from a constraint callback.
// The server reconstructs it into a real callable that replays the chain
// against a live sub-query.
type Closure struct {
	Chain []CallStep
}

// Mapper is implemented by values with a canonical plain-structure form.
type Mapper interface {
	ToMap() map[string]any
}

// Serialize converts a native value into its JSON-safe wire form.
//
// Scalars and nil pass through. Times become tagged DateTime objects.
// Closures become tagged chain captures. Slices and string-keyed maps are
// serialized recursively with keys preserved. Anything else degrades to a
// tagged Object carrying a best-effort structure or string; that fallback
// is lossy and not guaranteed to round-trip.
func Serialize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case time.Time:
		return map[string]any{
			TagKey:     TagDateTime,
			"value":    val.Format(dateTimeLayout),
			"timezone": val.Location().String(),
		}
	case *time.Time:
		if val == nil {
			return nil
		}
		return Serialize(*val)
	case Closure:
		return map[string]any{
			TagKey:  TagClosure,
			"chain": serializeChain(val.Chain),
		}
	case *Closure:
		if val == nil {
			return nil
		}
		return Serialize(*val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Serialize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Serialize(item)
		}
		return out
	case Mapper:
		return Serialize(val.ToMap())
	}
	return serializeReflect(v)
}

func serializeChain(chain []CallStep) []any {
	out := make([]any, len(chain))
	for i, step := range chain {
		params := make([]any, len(step.Parameters))
		for j, p := range step.Parameters {
			params[j] = Serialize(p)
		}
		out[i] = map[string]any{"method": step.Method, "parameters": params}
	}
	return out
}

// serializeReflect handles slice, array and map shapes beyond the concrete
// types Serialize matches directly, then falls back to a tagged Object.
func serializeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Serialize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Serialize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Serialize(iter.Value().Interface())
			}
			return out
		}
	}
	return objectFallback(v)
}

// objectFallback emits the lossy tagged Object form for values the codec
// has no canonical representation for.
func objectFallback(v any) any {
	obj := map[string]any{
		TagKey:  TagObject,
		"class": fmt.Sprintf("%T", v),
	}
	if data, err := json.Marshal(v); err == nil {
		var plain any
		if json.Unmarshal(data, &plain) == nil {
			obj["value"] = plain
			return obj
		}
	}
	if s, ok := v.(fmt.Stringer); ok {
		obj["value"] = s.String()
		return obj
	}
	obj["value"] = fmt.Sprint(v)
	return obj
}

// Deserialize converts a wire value back into its native form. Dispatch is
// strictly on the presence and value of the TagKey field; untagged maps and
// lists are deserialized recursively, everything else returns as-is.
func Deserialize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		tag, _ := val[TagKey].(string)
		switch tag {
		case TagDateTime:
			return deserializeDateTime(val)
		case TagClosure:
			return deserializeClosure(val)
		case TagObject:
			// Lossy fallback: surface the payload structure only.
			return Deserialize(val["value"])
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Deserialize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Deserialize(item)
		}
		return out
	}
	return v
}

// DeserializeSlice applies Deserialize to each element of a parameter list.
func DeserializeSlice(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = Deserialize(p)
	}
	return out
}

func deserializeDateTime(val map[string]any) any {
	raw, _ := val["value"].(string)
	tzName, _ := val["timezone"].(string)
	loc := time.UTC
	if tzName != "" {
		if parsed, err := time.LoadLocation(tzName); err == nil {
			loc = parsed
		}
	}
	t, err := time.ParseInLocation(dateTimeLayout, raw, loc)
	if err != nil {
		// Not parseable at the declared precision; keep the raw form.
		return raw
	}
	return t
}

func deserializeClosure(val map[string]any) any {
	rawChain, _ := val["chain"].([]any)
	chain := make([]CallStep, 0, len(rawChain))
	for _, rawStep := range rawChain {
		stepMap, ok := rawStep.(map[string]any)
		if !ok {
			continue
		}
		method, _ := stepMap["method"].(string)
		rawParams, _ := stepMap["parameters"].([]any)
		chain = append(chain, CallStep{Method: method, Parameters: rawParams})
	}
	return Closure{Chain: chain}
}
