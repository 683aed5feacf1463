// Package hf reads Hugging Face style checkpoint directories: a config.json
// with the model hyperparameters next to one or more safetensors files.
package hf

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"maps"
	"math"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/liger-go/liger/fs"
)

var _ fs.Config = KV(nil)

// KV is a decoded config.json.
type KV map[string]any

func ReadConfig(r io.Reader) (KV, error) {
	var kv KV
	if err := json.NewDecoder(r).Decode(&kv); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return kv, nil
}

// Architecture is the config's model_type, falling back to the first entry
// of architectures.
func (kv KV) Architecture() string {
	if s := kv.String("model_type"); s != "" {
		return s
	}
	if archs := kv.Strings("architectures"); len(archs) > 0 {
		return archs[0]
	}
	return "unknown"
}

func keyValue[T any](kv KV, key string, defaultValue ...T) (T, bool) {
	if v, ok := kv[key].(T); ok {
		return v, true
	}
	return defaultValue[0], false
}

// number reads JSON numbers as well as Go numeric values set in code.
func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

// Uint reads an integral JSON number. Negative or fractional values are
// treated as missing.
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	defaultValue = append(defaultValue, 0)
	f, ok := number(kv[key])
	if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxUint32 {
		return defaultValue[0]
	}
	return uint32(f)
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	defaultValue = append(defaultValue, 0)
	f, ok := number(kv[key])
	if !ok {
		return defaultValue[0]
	}
	return float32(f)
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	defaultValue = append(defaultValue, nil)
	if s, ok := kv[key].([]string); ok {
		return s
	}

	vs, ok := kv[key].([]any)
	if !ok {
		return defaultValue[0]
	}

	s := make([]string, 0, len(vs))
	for _, v := range vs {
		if v, ok := v.(string); ok {
			s = append(s, v)
		}
	}
	return s
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	defaultValue = append(defaultValue, nil)
	switch v := kv[key].(type) {
	case []any:
		s := make([]int32, 0, len(v))
		for _, e := range v {
			if f, ok := number(e); ok {
				s = append(s, int32(f))
			}
		}
		return s
	case []int32:
		return v
	default:
		if f, ok := number(v); ok {
			return []int32{int32(f)}
		}
		return defaultValue[0]
	}
}

// Decode copies kv[key] into out using mapstructure tags. A missing or
// null key leaves out untouched.
func (kv KV) Decode(key string, out any) error {
	v, ok := kv[key]
	if !ok || v == nil {
		return nil
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (kv KV) Len() int { return len(kv) }

func (kv KV) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(kv)))
}

func (kv KV) Value(key string) any { return kv[key] }
