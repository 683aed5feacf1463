package fs

import "iter"

// Config exposes model hyperparameters by key. Getters return the first
// default (or the zero value) when the key is missing or has another type.
type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Ints(string, ...[]int32) []int32

	// Decode copies a nested value (such as rope_scaling) into out.
	Decode(key string, out any) error

	Len() int
	Keys() iter.Seq[string]
	Value(key string) any
}
