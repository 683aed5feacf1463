package kvcache

import (
	"errors"
	"fmt"

	"github.com/liger-go/liger/ml"
)

var (
	ErrCacheType  = errors.New("kvcache: cache representation does not match its schema")
	ErrSchema     = errors.New("kvcache: unsupported cache schema")
	ErrLayerIndex = errors.New("kvcache: layer index required for cached forward")
)

// Schema versions the representation carried by a Variant.
type Schema int

const (
	// SchemaNone carries no cache. Normalizing it starts a new cache.
	SchemaNone Schema = iota
	// SchemaLegacy carries per-layer state tuples.
	SchemaLegacy
	// SchemaRecurrent carries a *Recurrent.
	SchemaRecurrent
)

func (s Schema) String() string {
	switch s {
	case SchemaNone:
		return "none"
	case SchemaLegacy:
		return "legacy"
	case SchemaRecurrent:
		return "recurrent"
	default:
		return fmt.Sprintf("Schema(%d)", int(s))
	}
}

// LayerState is the legacy tuple form of one layer's cache entry.
type LayerState struct {
	// State is the layer's recurrent state: one tensor for GLA, the key and
	// value slot states for GSA.
	State []*ml.Tensor

	// Keys and Values are the rotary keys and raw values of the most recent
	// tokens, (batch, kv_heads, window-1, head_dim). Either may be nil.
	Keys, Values *ml.Tensor
}

// Variant is a cache handed across the model boundary in any supported
// representation.
type Variant struct {
	Schema Schema

	// Legacy and Offset are set for SchemaLegacy.
	Legacy []LayerState
	Offset int

	// Cache is set for SchemaRecurrent.
	Cache *Recurrent
}

func Structured(c *Recurrent) Variant {
	return Variant{Schema: SchemaRecurrent, Cache: c}
}

// Legacy wraps per-layer tuples; offset is the number of tokens already
// processed.
func Legacy(layers []LayerState, offset int) Variant {
	return Variant{Schema: SchemaLegacy, Legacy: layers, Offset: offset}
}

// Normalize returns the structured cache of v. Legacy tuples are converted
// only when allowLegacy is set; otherwise they are an ErrCacheType.
func (v Variant) Normalize(allowLegacy bool) (*Recurrent, error) {
	switch v.Schema {
	case SchemaNone:
		return NewRecurrent(), nil
	case SchemaRecurrent:
		if v.Cache == nil || v.Legacy != nil {
			return nil, fmt.Errorf("%w: %s variant without a structured cache", ErrCacheType, v.Schema)
		}
		return v.Cache, nil
	case SchemaLegacy:
		if !allowLegacy {
			return nil, fmt.Errorf("%w: %s cache passed where a structured cache is required", ErrCacheType, v.Schema)
		}
		return FromLegacy(v.Legacy, v.Offset)
	default:
		return nil, fmt.Errorf("%w: %s", ErrSchema, v.Schema)
	}
}

// FromLegacy builds a cache from per-layer tuples.
func FromLegacy(layers []LayerState, offset int) (*Recurrent, error) {
	c := NewRecurrent()
	for i, l := range layers {
		if len(l.State) == 0 {
			continue
		}
		if err := c.Update(i, l.State, 0); err != nil {
			return nil, err
		}
		if l.Keys != nil || l.Values != nil {
			if l.Keys == nil || l.Values == nil || l.Keys.Dim(2) != l.Values.Dim(2) {
				return nil, fmt.Errorf("%w: layer %d window keys and values disagree", ml.ErrShape, i)
			}
			c.layers[i].keys, c.layers[i].values = l.Keys, l.Values
		}
	}
	c.offset = offset
	return c, nil
}
