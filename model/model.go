package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/liger-go/liger/fs"
	"github.com/liger-go/liger/fs/hf"
	"github.com/liger-go/liger/kvcache"
	"github.com/liger-go/liger/ml"
	"github.com/liger-go/liger/model/input"
)

// Model implements a specific model architecture, defining the forward pass and any model-specific configuration
type Model interface {
	// Forward runs the batch through the model, reading and updating cache.
	// cache is never nil.
	Forward(ml.Context, input.Batch, *kvcache.Recurrent) (*Output, error)

	Backend() ml.Backend
	Config() config
}

// Output is the result of a forward pass.
type Output struct {
	// Logits are (batch, sequence, vocab_size).
	Logits *ml.Tensor

	// Hidden is the final normalized hidden state, (batch, sequence, hidden_size).
	Hidden *ml.Tensor

	// HiddenStates holds the input of every layer followed by Hidden when
	// the batch requested them.
	HiddenStates []*ml.Tensor

	// Cache is the updated cache, in the representation it was passed in.
	Cache kvcache.Variant
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
	config
}

type config struct {
	// LegacyCache allows legacy cache tuples, converting them at the model
	// boundary. Models without it reject them with kvcache.ErrCacheType.
	LegacyCache bool
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures lists the registered architecture names.
func Architectures() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	return names
}

// New loads the checkpoint directory at modelPath.
func New(modelPath string) (Model, error) {
	b, err := hf.Open(modelPath)
	if err != nil {
		return nil, err
	}

	return Load(b)
}

// Load initializes a model instance from the configuration and weights of b.
func Load(b ml.Backend) (Model, error) {
	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: m.Config()}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))

	if v, ok := m.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", arch, err)
		}
	}
	return m, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("hf"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf(Base{}) {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)) {
				for _, name := range tensorNames(tagsCopy) {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "name", strings.Join(name, "."), "tensor", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

// tensorNames expands tags into every candidate name, primary names first.
func tensorNames(tags []Tag) (values [][]string) {
	if len(tags) < 1 {
		return nil
	}

	values = [][]string{{tags[0].Name}}
	for _, alt := range tags[0].Alternate {
		values = append(values, []string{alt})
	}

	rest := tensorNames(tags[1:])
	if len(rest) == 0 {
		return values
	}

	expanded := make([][]string, 0, len(values)*len(rest))
	for _, value := range values {
		for _, r := range rest {
			expanded = append(expanded, append(append([]string{}, value...), r...))
		}
	}
	return expanded
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}

// Forward validates batch, normalizes cache into its structured form and
// runs the model. Shape failures inside the forward pass are returned as
// errors wrapping ml.ErrShape. On any error the cache is left as it was
// before the call.
func Forward(ctx ml.Context, m Model, batch input.Batch, cache kvcache.Variant) (out *Output, err error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	c, err := cache.Normalize(m.Config().LegacyCache)
	if err != nil {
		return nil, err
	}

	if batch.Positions == nil {
		batch.Positions = positions(batch, c.Offset())
	}

	snapshot := c.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			c.Restore(snapshot)
			if e, ok := r.(error); ok && errors.Is(e, ml.ErrShape) {
				out, err = nil, e
				return
			}
			panic(r)
		}
	}()

	out, err = m.Forward(ctx, batch, c)
	if err != nil {
		c.Restore(snapshot)
		return nil, err
	}

	if cache.Schema == kvcache.SchemaLegacy {
		out.Cache = kvcache.Legacy(c.Legacy())
	} else {
		out.Cache = kvcache.Structured(c)
	}
	return out, nil
}

// positions numbers each sequence's tokens from offset. With a mask, valid
// tokens are numbered by the count of valid tokens before them and padded
// tokens get position 1.
func positions(batch input.Batch, offset int) [][]int32 {
	n, seq := batch.Dims()
	p := make([][]int32, n)
	for b := range p {
		p[b] = make([]int32, seq)
		for t := range p[b] {
			p[b][t] = int32(offset + t)
		}
	}

	if batch.Mask != nil {
		mask, cols := batch.Mask.Floats(), batch.Mask.Dim(1)

		// history the mask does not cover counts as valid
		uncovered := int32(max(0, offset-(cols-seq)))
		for b := range p {
			pos := uncovered
			for c := range cols {
				valid := mask[b*cols+c] != 0
				if t := c - (cols - seq); t >= 0 {
					p[b][t] = 1
					if valid {
						p[b][t] = pos
					}
				}
				if valid {
					pos++
				}
			}
		}
	}
	return p
}
