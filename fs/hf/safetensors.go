package hf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/liger-go/liger/ml"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors decodes every tensor of a safetensors stream.
func ReadSafetensors(r io.Reader) (map[string]*ml.Tensor, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("safetensors: invalid header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}
	delete(headers, "__metadata__")

	metas := make(map[string]safetensorMetadata, len(headers))
	for key, raw := range headers {
		var meta safetensorMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", key, err)
		}
		if len(meta.Offsets) != 2 || meta.Offsets[0] > meta.Offsets[1] {
			return nil, fmt.Errorf("safetensors: %s: invalid data offsets %v", key, meta.Offsets)
		}
		metas[key] = meta
	}

	// read tensors in file order so the stream need not be seekable
	keys := maps.Keys(metas)
	slices.SortFunc(keys, func(a, b string) int {
		return int(metas[a].Offsets[0] - metas[b].Offsets[0])
	})

	tensors := make(map[string]*ml.Tensor, len(keys))
	var pos int64
	for _, key := range keys {
		meta := metas[key]
		if meta.Offsets[0] < pos {
			return nil, fmt.Errorf("safetensors: %s overlaps previous tensor", key)
		}
		if _, err := io.CopyN(io.Discard, r, meta.Offsets[0]-pos); err != nil {
			return nil, err
		}

		buf := make([]byte, meta.Offsets[1]-meta.Offsets[0])
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", key, err)
		}
		pos = meta.Offsets[1]

		t, err := decodeTensor(meta, buf)
		if err != nil {
			return nil, fmt.Errorf("safetensors: %s: %w", key, err)
		}
		tensors[key] = t
	}

	return tensors, nil
}

func decodeTensor(meta safetensorMetadata, b []byte) (*ml.Tensor, error) {
	dtype, err := ml.ParseDType(meta.Type)
	if err != nil {
		return nil, err
	}

	count := 1
	for _, d := range meta.Shape {
		count *= d
	}
	if len(b) != count*dtype.Bytes() {
		return nil, fmt.Errorf("%d bytes for shape %v of %s", len(b), meta.Shape, meta.Type)
	}

	var f32s []float32
	switch dtype {
	case ml.DTypeF32:
		f32s = make([]float32, count)
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case ml.DTypeF16:
		f32s = make([]float32, count)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case ml.DTypeBF16:
		f32s = bfloat16.DecodeFloat32(b)
	}

	return ml.FromFloatsDType(f32s, dtype, meta.Shape...)
}

// WriteSafetensors encodes tensors in their own dtypes, sorted by name.
func WriteSafetensors(w io.Writer, tensors map[string]*ml.Tensor) error {
	if len(tensors) == 0 {
		return errors.New("safetensors: no tensors")
	}

	keys := maps.Keys(tensors)
	slices.Sort(keys)

	headers := make(map[string]safetensorMetadata, len(keys))
	var offset int64
	for _, key := range keys {
		t := tensors[key]
		size := int64(t.Len() * t.DType().Bytes())
		headers[key] = safetensorMetadata{
			Type:    t.DType().String(),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// pad the header so the data section is 8 byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if len(header) > math.MaxInt32 {
		return errors.New("safetensors: header too large")
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := w.Write(tensors[key].Bytes()); err != nil {
			return err
		}
	}
	return nil
}
