package hf

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/liger-go/liger/fs"
	"github.com/liger-go/liger/ml"
)

var _ ml.Backend = (*Checkpoint)(nil)

// Checkpoint is a model directory loaded into memory.
type Checkpoint struct {
	kv      KV
	tensors map[string]*ml.Tensor
}

// NewCheckpoint wraps an in-memory config and tensor set.
func NewCheckpoint(kv KV, tensors map[string]*ml.Tensor) *Checkpoint {
	return &Checkpoint{kv: kv, tensors: tensors}
}

// Open reads dir/config.json and every dir/*.safetensors.
func Open(dir string) (*Checkpoint, error) {
	f, err := os.Open(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv, err := ReadConfig(f)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.New("no safetensors files found")
	}

	tensors := make(map[string]*ml.Tensor)
	for _, match := range matches {
		slog.Debug("reading safetensors", "file", match)
		ts, err := readSafetensorsFile(match)
		if err != nil {
			return nil, err
		}
		for name, t := range ts {
			if _, ok := tensors[name]; ok {
				return nil, fmt.Errorf("duplicate tensor %q in %s", name, match)
			}
			tensors[name] = t
		}
	}

	return &Checkpoint{kv: kv, tensors: tensors}, nil
}

func readSafetensorsFile(name string) (map[string]*ml.Tensor, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ts, err := ReadSafetensors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return ts, nil
}

func (c *Checkpoint) Config() fs.Config {
	return c.kv
}

// Get returns the named tensor or nil.
func (c *Checkpoint) Get(name string) *ml.Tensor {
	return c.tensors[name]
}

// Len returns the number of tensors.
func (c *Checkpoint) Len() int {
	return len(c.tensors)
}

// Save writes the checkpoint to dir as config.json and model.safetensors.
func (c *Checkpoint) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	bts, err := json.MarshalIndent(c.kv, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), bts, 0o644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteSafetensors(f, c.tensors); err != nil {
		return err
	}
	return f.Close()
}
