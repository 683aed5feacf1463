package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Models returns the default model directory. Configurable via LIGER_MODELS.
// Default: $HOME/.liger/models
func Models() string {
	if s := Var("LIGER_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".liger", "models")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LIGER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// NumThreads bounds the goroutines a kernel fans out to. Zero uses every CPU.
	NumThreads = Uint("LIGER_NUM_THREADS", 0)
	// ChunkSize is the block length of chunked recurrent kernels.
	ChunkSize = Uint("LIGER_CHUNK_SIZE", 64)
	// Training runs forward passes in training mode.
	Training = Bool("LIGER_TRAINING")
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LIGER_DEBUG":       {"LIGER_DEBUG", LogLevel(), "Show additional debug information (e.g. LIGER_DEBUG=1)"},
		"LIGER_MODELS":      {"LIGER_MODELS", Models(), "The path to the models directory"},
		"LIGER_NUM_THREADS": {"LIGER_NUM_THREADS", NumThreads(), "Maximum goroutines per kernel (default: one per CPU)"},
		"LIGER_CHUNK_SIZE":  {"LIGER_CHUNK_SIZE", ChunkSize(), "Block length of chunked recurrent kernels (default: 64)"},
		"LIGER_TRAINING":    {"LIGER_TRAINING", Training(), "Run forward passes in training mode"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
