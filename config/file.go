package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// File holds settings read from a TOML file. Keys are the environment
// variable names in lower case; tables are flattened with "_", so
//
//	[r2]
//	endpoint = "https://example.r2.cloudflarestorage.com"
//
// supplies R2_ENDPOINT.
type File struct {
	values map[string]string
}

// LoadFile parses a TOML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses TOML configuration content.
func ParseFile(data []byte) (*File, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	f := &File{values: make(map[string]string)}
	flatten(f.values, "", raw)
	return f, nil
}

// Keys returns the environment names the file provides, sorted.
func (f *File) Keys() []string {
	if f == nil {
		return nil
	}
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(dst map[string]string, prefix string, src map[string]any) {
	for k, v := range src {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(dst, key, val)
		case string:
			dst[key] = val
		default:
			dst[key] = fmt.Sprint(val)
		}
	}
}

func fileLookup(f *File) func(key, fallback string) string {
	return func(key, fallback string) string {
		if f == nil {
			return fallback
		}
		if v, ok := f.values[key]; ok && v != "" {
			return v
		}
		return fallback
	}
}
