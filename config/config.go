// Package config loads the declarative daemon configuration file and seeds
// the output store from it at startup.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/queuedrain/queuedrain/output"
	"github.com/queuedrain/queuedrain/store"
)

const (
	projectConfigName = "queuedrain.yaml"
	homeConfigName    = "config.yaml"
)

// updatedByConfig stamps store mutations made while seeding declared outputs.
const updatedByConfig = "config"

// File is the declarative startup config shape.
type File struct {
	Listen  string                       `yaml:"listen,omitempty"`
	Store   StoreConfig                  `yaml:"store,omitempty"`
	Resync  string                       `yaml:"resync,omitempty"`
	Queues  []string                     `yaml:"queues,omitempty"`
	Outputs map[string]OutputDeclaration `yaml:"outputs,omitempty"`
}

// StoreConfig selects the output store backend.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path,omitempty"`
}

// OutputDeclaration defines one output in queuedrain.yaml.
type OutputDeclaration struct {
	Queue   string            `yaml:"queue"`
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Filter  string            `yaml:"filter,omitempty"`
	Params  map[string]string `yaml:"params,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty"`
}

// Discover resolves the config file location with first-match semantics:
// the explicit path if given, then ./queuedrain.yaml, then
// ~/.queuedrain/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".queuedrain", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses a config file.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the declared outputs without touching a store.
func (f File) Validate() error {
	for name, decl := range f.Outputs {
		if _, err := declarationToConfig(name, decl); err != nil {
			return err
		}
	}
	return nil
}

// SeedOutputs upserts every declared output into the store. Outputs already
// present keep their delivery cursor; everything else comes from the
// declaration. Declarations are applied in name order.
func SeedOutputs(ctx context.Context, st store.OutputStore, f File) ([]output.Config, error) {
	names := make([]string, 0, len(f.Outputs))
	for name := range f.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	seeded := make([]output.Config, 0, len(names))
	for _, name := range names {
		cfg, err := declarationToConfig(name, f.Outputs[name])
		if err != nil {
			return nil, err
		}

		existing, ok, err := st.Get(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("seed output %q: %w", name, err)
		}

		var stored output.Config
		if ok {
			cfg.Cursor = existing.Cursor
			stored, err = st.Update(ctx, cfg)
		} else {
			stored, err = st.Create(ctx, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("seed output %q: %w", name, err)
		}
		seeded = append(seeded, stored)
	}
	return seeded, nil
}

func declarationToConfig(name string, decl OutputDeclaration) (output.Config, error) {
	enabled := true
	if decl.Enabled != nil {
		enabled = *decl.Enabled
	}

	cfg := output.Config{
		ID:        strings.TrimSpace(name),
		Queue:     strings.TrimSpace(expandEnvValue(decl.Queue)),
		Enabled:   enabled,
		Type:      output.Type(strings.ToLower(strings.TrimSpace(decl.Type))),
		URL:       strings.TrimSpace(expandEnvValue(decl.URL)),
		Filter:    strings.TrimSpace(decl.Filter),
		Params:    expandStringMap(decl.Params),
		UpdatedBy: updatedByConfig,
	}
	if err := cfg.Validate(); err != nil {
		return output.Config{}, fmt.Errorf("output %q: %w", name, err)
	}
	return cfg, nil
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}
