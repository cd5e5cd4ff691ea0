package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(expandHomeDir(path))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	cfg.Storage.Path = expandHomeDir(cfg.Storage.Path)
	cfg.Logging.Dir = expandHomeDir(cfg.Logging.Dir)
	return nil
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Marshal renders the configuration as YAML with secrets redacted.
func (c *Config) Marshal() ([]byte, error) {
	clone := *c
	if clone.Auth.JWTSecret != "" {
		clone.Auth.JWTSecret = "<redacted>"
	}
	if clone.AI.APIKey != "" {
		clone.AI.APIKey = "<redacted>"
	}
	return yaml.Marshal(&clone)
}
