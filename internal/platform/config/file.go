package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile loads YAML configuration from path into target.
func LoadFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFileIfPresent loads YAML configuration from path into target when the
// file exists. A missing file is not an error; the boolean reports whether
// anything was loaded.
func LoadFileIfPresent(path string, target any) (bool, error) {
	if path == "" {
		return false, nil
	}
	err := LoadFile(path, target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
