package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# lockfs Configuration File
#
# Values can be overridden with LOCKFS_* environment variables, e.g.
#   LOCKFS_LOGGING_LEVEL=DEBUG
#   LOCKFS_COORDINATION_TYPE=redis
#
# Only the backend section matching each "type" is used.
`

// sectionComments are attached to the top-level keys of generated files.
var sectionComments = map[string]string{
	"logging":      "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr, or a file path)",
	"coordination": "Coordination backend (badger, zookeeper, redis) and lock namespace.\nbadger is single-process: use zookeeper or redis to share locks between hosts.\nlock_timeout bounds every lock acquisition; a negative value waits forever.",
	"metadata":     "Inode store (memory, badger, postgres)",
	"content":      "Content driver (filesystem, memory, s3)",
	"vfs":          "Write/commit settings.\ncompression: \"\" (raw), gzip, zstd, snappy or brotli.\nstale_after: reclaim a writer lock not renewed for this long (writers renew while open).\nreconcile_interval and domains drive the background sweep of \"lockfs serve\".",
	"metrics":      "Prometheus endpoint served by \"lockfs serve\"",
}

// InitConfig writes a default configuration file to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: Returns error if the file exists (without force) or cannot be written
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg as YAML with a file header and a
// comment above every top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// Mapping nodes alternate key and value.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return buf.String(), nil
}
