package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/lockfs/pkg/codec"
	"github.com/marmos91/lockfs/pkg/store/metadata"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Lock definitions are keyed by module:name
	keys := make(map[string]bool)
	for i, def := range cfg.Coordination.Locks {
		if keys[def.Key()] {
			return fmt.Errorf("coordination.locks[%d]: duplicate lock %q", i, def.Key())
		}
		keys[def.Key()] = true
	}

	if err := codec.Valid(cfg.VFS.Compression); err != nil {
		return fmt.Errorf("vfs.compression: %w", err)
	}
	if cfg.VFS.Compression == "" && cfg.VFS.CompressionLevel != 0 {
		return fmt.Errorf("vfs.compression_level: set without a compression codec")
	}

	domains := make(map[string]bool)
	for i, domain := range cfg.VFS.Domains {
		if err := metadata.ValidateDomain(domain); err != nil {
			return fmt.Errorf("vfs.domains[%d]: %w", i, err)
		}
		if domains[domain] {
			return fmt.Errorf("vfs.domains[%d]: duplicate domain %q", i, domain)
		}
		domains[domain] = true
	}

	// Two embedded databases in one directory would fight over its lock file.
	if cfg.Coordination.Type == "badger" && cfg.Metadata.Type == "badger" {
		coordPath, _ := cfg.Coordination.Badger["path"].(string)
		metaPath, _ := cfg.Metadata.Badger["path"].(string)
		if coordPath != "" && coordPath == metaPath {
			return fmt.Errorf("metadata.badger.path: must differ from coordination.badger.path")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
