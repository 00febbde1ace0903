package lock

import (
	"encoding/json"
	"fmt"
)

// LockDef is a named, path-addressed lock definition.
type LockDef struct {
	Module string `json:"module" mapstructure:"module" yaml:"module" validate:"required"`
	Name   string `json:"name" mapstructure:"name" yaml:"name" validate:"required"`
	Path   string `json:"path" mapstructure:"path" yaml:"path"`
}

// Key returns the registry cache key "module:name".
func (d LockDef) Key() string {
	return d.Module + ":" + d.Name
}

func encodeDef(def LockDef) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock definition %s: %w", def.Key(), err)
	}
	return data, nil
}

func decodeDef(data []byte) (LockDef, error) {
	var def LockDef
	if err := json.Unmarshal(data, &def); err != nil {
		return LockDef{}, fmt.Errorf("failed to decode lock definition: %w", err)
	}
	return def, nil
}

// Outcome tells FindOrCreate callers whether the definition already existed.
type Outcome int

const (
	// Found means the definition was cached or already persisted in the backend.
	Found Outcome = iota

	// Created means this call synthesized and persisted the definition.
	Created
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Created:
		return "created"
	default:
		return "unknown"
	}
}
