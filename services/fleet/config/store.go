// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and serves the model catalogue.
//
// # Description
//
// The catalogue is a YAML (or JSON; yaml.v3 parses both) document
// holding program settings and the model definitions with their
// launch variants. The store validates field constraints and the
// referential integrity against the device and interface adapter
// registries at load time, then serves read-only lookups.
//
// Reload is deliberately not supported: a change watcher logs when
// the file changes on disk, and the change takes effect on the next
// model start.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// AdapterSet answers membership queries against an adapter registry.
//
// Both the device and the interface registries satisfy this; the
// store only needs to know whether an id is registered.
type AdapterSet interface {
	Has(id string) bool
}

// =============================================================================
// Store
// =============================================================================

// Store holds the parsed, validated catalogue and its lookup indexes.
//
// # Thread Safety
//
// The store is immutable after Load and safe for concurrent reads.
type Store struct {
	path     string
	settings datatypes.Settings
	models   []*datatypes.ModelDef
	byName   map[string]*datatypes.ModelDef
	byAlias  map[string]*datatypes.ModelDef
}

// Load parses and validates the catalogue file.
//
// # Description
//
// Parses the document, applies settings defaults, runs struct-tag
// validation, and checks referential integrity: alias uniqueness
// across the whole fleet, every mode against the interface registry,
// and every device named in required_devices or memory_mb against the
// device registry.
//
// # Inputs
//
//   - path: Catalogue file path (YAML or JSON).
//   - devices: Registered device adapter ids.
//   - ifaces: Registered interface adapter mode ids.
//
// # Outputs
//
//   - *Store: Immutable catalogue store.
//   - error: Non-nil on parse or validation failure.
func Load(path string, devices AdapterSet, ifaces AdapterSet) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}

	var cat datatypes.Catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	cat.Settings.ApplyDefaults()

	validate := validator.New()
	if err := validate.Struct(&cat); err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", path, err)
	}

	s := &Store{
		path:     path,
		settings: cat.Settings,
		byName:   make(map[string]*datatypes.ModelDef, len(cat.Models)),
		byAlias:  make(map[string]*datatypes.ModelDef),
	}

	for i := range cat.Models {
		def := &cat.Models[i]
		if _, dup := s.byName[def.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate model name %q", def.Name)
		}
		if _, dup := s.byAlias[def.Name]; dup {
			return nil, fmt.Errorf("catalogue: model name %q collides with an alias", def.Name)
		}
		s.byName[def.Name] = def
		s.byAlias[def.Name] = def

		for _, alias := range def.Aliases {
			if _, dup := s.byAlias[alias]; dup {
				return nil, fmt.Errorf("catalogue: alias %q is not unique", alias)
			}
			if _, dup := s.byName[alias]; dup {
				return nil, fmt.Errorf("catalogue: alias %q collides with a model name", alias)
			}
			s.byAlias[alias] = def
		}

		if err := checkReferences(def, devices, ifaces); err != nil {
			return nil, err
		}
		s.models = append(s.models, def)
	}

	return s, nil
}

// checkReferences validates one model against the adapter registries.
func checkReferences(def *datatypes.ModelDef, devices AdapterSet, ifaces AdapterSet) error {
	if !ifaces.Has(string(def.Mode)) {
		return fmt.Errorf("model %q: mode %q has no registered interface adapter", def.Name, def.Mode)
	}
	for _, v := range def.Variants {
		for _, d := range v.RequiredDevices {
			if !devices.Has(d) {
				return fmt.Errorf("model %q variant %q: required device %q is not registered", def.Name, v.Name, d)
			}
		}
		for d := range v.MemoryMB {
			if !devices.Has(d) {
				return fmt.Errorf("model %q variant %q: memory_mb device %q is not registered", def.Name, v.Name, d)
			}
		}
	}
	return nil
}

// Path returns the catalogue file path.
func (s *Store) Path() string {
	return s.path
}

// Settings returns the program settings with defaults applied.
func (s *Store) Settings() datatypes.Settings {
	return s.settings
}

// Models returns all model definitions in declaration order.
func (s *Store) Models() []*datatypes.ModelDef {
	return s.models
}

// Model looks up a model by canonical name.
func (s *Store) Model(name string) (*datatypes.ModelDef, bool) {
	def, ok := s.byName[name]
	return def, ok
}

// Resolve looks up a model by canonical name or alias.
func (s *Store) Resolve(nameOrAlias string) (*datatypes.ModelDef, bool) {
	def, ok := s.byAlias[nameOrAlias]
	return def, ok
}

// ByMode returns all models with the given mode, in declaration order.
func (s *Store) ByMode(mode datatypes.Mode) []*datatypes.ModelDef {
	var out []*datatypes.ModelDef
	for _, def := range s.models {
		if def.Mode == mode {
			out = append(out, def)
		}
	}
	return out
}
