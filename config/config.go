// Package config reads the event store topology from YAML:
//
//	stores:
//	  sales:
//	    storage: gorm
//	    storageOptions:
//	      dialect: sqlite
//	      dsn: sales.db
//	    boundedContexts:
//	      Acme.Sales: true
//	    listeners:
//	      "Acme\\.Sales:.*": true
//	  default:
//	    storage: memory
//	    boundedContexts:
//	      "*": true
//
// A listener preset is either a bool or a map of options (enabled unless
// the map sets enabled: false)
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aneshas/eventsourcing"
	"github.com/aneshas/eventsourcing/listener"
)

// BatchSizeOption is the storage option every backend reads its batch size from
const BatchSizeOption = "batchSize"

// Config is the parsed topology
type Config struct {
	// Registrations in declaration order
	Registrations []eventsourcing.Registration

	Presets listener.StorePresets
}

// DefaultBatchSize sets the batch size of every registration which does not
// configure its own
func (c *Config) DefaultBatchSize(n int) {
	if n <= 0 {
		return
	}

	for i := range c.Registrations {
		reg := &c.Registrations[i]

		if reg.StorageOptions == nil {
			reg.StorageOptions = map[string]any{}
		}

		if _, ok := reg.StorageOptions[BatchSizeOption]; !ok {
			reg.StorageOptions[BatchSizeOption] = n
		}
	}
}

// NewManager constructs a manager for the configured registrations
func (c *Config) NewManager(opts ...eventsourcing.ManagerOption) (*eventsourcing.Manager, error) {
	return eventsourcing.NewManager(c.Registrations, opts...)
}

// NewMappingProvider binds the listeners of the catalog using the configured presets
func (c *Config) NewMappingProvider(catalog *listener.Catalog) (*listener.MappingProvider, error) {
	return listener.NewMappingProvider(catalog, c.Presets)
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	return Parse(data)
}

type document struct {
	Stores yaml.Node `yaml:"stores"`
}

type store struct {
	Storage         string                    `yaml:"storage"`
	StorageOptions  map[string]any            `yaml:"storageOptions"`
	BoundedContexts map[string]bool           `yaml:"boundedContexts"`
	Listeners       map[string]listenerPreset `yaml:"listeners"`
}

type listenerPreset listener.Preset

func (p *listenerPreset) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&p.Enabled)

	case yaml.MappingNode:
		var opts map[string]any

		if err := node.Decode(&opts); err != nil {
			return err
		}

		p.Enabled = true

		if v, ok := opts["enabled"]; ok {
			enabled, isBool := v.(bool)
			if !isBool {
				return fmt.Errorf("line %d: enabled must be a bool", node.Line)
			}

			p.Enabled = enabled

			delete(opts, "enabled")
		}

		p.Options = opts

		return nil

	default:
		return fmt.Errorf("line %d: listener preset must be a bool or a mapping", node.Line)
	}
}

// Parse parses a YAML configuration
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document

	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &eventsourcing.ConfigurationError{Op: "parse config", Err: err}
	}

	if doc.Stores.Kind != yaml.MappingNode {
		return nil, eventsourcing.NewConfigurationError("parse config", "stores must be a mapping")
	}

	cfg := Config{
		Presets: listener.StorePresets{},
	}

	seen := map[string]bool{}

	for i := 0; i+1 < len(doc.Stores.Content); i += 2 {
		key, value := doc.Stores.Content[i], doc.Stores.Content[i+1]
		id := key.Value

		if seen[id] {
			return nil, eventsourcing.NewConfigurationError(
				"parse config", "line %d: store %q is defined twice", key.Line, id,
			)
		}

		seen[id] = true

		var s store

		if err := value.Decode(&s); err != nil {
			return nil, &eventsourcing.ConfigurationError{
				Op:  fmt.Sprintf("parse store %q", id),
				Err: err,
			}
		}

		cfg.Registrations = append(cfg.Registrations, eventsourcing.Registration{
			ID:              id,
			Storage:         s.Storage,
			StorageOptions:  s.StorageOptions,
			BoundedContexts: s.BoundedContexts,
		})

		if len(s.Listeners) == 0 {
			continue
		}

		presets := make(map[string]listener.Preset, len(s.Listeners))

		for pattern, p := range s.Listeners {
			presets[pattern] = listener.Preset(p)
		}

		cfg.Presets[id] = presets
	}

	return &cfg, nil
}
