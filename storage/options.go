// Package storage holds helpers shared by the storage backends
package storage

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/aneshas/eventsourcing"
)

// DecodeOptions decodes registration storage options into a typed backend
// configuration. Unknown keys are rejected
func DecodeOptions(backend string, options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("%s options decoder: %w", backend, err)
	}

	if err := dec.Decode(options); err != nil {
		return &eventsourcing.ConfigurationError{
			Op:  fmt.Sprintf("decode %s storage options", backend),
			Err: err,
		}
	}

	return nil
}
