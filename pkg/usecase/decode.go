package usecase

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Decode decodes cfg into out. Durations accept Go duration strings
// ("1m30s") and times accept RFC 3339. Unknown keys are ignored so every
// layer of a use case can decode its own view of the same property set.
func Decode(cfg Config, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(cfg)); err != nil {
		return fmt.Errorf("decode use-case config: %w", err)
	}
	return nil
}

// baseConfig is the part of the configuration every use case understands.
type baseConfig struct {
	MinDuration        time.Duration     `mapstructure:"min_duration"`
	MaxDuration        time.Duration     `mapstructure:"max_duration"`
	StartTime          time.Time         `mapstructure:"start_time"`
	StopTime           time.Time         `mapstructure:"stop_time"`
	FunctionalPorts    map[string]string `mapstructure:"functional_ports"`
	DistributablePorts map[string]string `mapstructure:"distributable_ports"`
}
