package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StrategyConfig holds per-strategy lifecycle overrides.
type StrategyConfig struct {
	Tag                string  `yaml:"tag"`
	MoveSLToBreakeven  bool    `yaml:"move_sl_to_breakeven"`
	BreakevenBufferPct float64 `yaml:"breakeven_buffer_pct"`
	UseTrailingStop    bool    `yaml:"use_trailing_stop"`
	TrailingPct        float64 `yaml:"trailing_pct"`
}

// StrategyFile is the top-level YAML structure.
type StrategyFile struct {
	Strategies []StrategyConfig `yaml:"strategies"`
}

// DefaultStrategyConfig is applied when a strategy tag has no entry.
func DefaultStrategyConfig(tag string) StrategyConfig {
	return StrategyConfig{
		Tag:                tag,
		MoveSLToBreakeven:  true,
		BreakevenBufferPct: 0.001,
		UseTrailingStop:    false,
		TrailingPct:        0.015,
	}
}

// LoadStrategies reads per-strategy overrides from a YAML file.
// A missing file is not an error; defaults apply to every strategy.
func LoadStrategies(path string) (map[string]StrategyConfig, error) {
	out := make(map[string]StrategyConfig)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("config: read strategy file: %w", err)
	}

	var file StrategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse strategy file: %w", err)
	}

	for _, sc := range file.Strategies {
		if sc.Tag == "" {
			continue
		}
		out[sc.Tag] = sc
	}
	return out, nil
}
