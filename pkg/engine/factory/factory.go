// Package factory builds engine adapters from manifest configuration.
package factory

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/ljc0311/clipforge/pkg/engine"
	"github.com/ljc0311/clipforge/pkg/engine/ark"
	"github.com/ljc0311/clipforge/pkg/engine/glm"
	"github.com/ljc0311/clipforge/pkg/manifest"
)

// arkParams is the adapter-specific params block for "ark" engines.
type arkParams struct {
	Model      string  `mapstructure:"model"`
	BaseURL    string  `mapstructure:"base_url"`
	Resolution string  `mapstructure:"resolution"`
	SubmitRate float64 `mapstructure:"submit_rate"`
}

// glmParams is the adapter-specific params block for "glm" engines.
type glmParams struct {
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Quality     string  `mapstructure:"quality"`
	SubmitRate  float64 `mapstructure:"submit_rate"`
	HTTPTimeout string  `mapstructure:"http_timeout"`
}

// BuildRegistry constructs and registers one adapter per manifest engine.
// On any failure the partially built registry is closed before returning.
func BuildRegistry(m *manifest.Manifest) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, ec := range m.Engines {
		eng, err := Build(ec)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("engine %s: %w", ec.ID, err)
		}
		if err := reg.Register(eng); err != nil {
			_ = eng.Close()
			_ = reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

// Build constructs a single adapter from its manifest entry. The API key is
// read from the environment variable named by the config.
func Build(ec manifest.EngineConfig) (engine.Engine, error) {
	key := os.Getenv(ec.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("environment variable %s is not set", ec.APIKeyEnv)
	}

	desc := ec.Descriptor()

	switch ec.Adapter {
	case "ark":
		var p arkParams
		if err := decodeParams(ec.Params, &p); err != nil {
			return nil, err
		}
		cfg := ark.DefaultConfig()
		cfg.APIKey = key
		if p.Model != "" {
			cfg.Model = p.Model
		}
		if p.BaseURL != "" {
			cfg.BaseURL = p.BaseURL
		}
		if p.Resolution != "" {
			cfg.Resolution = p.Resolution
		}
		cfg.SubmitRate = p.SubmitRate
		return ark.New(desc, cfg)

	case "glm":
		var p glmParams
		if err := decodeParams(ec.Params, &p); err != nil {
			return nil, err
		}
		cfg := glm.DefaultConfig()
		cfg.APIKey = key
		if p.Model != "" {
			cfg.Model = p.Model
		}
		if p.BaseURL != "" {
			cfg.BaseURL = p.BaseURL
		}
		if p.Quality != "" {
			cfg.Quality = p.Quality
		}
		cfg.SubmitRate = p.SubmitRate
		if p.HTTPTimeout != "" {
			d, err := time.ParseDuration(p.HTTPTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid http_timeout %q: %w", p.HTTPTimeout, err)
			}
			cfg.HTTPTimeout = d
		}
		return glm.New(desc, cfg)

	default:
		return nil, fmt.Errorf("unknown adapter %q", ec.Adapter)
	}
}

// decodeParams strictly decodes the free-form params block so typos in keys
// surface as errors instead of silently applying defaults.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid engine params: %w", err)
	}
	return nil
}
