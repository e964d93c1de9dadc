package llmfactory

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Config lists the configured completion providers. The first provider is
// the default.
type Config struct {
	Providers []*ProviderConfig `json:"providers" yaml:"providers" validate:"required,min=1,dive"`
}

// ProviderConfig describes one completion backend.
type ProviderConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	// Provider selects the backend type: OPENAI|ANTHROPIC
	Provider string `json:"provider" yaml:"provider" validate:"required,oneof=OPENAI ANTHROPIC"`
	// Token is the API key. If empty, the provider's environment variable
	// is used.
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	DefaultModel    string   `json:"default_model" yaml:"default_model" validate:"required"`
	AvailableModels []string `json:"available_models,omitempty" yaml:"available_models,omitempty"`
	BaseURL         string   `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	// OrgID specifies which organization's quota and billing should be used
	// when making OpenAI API requests.
	OrgID string `json:"org_id,omitempty" yaml:"org_id,omitempty"`
}

// LoadConfig reads and validates the provider configuration. Environment
// variables in the file are expanded.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return errors.WithMessage(err, "invalid providers configuration")
	}
	return nil
}
