package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/paygate/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// ParseConfig parses, defaults and validates a Config from JSON
func ParseConfig(data []byte) (*types.Config, error) {
	var config types.Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfig reads and parses a JSON config file
func LoadConfig(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ValidateConfig checks struct tags and cross-field rules
func ValidateConfig(config *types.Config) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if config.ApprovalReset == types.ResetListed && len(config.ResetRequiredTokens) == 0 {
		return fmt.Errorf("config validation failed: approvalReset %q needs resetRequiredTokens", types.ResetListed)
	}

	if config.EstimateTimeout.Std() <= 0 {
		return fmt.Errorf("config validation failed: estimateTimeout must be positive")
	}

	return nil
}
