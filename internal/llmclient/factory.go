// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// NewClient creates a VisionClient for the configured provider.
func NewClient(cfg config.VisionConfig, logger *zap.Logger) (VisionClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported vision provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
