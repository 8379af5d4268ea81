package ai

import (
	"fmt"

	"github.com/loopbreaker/scriptrunner/internal/config"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// NewDescriber constructs the configured AI provider. It returns nil without
// an error when AI is not configured, so callers can run without it.
// Called once at server startup.
func NewDescriber(cfg config.AIConfig) (models.Describer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	switch cfg.Provider {
	case "gradient":
		return NewChatProvider(ChatConfig{
			Name:            "gradient",
			BaseURL:         cfg.Gradient.BaseURL,
			APIKey:          cfg.Gradient.APIKey,
			Model:           cfg.Gradient.Model,
			Timeout:         cfg.InferenceTimeout,
			RequestInterval: cfg.RequestInterval,
		}), nil
	case "ollama":
		return NewChatProvider(ChatConfig{
			Name:            "ollama",
			BaseURL:         cfg.Ollama.BaseURL,
			Model:           cfg.Ollama.Model,
			Timeout:         cfg.InferenceTimeout,
			RequestInterval: cfg.RequestInterval,
		}), nil
	default:
		return nil, fmt.Errorf("%w %q: must be one of gradient, ollama", ErrUnknownProvider, cfg.Provider)
	}
}
