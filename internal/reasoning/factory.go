package reasoning

import (
	"fmt"

	"github.com/zulandar/leaddesk/internal/config"
)

// FromConfig builds the configured backend wrapped with its call timeout.
func FromConfig(cfg config.ReasoningConfig) (Client, error) {
	var (
		c   Client
		err error
	)
	switch cfg.Provider {
	case "openai", "":
		c, err = NewOpenAI(OpenAIOpts{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		})
	case "anthropic":
		c, err = NewAnthropic(AnthropicOpts{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("reasoning: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(c, cfg.Timeout), nil
}
