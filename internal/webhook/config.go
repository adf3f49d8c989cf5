package webhook

import (
	"fmt"

	"github.com/mattjoyce/conduit/internal/config"
)

// FromConfig resolves the webhooks section. A nil section yields a Config
// with no endpoints.
func FromConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, nil
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]Endpoint, 0, len(wc.Endpoints)),
	}
	for _, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook %s: secret is required", ep.Path)
		}
		size, err := config.ParseByteSize(ep.MaxBodySize, DefaultMaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook %s: max_body_size: %w", ep.Path, err)
		}
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{
			Path:            ep.Path,
			WorkflowID:      ep.Workflow,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     size,
		})
	}
	return cfg, nil
}
