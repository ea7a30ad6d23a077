package daemon

import (
	"fmt"

	"github.com/harun/hiplan/internal/config"
	"github.com/harun/hiplan/pkg/capability"
)

// buildProviders creates one provider per configured entry, followed by the
// providers passed with WithProviders. Nothing is contacted here.
func (d *Daemon) buildProviders(cfg config.CapabilitiesConfig) ([]capability.Provider, error) {
	providers := make([]capability.Provider, 0, len(cfg.Providers)+len(d.extraProviders))

	for _, pc := range cfg.Providers {
		logger := d.logger.Component("capability_provider").With().Str("provider", pc.Name).Logger()

		switch pc.Type {
		case "stdio":
			p, err := capability.NewStdioProvider(capability.StdioConfig{
				Name:    pc.Name,
				Command: pc.Command,
				Args:    pc.Args,
				Env:     pc.Env,
				Timeout: pc.Timeout,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create provider %s: %w", pc.Name, err)
			}
			providers = append(providers, p)

		case "http":
			p, err := capability.NewHTTPProvider(capability.HTTPConfig{
				Name:    pc.Name,
				URL:     pc.URL,
				Token:   pc.Token,
				Timeout: pc.Timeout,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create provider %s: %w", pc.Name, err)
			}
			providers = append(providers, p)

		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", pc.Name, pc.Type)
		}
	}

	return append(providers, d.extraProviders...), nil
}
