package cmd

import (
	"context"

	"github.com/ssargent/rmemtree/pkg/config"
)

func newContextWithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configCtxKey, cfg)
}

func configFromContext(ctx context.Context) *config.Config {
	cfg, ok := ctx.Value(configCtxKey).(*config.Config)
	if !ok {
		return config.DefaultConfig()
	}
	return cfg
}
