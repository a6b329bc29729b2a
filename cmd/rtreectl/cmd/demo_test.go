package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/rmemtree/pkg/config"
)

func TestScenariosPass(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()

	for _, sc := range scenarios {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			err := sc.run(ctx, cfg)
			require.NoError(t, err)
		})
	}
}

func TestNewDemoTreeHonorsConfig(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Tree.SpanLeaf = 16
	cfg.Tree.Neighborhood = 4

	tr, err := newDemoTree(ctx, cfg)
	require.NoError(t, err)
	assert.NotNil(t, tr)
}
