package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/pkg/logger"
)

func TestManager_RouterLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(logger.NewNop())

	require.NoError(t, m.EnsureRouter(ctx, "s-1"))
	require.NoError(t, m.EnsureRouter(ctx, "s-1"))
	assert.True(t, m.HasRouter("s-1"))

	assert.NoError(t, m.CloseTransport(ctx, "t-1"))
	assert.NoError(t, m.CloseProducer(ctx, "p-1"))
	assert.NoError(t, m.CloseConsumer(ctx, "c-1"))

	require.NoError(t, m.CleanupRouter(ctx, "s-1"))
	assert.False(t, m.HasRouter("s-1"))
	assert.NoError(t, m.CleanupRouter(ctx, "unknown"))

	assert.Error(t, m.EnsureRouter(ctx, ""))
}
