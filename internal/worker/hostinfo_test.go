package worker

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectHostMetadata(t *testing.T) {
	meta := CollectHostMetadata(context.Background())
	assert.NotEmpty(t, meta.Hostname)
	assert.NotEmpty(t, meta.Platform)
	assert.Equal(t, runtime.Version(), meta.RuntimeVersion)

	req := meta.RegisterRequest("abc", true)
	assert.Equal(t, "abc", req.ClientID)
	require.NotNil(t, req.Headless)
	assert.True(t, *req.Headless)
}
