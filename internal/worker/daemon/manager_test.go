package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	kardianos "github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/worker/config"
)

func testServiceConfig() config.ServiceConfig {
	return config.ServiceConfig{Name: "rzapply-agent-test", DisplayName: "Test", Description: "test"}
}

func TestStartStopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	m := NewManager(testServiceConfig(), []string{"run"}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}, logger.NewNop())

	require.NoError(t, m.Start(nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run func not called")
	}
	assert.Error(t, m.Start(nil), "second start while running")

	require.NoError(t, m.Stop(nil))
	assert.NoError(t, m.Err())

	// A stopped manager can be started again.
	started = make(chan struct{})
	require.NoError(t, m.Start(nil))
	<-started
	require.NoError(t, m.Stop(nil))
}

func TestRunErrorIsKept(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(testServiceConfig(), nil, func(ctx context.Context) error {
		return boom
	}, logger.NewNop())

	require.NoError(t, m.Start(nil))
	require.Eventually(t, func() bool { return errors.Is(m.Err(), boom) }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(nil))
}

func TestStopWithoutStart(t *testing.T) {
	m := NewManager(testServiceConfig(), nil, func(ctx context.Context) error { return nil }, logger.NewNop())
	assert.NoError(t, m.Stop(nil))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(kardianos.StatusRunning))
	assert.Equal(t, "stopped", StatusString(kardianos.StatusStopped))
	assert.Equal(t, "unknown", StatusString(kardianos.StatusUnknown))
}
