package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	h := NewHandler(logger.NewNop())
	var order []string
	for _, name := range []string{"database", "orchestrator", "server"} {
		name := name
		h.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Equal(t, []string{"server", "orchestrator", "database"}, order)

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	h := NewHandler(nil)
	ran := false
	h.Register("first", func(context.Context) error { ran = true; return nil })
	h.Register("broken", func(context.Context) error { return errors.New("flush failed") })

	err := h.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: flush failed")
	assert.True(t, ran, "later steps still run after an error")
}

func TestShutdownWithTimeout(t *testing.T) {
	h := NewHandler(nil)
	h.Register("hang", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	err := h.ShutdownWithTimeout(20 * time.Millisecond)
	assert.ErrorContains(t, err, "shutdown timeout")
}

func TestWaitForShutdownOnContext(t *testing.T) {
	h := NewHandler(nil)
	called := make(chan struct{})
	h.Register("close", func(context.Context) error { close(called); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.WaitForShutdown(ctx, time.Second))
	<-called
}
