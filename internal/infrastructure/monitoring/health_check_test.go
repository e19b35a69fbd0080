package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("store", func(ctx context.Context) error { return nil }, time.Minute, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["store"])
	assert.True(t, h.IsReady(context.Background()))
}

func TestCheckAllReportsFailure(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("store", func(ctx context.Context) error { return nil }, time.Minute, time.Second)
	h.AddCheck("bus", func(ctx context.Context) error { return errors.New("connection refused") }, time.Minute, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["store"])
	assert.Equal(t, "connection refused", status.Checks["bus"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestCheckTimeoutFails(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Minute, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
}
