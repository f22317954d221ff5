package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"engine", "grpc", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}))
	}

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"http", "grpc", "engine"}, order)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}

	require.NoError(t, sm.Shutdown(context.Background(), "again"), "second call is a no-op")
	assert.Len(t, order, 3)
}

func TestShutdownReportsFirstCloseError(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	sm.RegisterCloser("a", CloserFunc(func() error { return errors.New("a failed") }))
	sm.RegisterCloser("b", CloserFunc(func() error { return errors.New("b failed") }))

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: time.Second, DrainTimeout: time.Second})
	require.True(t, sm.TrackRequest())

	go func() {
		time.Sleep(30 * time.Millisecond)
		sm.UntrackRequest()
	}()

	start := time.Now()
	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, int64(0), sm.InFlightCount())
	assert.False(t, sm.TrackRequest(), "new requests rejected")
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: time.Second, DrainTimeout: 20 * time.Millisecond})
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 requests still in flight")
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), sm.InFlightCount())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestUnaryShutdownInterceptor(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	interceptor := UnaryShutdownInterceptor(sm)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
