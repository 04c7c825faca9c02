// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewManagerRequiresHandler(t *testing.T) {
	_, err := NewManager(ServerConfig{}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingAPIHandler)
}

func TestShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(ServerConfig{ListenAddr: "127.0.0.1:0"}, okHandler(), zerolog.Nop())
	require.NoError(t, err)
	require.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestStartRunsAndStopsCleanly(t *testing.T) {
	m, err := NewManager(ServerConfig{
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 5 * time.Second,
	}, okHandler(), zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	m.RegisterShutdownHook("first", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
		return nil
	})

	taskStopped := make(chan struct{})
	m.RegisterTask("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(taskStopped)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}

	select {
	case <-taskStopped:
	default:
		t.Fatal("background task still running after shutdown")
	}

	// Hooks run in reverse registration order.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"second", "first"}, order)
}

func TestDoubleStartRejected(t *testing.T) {
	m, err := NewManager(ServerConfig{
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, okHandler(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.Error(t, m.Start(ctx))

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestServerFailureTriggersShutdown(t *testing.T) {
	// A port that cannot be bound makes ListenAndServe fail immediately.
	m, err := NewManager(ServerConfig{
		ListenAddr:      "256.256.256.256:1",
		ShutdownTimeout: time.Second,
	}, okHandler(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, m.Start(ctx))
}
