package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/internal/testbackend"
)

func testOptions(url string) roomsync.Options {
	opts := roomsync.DefaultOptions()
	opts.BackendURL = url
	opts.DefaultReconnect = roomsync.ReconnectPolicy{Delay: 20 * time.Millisecond}
	opts.Reconnect = map[roomsync.Purpose]roomsync.ReconnectPolicy{
		roomsync.PurposeReport: {MaxAttempts: 3, Delay: 10 * time.Millisecond},
	}
	opts.HandshakeTimeout = time.Second
	opts.WriteTimeout = time.Second
	return opts
}

type harness struct {
	backend    *testbackend.Backend
	loop       *Loop
	manager    *Manager
	correlator *Correlator
}

func newHarness(t *testing.T, policy roomsync.CorrelationPolicy) *harness {
	t.Helper()
	b := testbackend.New(t)
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	m := NewManager(testOptions(b.URL()), loop, nil)
	c := NewCorrelator(m, loop, policy, nil)
	t.Cleanup(func() {
		m.Shutdown()
		cancel()
		<-loop.Done()
	})
	return &harness{backend: b, loop: loop, manager: m, correlator: c}
}

func (h *harness) open(t *testing.T, p roomsync.Purpose) *Channel {
	t.Helper()
	ch, err := h.manager.Open(p, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.WaitOpen(ctx))
	// the client may see the handshake complete before the backend tracks the conn
	require.Eventually(t, func() bool { return h.backend.Conns(p.Path()) > 0 }, time.Second, 5*time.Millisecond)
	return ch
}

// collect returns a ResultFunc that forwards into a buffered channel.
func collect() (ResultFunc, chan Result) {
	out := make(chan Result, 8)
	return func(r Result) { out <- r }, out
}

func await(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func assertNoResult(t *testing.T, results chan Result) {
	t.Helper()
	select {
	case r := <-results:
		t.Fatalf("unexpected result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
