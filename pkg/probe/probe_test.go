package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/dataharness/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := serverPort(t, ln.Addr().String())
	require.NoError(t, ln.Close())
	return port
}

func TestTargetFor(t *testing.T) {
	svc := domain.Service{Name: "gmdata", Readiness: domain.Readiness{Kind: domain.ReadinessHTTP, Port: 8181, Path: "/"}}
	assert.Equal(t, Target{Service: "gmdata", Kind: domain.ReadinessHTTP, Address: "localhost:8181", Path: "/"}, TargetFor(svc, "localhost"))

	noPort := domain.Service{Name: "zookeeper", Readiness: domain.Readiness{Kind: domain.ReadinessTCP}}
	assert.Equal(t, domain.ReadinessNone, TargetFor(noPort, "localhost").Kind)
}

func TestProber_HTTP(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	target := Target{Service: "gmdata", Kind: domain.ReadinessHTTP, Address: srv.Listener.Addr().String(), Path: "/"}

	err := p.Probe(context.Background(), target)
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)

	status.Store(http.StatusNotFound)
	assert.NoError(t, p.Probe(context.Background(), target))

	status.Store(http.StatusOK)
	assert.NoError(t, p.Probe(context.Background(), target))
}

func TestProber_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewProber(time.Second)
	assert.NoError(t, p.Probe(context.Background(), Target{Service: "mongo", Kind: domain.ReadinessTCP, Address: ln.Addr().String()}))

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(closedPort(t)))
	err = p.Probe(context.Background(), Target{Service: "kafka", Kind: domain.ReadinessTCP, Address: addr})
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)
}

func TestProber_UnknownKind(t *testing.T) {
	err := NewProber(time.Second).Probe(context.Background(), Target{Service: "x", Kind: "udp"})
	assert.Error(t, err)
}

func TestWaiter_WaitReady_AfterContainerStarts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	state := func(context.Context) (map[string]bool, error) {
		n := calls.Add(1)
		return map[string]bool{"zookeeper": n >= 3}, nil
	}

	w := NewWaiter(NewProber(time.Second), WaitConfig{Timeout: time.Minute, Interval: time.Second},
		WithClock(clock), WithStateFunc(state), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ev  ReadinessEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := w.WaitReady(ctx, domain.Service{Name: "zookeeper", Readiness: domain.Readiness{Kind: domain.ReadinessNone}})
		done <- result{ev, err}
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Second)
	}

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 3, res.ev.Attempts)
		assert.Equal(t, 10*time.Second, res.ev.Elapsed)
		assert.Equal(t, "zookeeper", res.ev.Service)
	case <-ctx.Done():
		t.Fatal("timeout waiting for readiness")
	}
}

func TestWaiter_WaitReady_Timeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	state := func(context.Context) (map[string]bool, error) {
		return map[string]bool{}, nil
	}

	w := NewWaiter(NewProber(time.Second), WaitConfig{Timeout: 3 * time.Second, Interval: time.Second},
		WithClock(clock), WithStateFunc(state), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := w.WaitReady(ctx, domain.Service{Name: "mongo"})
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrServiceNotReady)
		assert.ErrorIs(t, err, domain.ErrServiceNotRunning)
	case <-ctx.Done():
		t.Fatal("timeout waiting for error")
	}
}

func TestWaiter_WaitReady_StateError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	boom := errors.New("docker unavailable")
	w := NewWaiter(NewProber(time.Second), WaitConfig{Timeout: time.Second, Interval: time.Second},
		WithClock(clock), WithLogger(discardLogger()),
		WithStateFunc(func(context.Context) (map[string]bool, error) { return nil, boom }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.WaitReady(ctx, domain.Service{Name: "mongo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiter_WaitInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := serverPort(t, srv.Listener.Addr().String())

	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo", "kafka"}, Readiness: domain.Readiness{Kind: domain.ReadinessHTTP, Port: port, Path: "/"}},
		{Name: "mongo", Readiness: domain.Readiness{Kind: domain.ReadinessTCP, Port: port}},
		{Name: "kafka", DependsOn: []string{"zookeeper"}},
		{Name: "zookeeper"},
	}}
	layers := [][]string{{"mongo", "zookeeper"}, {"kafka"}, {"gmdata"}}

	w := NewWaiter(NewProber(time.Second), WaitConfig{Host: "127.0.0.1", Timeout: 5 * time.Second, Interval: 10 * time.Millisecond},
		WithLogger(discardLogger()))

	events, err := w.WaitInOrder(context.Background(), topo, layers)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "gmdata", events[3].Service)
	assert.Equal(t, 2, events[3].Layer)
	assert.NoError(t, CheckOrder(topo, events))
}

func TestWaiter_WaitInOrder_StopsAtFailingLayer(t *testing.T) {
	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo"}},
		{Name: "mongo", Readiness: domain.Readiness{Kind: domain.ReadinessTCP, Port: closedPort(t)}},
	}}

	w := NewWaiter(NewProber(100*time.Millisecond), WaitConfig{Host: "127.0.0.1", Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond},
		WithLogger(discardLogger()))

	events, err := w.WaitInOrder(context.Background(), topo, [][]string{{"mongo"}, {"gmdata"}})
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)
	assert.Empty(t, events)
}

func TestCheckOrder(t *testing.T) {
	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo"}},
		{Name: "mongo"},
	}}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := []ReadinessEvent{{Service: "mongo", ReadyAt: base}, {Service: "gmdata", ReadyAt: base.Add(20 * time.Second)}}
	assert.NoError(t, CheckOrder(topo, ok))

	early := []ReadinessEvent{
		{Service: "mongo", ReadyAt: base.Add(time.Second), LastFailure: base.Add(500 * time.Millisecond)},
		{Service: "gmdata", ReadyAt: base},
	}
	assert.ErrorIs(t, CheckOrder(topo, early), ErrOrderViolation)

	// Both answered on their first attempt: nothing shows mongo down while
	// gmdata was up.
	together := []ReadinessEvent{{Service: "mongo", ReadyAt: base.Add(time.Millisecond)}, {Service: "gmdata", ReadyAt: base}}
	assert.NoError(t, CheckOrder(topo, together))

	missing := []ReadinessEvent{{Service: "gmdata", ReadyAt: base}}
	assert.ErrorIs(t, CheckOrder(topo, missing), ErrOrderViolation)
}

func TestWaiter_Observe_DataReadyBeforeDependency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	mongoPort := closedPort(t)

	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo"}, Readiness: domain.Readiness{Kind: domain.ReadinessHTTP, Port: serverPort(t, srv.Listener.Addr().String()), Path: "/"}},
		{Name: "mongo", Readiness: domain.Readiness{Kind: domain.ReadinessTCP, Port: mongoPort}},
	}}

	opened := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(mongoPort)))
		if err != nil {
			close(opened)
			return
		}
		opened <- ln
	}()

	w := NewWaiter(NewProber(time.Second), WaitConfig{Host: "127.0.0.1", Timeout: 5 * time.Second, Interval: 20 * time.Millisecond},
		WithLogger(discardLogger()))
	events, err := w.Observe(context.Background(), topo, [][]string{{"mongo"}, {"gmdata"}})
	if ln, ok := <-opened; ok {
		defer ln.Close()
	}
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "gmdata", events[0].Service)
	assert.Equal(t, 1, events[0].Layer)
	assert.Equal(t, 1, events[0].Attempts)
	assert.False(t, events[1].LastFailure.IsZero())
	assert.ErrorIs(t, CheckOrder(topo, events), ErrOrderViolation)
}

func TestWaiter_Observe_DependencyFirst(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	port := serverPort(t, srv.Listener.Addr().String())

	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo"}, Readiness: domain.Readiness{Kind: domain.ReadinessHTTP, Port: port, Path: "/"}},
		{Name: "mongo", Readiness: domain.Readiness{Kind: domain.ReadinessTCP, Port: port}},
	}}
	time.AfterFunc(200*time.Millisecond, func() { status.Store(http.StatusOK) })

	w := NewWaiter(NewProber(time.Second), WaitConfig{Host: "127.0.0.1", Timeout: 5 * time.Second, Interval: 20 * time.Millisecond},
		WithLogger(discardLogger()))
	events, err := w.Observe(context.Background(), topo, [][]string{{"mongo"}, {"gmdata"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "mongo", events[0].Service)
	assert.NoError(t, CheckOrder(topo, events))
}

func TestWaiter_Observe_ReturnsPartialOnTimeout(t *testing.T) {
	topo := &domain.Topology{Services: []domain.Service{
		{Name: "gmdata", DependsOn: []string{"mongo"}, Readiness: domain.Readiness{Kind: domain.ReadinessTCP, Port: closedPort(t)}},
		{Name: "mongo"},
	}}

	w := NewWaiter(NewProber(100*time.Millisecond), WaitConfig{Host: "127.0.0.1", Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond},
		WithLogger(discardLogger()))
	events, err := w.Observe(context.Background(), topo, nil)
	assert.ErrorIs(t, err, domain.ErrServiceNotReady)
	require.Len(t, events, 1)
	assert.Equal(t, "mongo", events[0].Service)
}
