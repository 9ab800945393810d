package indexservice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	mu      sync.Mutex
	stopped bool
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakeProcess) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeLaunch records every launched process so tests can assert nothing
// leaks.
type fakeLaunch struct {
	mu    sync.Mutex
	procs []*fakeProcess
	ports []int
	fail  int // first N launches fail
}

func (f *fakeLaunch) launcher(ctx context.Context, indexImage string, port int) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, fmt.Errorf("launch failed")
	}
	p := &fakeProcess{}
	f.procs = append(f.procs, p)
	f.ports = append(f.ports, port)
	return p, nil
}

func readyProber(ctx context.Context, port int) error { return nil }

func testManager(basePort, portAttempts, acquireAttempts int, launch Launcher, probe Prober) *Manager {
	m := NewManager(Config{
		BasePort:        basePort,
		PortAttempts:    portAttempts,
		AcquireAttempts: acquireAttempts,
		InitTimeout:     500 * time.Millisecond,
	}, launch, probe)
	m.retryInterval = time.Millisecond
	return m
}

// bindPorts pre-binds n consecutive loopback ports starting at base,
// simulating other processes on the host.
func bindPorts(t *testing.T, base, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		if err != nil {
			t.Skipf("cannot bind port %d: %v", base+i, err)
		}
		t.Cleanup(func() { l.Close() })
	}
}

func TestAcquire_SkipsBoundPort(t *testing.T) {
	base := 47310
	bindPorts(t, base, 1)

	launch := &fakeLaunch{}
	m := testManager(base, 5, 1, launch.launcher, readyProber)

	h, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	if h.Port != base+1 {
		t.Errorf("port = %d, want %d (next free)", h.Port, base+1)
	}
}

func TestAcquire_FailsCleanlyWhenRangeExhausted(t *testing.T) {
	base := 47330
	n := 3
	bindPorts(t, base, n)

	launch := &fakeLaunch{}
	m := testManager(base, n, 2, launch.launcher, readyProber)

	if _, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9"); err == nil {
		t.Fatal("expected failure with all ports bound")
	}
	if len(launch.procs) != 0 {
		t.Errorf("launched %d processes on bound ports, want 0", len(launch.procs))
	}
	// Nothing may remain registered after a failed acquisition.
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inUse) != 0 {
		t.Errorf("leaked port registrations: %v", m.inUse)
	}
}

func TestAcquire_ReadinessFailureStopsProcess(t *testing.T) {
	base := 47350

	launch := &fakeLaunch{}
	never := func(ctx context.Context, port int) error { return fmt.Errorf("connection refused") }
	m := testManager(base, 2, 1, launch.launcher, never)

	if _, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9"); err == nil {
		t.Fatal("expected failure when subprocess never reports ready")
	}
	for i, p := range launch.procs {
		if !p.isStopped() {
			t.Errorf("process %d leaked after readiness failure", i)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inUse) != 0 {
		t.Errorf("leaked port registrations: %v", m.inUse)
	}
}

func TestAcquire_RetriesTransientLaunchFailure(t *testing.T) {
	base := 47370

	launch := &fakeLaunch{fail: 2}
	m := testManager(base, 1, 3, launch.launcher, readyProber)

	h, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("expected success after transient launch failures: %v", err)
	}
	defer h.Release()

	if h.Port != base {
		t.Errorf("port = %d, want %d", h.Port, base)
	}
}

func TestSiblingHandlesGetIndependentPorts(t *testing.T) {
	base := 47390

	launch := &fakeLaunch{}
	m := testManager(base, 5, 1, launch.launcher, readyProber)

	h1, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h1.Release()

	h2, err := m.Acquire(context.Background(), "registry.example.com/ns/other:v4.9")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer h2.Release()

	if h1.Port == h2.Port {
		t.Errorf("sibling handles share port %d", h1.Port)
	}
}

func TestRelease_IsIdempotentAndFreesPort(t *testing.T) {
	base := 47410

	launch := &fakeLaunch{}
	m := testManager(base, 1, 1, launch.launcher, readyProber)

	h, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	h.Release()
	h.Release()

	if !launch.procs[0].isStopped() {
		t.Error("process not stopped on release")
	}

	// The port must be reusable after release.
	h2, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	defer h2.Release()
	if h2.Port != base {
		t.Errorf("port = %d, want %d after release", h2.Port, base)
	}
}

func TestHandleQueriesUseRunner(t *testing.T) {
	base := 47430

	var commands [][]string
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		commands = append(commands, append([]string{name}, args...))
		return `{"name":"etcd"}`, nil
	}

	launch := &fakeLaunch{}
	m := NewManager(Config{
		BasePort:        base,
		PortAttempts:    1,
		AcquireAttempts: 1,
		InitTimeout:     500 * time.Millisecond,
		Runner:          runner,
	}, launch.launcher, readyProber)
	m.retryInterval = time.Millisecond

	h, err := m.Acquire(context.Background(), "registry.example.com/ns/index:v4.9")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	if _, err := h.ListPackages(context.Background()); err != nil {
		t.Fatalf("list packages: %v", err)
	}
	if _, err := h.GetBundle(context.Background(), "etcd", "stable", "etcdoperator.v0.9.4"); err != nil {
		t.Fatalf("get bundle: %v", err)
	}

	if len(commands) != 2 {
		t.Fatalf("expected 2 query commands, got %d", len(commands))
	}
	if commands[0][0] != "grpcurl" {
		t.Errorf("query tool = %s, want grpcurl", commands[0][0])
	}
	wantMethod := "api.Registry/ListPackages"
	if got := commands[0][len(commands[0])-1]; got != wantMethod {
		t.Errorf("method = %s, want %s", got, wantMethod)
	}
}
