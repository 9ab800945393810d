// Package indexservice manages the lifecycle of a locally spawned
// subprocess serving a queryable gRPC view of an index image. Ports are
// scanned with bounded retry, readiness is probed over gRPC, and every
// handle must be released before the owning operation returns.
package indexservice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/indexforge/indexforge/pkg/errors"
	"github.com/indexforge/indexforge/pkg/registry"
)

// Process is a launched index-service subprocess.
type Process interface {
	// Stop terminates the subprocess and waits for it to exit.
	Stop() error
}

// Launcher starts the index-service subprocess for indexImage on the
// given loopback port. Injectable for tests.
type Launcher func(ctx context.Context, indexImage string, port int) (Process, error)

// Prober reports whether the service on the port answers a trivial
// query. Injectable for tests.
type Prober func(ctx context.Context, port int) error

// Config carries the acquisition budgets.
type Config struct {
	BasePort        int
	PortAttempts    int
	AcquireAttempts int
	InitTimeout     time.Duration
	Runner          registry.CommandRunner
}

// Manager acquires and releases index-service handles. Sibling handles
// within one process share the port registry so concurrent acquisitions
// skip each other's ports.
type Manager struct {
	cfg      Config
	launcher Launcher
	prober   Prober

	retryInterval time.Duration

	mu    sync.Mutex
	inUse map[int]bool
}

// Handle represents one running index-service subprocess.
type Handle struct {
	Port       int
	IndexImage string
	StartedAt  time.Time

	mgr  *Manager
	proc Process
	once sync.Once
}

// NewManager creates a manager. launcher and prober default to the opm
// subprocess and a gRPC health check when nil.
func NewManager(cfg Config, launcher Launcher, prober Prober) *Manager {
	m := &Manager{cfg: cfg, inUse: map[int]bool{}, retryInterval: time.Second}
	if cfg.Runner == nil {
		m.cfg.Runner = registry.ExecRunner
	}
	m.launcher = launcher
	if m.launcher == nil {
		m.launcher = opmLauncher
	}
	m.prober = prober
	if m.prober == nil {
		m.prober = grpcHealthProbe
	}
	return m
}

// opmLauncher serves the index image database over gRPC.
func opmLauncher(ctx context.Context, indexImage string, port int) (Process, error) {
	cmd := exec.Command("opm", "registry", "serve",
		"-d", indexImage, "-p", fmt.Sprintf("%d", port), "-t", "/dev/null")
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to launch index service")
	}
	return &cmdProcess{cmd: cmd}, nil
}

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p *cmdProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	p.cmd.Wait()
	return nil
}

// grpcHealthProbe dials the loopback port and issues a health check.
func grpcHealthProbe(ctx context.Context, port int) error {
	conn, err := grpc.NewClient(
		fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	return err
}

// Acquire launches an index-service subprocess for indexImage. It scans
// ports from the configured base, treating bind failures and launch
// failures as "try the next port", and retries the whole acquisition up
// to the configured attempt budget. Exhaustion is fatal to the caller.
func (m *Manager) Acquire(ctx context.Context, indexImage string) (*Handle, error) {
	var handle *Handle
	attempt := 0

	operation := func() error {
		attempt++
		h, err := m.acquireOnce(ctx, indexImage)
		if err != nil {
			slog.Warn("index_service_acquire_retry",
				"index_image", indexImage, "attempt", attempt,
				"max_attempts", m.cfg.AcquireAttempts, "error", err)
			return err
		}
		handle = h
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryInterval),
			uint64(m.cfg.AcquireAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Fatal(errors.Wrap(err,
			fmt.Sprintf("failed to start the index service for %s after %d attempts", indexImage, attempt)))
	}

	slog.Info("index_service_ready",
		"index_image", indexImage, "port", handle.Port)
	return handle, nil
}

// acquireOnce scans the port range once, launching and probing on each
// candidate port.
func (m *Manager) acquireOnce(ctx context.Context, indexImage string) (*Handle, error) {
	var lastErr error

	for i := 0; i < m.cfg.PortAttempts; i++ {
		port := m.cfg.BasePort + i

		if !m.claimPort(port) {
			slog.Debug("index_service_port_held_by_sibling", "port", port)
			continue
		}
		if err := probeBind(port); err != nil {
			// Port already bound by another process on the host.
			m.freePort(port)
			slog.Debug("index_service_port_busy", "port", port, "error", err)
			lastErr = err
			continue
		}

		proc, err := m.launcher(ctx, indexImage, port)
		if err != nil {
			m.freePort(port)
			lastErr = err
			continue
		}

		initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
		err = m.waitReady(initCtx, port)
		cancel()
		if err != nil {
			proc.Stop()
			m.freePort(port)
			lastErr = errors.Wrap(err, fmt.Sprintf("index service on port %d never became ready", port))
			continue
		}

		return &Handle{
			Port:       port,
			IndexImage: indexImage,
			StartedAt:  time.Now(),
			mgr:        m,
			proc:       proc,
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no free port in range %d-%d",
			m.cfg.BasePort, m.cfg.BasePort+m.cfg.PortAttempts-1)
	}
	return nil, errors.Wrap(lastErr, "port scan exhausted")
}

// waitReady polls the prober until the subprocess answers or the init
// timeout expires.
func (m *Manager) waitReady(ctx context.Context, port int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := m.prober(probeCtx, port)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(err, "readiness wait timed out")
		case <-ticker.C:
		}
	}
}

func (m *Manager) claimPort(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse[port] {
		return false
	}
	m.inUse[port] = true
	return true
}

func (m *Manager) freePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, port)
}

// probeBind checks that the port is free by binding and immediately
// closing a loopback listener.
func probeBind(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}

// Release terminates the subprocess and frees the port. Safe to call
// more than once; callers defer it on every exit path.
func (h *Handle) Release() {
	h.once.Do(func() {
		if err := h.proc.Stop(); err != nil {
			slog.Error("index_service_stop_failed",
				"index_image", h.IndexImage, "port", h.Port, "error", err)
		}
		h.mgr.freePort(h.Port)
		slog.Info("index_service_released",
			"index_image", h.IndexImage, "port", h.Port,
			"uptime", time.Since(h.StartedAt).Round(time.Millisecond).String())
	})
}

func (h *Handle) addr() string {
	return fmt.Sprintf("localhost:%d", h.Port)
}

// query invokes one method of the served api.Registry interface. Query
// failures are not retried; the caller decides whether to abort.
func (h *Handle) query(ctx context.Context, method string, body string) (string, error) {
	args := []string{"-plaintext"}
	if body != "" {
		args = append(args, "-d", body)
	}
	args = append(args, h.addr(), method)

	out, err := h.mgr.cfg.Runner(ctx, "grpcurl", args...)
	if err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("index service query %s failed", method))
	}
	return out, nil
}

// ListPackages returns the raw package list served by the index.
func (h *Handle) ListPackages(ctx context.Context) (string, error) {
	return h.query(ctx, "api.Registry/ListPackages", "")
}

// ListBundles returns the raw bundle list served by the index.
func (h *Handle) ListBundles(ctx context.Context) (string, error) {
	return h.query(ctx, "api.Registry/ListBundles", "")
}

// GetBundle resolves one bundle by package, channel and csv name.
func (h *Handle) GetBundle(ctx context.Context, pkg, channel, csv string) (string, error) {
	body := fmt.Sprintf(`{"pkgName":%q,"channelName":%q,"csvName":%q}`, pkg, channel, csv)
	return h.query(ctx, "api.Registry/GetBundle", body)
}
