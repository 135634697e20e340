package loader

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/berthstack/berth/pkg/build"
	"github.com/berthstack/berth/pkg/log"
)

// ProcessLoader runs each tenant as a child process. The tenant
// receives its listen address and resolved resources through the
// environment:
//
//	ADDRESS            127.0.0.1:{port}
//	PORT               {port}
//	DATABASE_URL       private connection string, if declared
//	BERTH_SECRET_{KEY} declared secrets, upper-cased keys
type ProcessLoader struct {
	// ReadyTimeout bounds how long a tenant may take to open its
	// listener after exec.
	ReadyTimeout time.Duration

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

// NewProcessLoader creates a loader with default timeouts.
func NewProcessLoader() *ProcessLoader {
	return &ProcessLoader{
		ReadyTimeout: 30 * time.Second,
		StopGrace:    10 * time.Second,
	}
}

// Load resolves the artifact's declared resources, starts the tenant
// process, and waits until it accepts connections on its port.
func (l *ProcessLoader) Load(ctx context.Context, artifact *build.Artifact, port int, res Resources, logs LogSink) (Handle, error) {
	if logs == nil {
		logs = func(time.Time, string) {}
	}

	env := append(os.Environ(),
		fmt.Sprintf("ADDRESS=127.0.0.1:%d", port),
		fmt.Sprintf("PORT=%d", port),
	)

	manifest := artifact.Manifest
	if manifest.Database != "" {
		uri, err := res.DatabaseURI(ctx, manifest.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s database: %w", manifest.Database, err)
		}
		env = append(env, "DATABASE_URL="+uri)
	}
	if len(manifest.Secrets) > 0 {
		secrets, err := res.Secrets(ctx, manifest.Secrets)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secrets: %w", err)
		}
		for key, value := range secrets {
			env = append(env, "BERTH_SECRET_"+strings.ToUpper(key)+"="+value)
		}
	}

	cmd := exec.Command(artifact.Path)
	cmd.Env = env
	// Own process group so Stop can signal the tenant and anything it
	// spawned without touching the control plane.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach tenant output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tenant: %w", err)
	}

	h := &processHandle{
		cmd:       cmd,
		done:      make(chan struct{}),
		stopGrace: l.StopGrace,
	}

	go h.scanOutput(stdout, logs)
	go h.wait()

	if err := l.awaitReady(ctx, port, h); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), l.StopGrace)
		defer cancel()
		h.Stop(stopCtx)
		return nil, err
	}

	logger := log.WithProject(artifact.Project.String())
	logger.Debug().
		Int("port", port).Int("pid", cmd.Process.Pid).Msg("tenant ready")

	return h, nil
}

// awaitReady polls the tenant port until it accepts a connection.
func (l *ProcessLoader) awaitReady(ctx context.Context, port int, h *processHandle) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(l.ReadyTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return fmt.Errorf("tenant exited during startup: %v", h.Err())
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tenant did not open %s within %s", addr, l.ReadyTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// processHandle wraps a running tenant process.
type processHandle struct {
	cmd       *exec.Cmd
	done      chan struct{}
	stopGrace time.Duration

	mu       sync.Mutex
	exitErr  error
	stopping bool
}

func (h *processHandle) scanOutput(r interface{ Read([]byte) (int, error) }, sink LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(time.Now(), scanner.Text())
	}
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	if !h.stopping {
		h.exitErr = err
	}
	h.mu.Unlock()
	close(h.done)
}

// Stop terminates the tenant: SIGTERM to the process group, then
// SIGKILL after the grace period.
func (h *processHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.stopping = true
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	pgid := -h.cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	grace := time.NewTimer(h.stopGrace)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	syscall.Kill(pgid, syscall.SIGKILL)
	<-h.done
	return nil
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}
