// Package microvm boots one Firecracker microVM per task, transfers the
// strategy payload to the in-guest agent over vsock, and returns the
// framed JSON result. Every host resource the VM touches (API socket,
// vsock UDS, log file, guest CID) is derived from the task id, and every
// exit path tears all of it down.
package microvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
	"github.com/velora/pulsar/internal/pkg/frame"
)

// LogFunc receives progress lines for streaming back to the submitter.
type LogFunc func(line string)

// Config holds orchestrator settings.
type Config struct {
	FirecrackerBin string `json:"firecracker_bin"`
	KernelPath     string `json:"kernel_path"`
	RootfsPath     string `json:"rootfs_path"`
	BootArgs       string `json:"boot_args"`
	SocketDir      string `json:"socket_dir"`
	LogDir         string `json:"log_dir"`
	VcpuCount      int    `json:"vcpu_count"`
	MemSizeMib     int    `json:"mem_size_mib"`
	AgentPort      int    `json:"agent_port"`

	BootTimeout      time.Duration `json:"boot_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	ResultTimeout    time.Duration `json:"result_timeout"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() *Config {
	return &Config{
		FirecrackerBin:   "/opt/pulsar/bin/firecracker",
		KernelPath:       "/opt/pulsar/kernel/vmlinux.bin",
		RootfsPath:       "/opt/pulsar/rootfs/rootfs.ext4",
		BootArgs:         "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/myinit",
		SocketDir:        "/tmp",
		LogDir:           "/var/log/pulsar",
		VcpuCount:        2,
		MemSizeMib:       1024,
		AgentPort:        5000,
		BootTimeout:      10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		ResultTimeout:    5 * time.Minute,
	}
}

// cidConflictError marks a hypervisor rejection of the derived guest CID
// or vsock path; the caller retries with a fresh derivation.
type cidConflictError struct{ body string }

func (e *cidConflictError) Error() string { return "vsock config rejected: " + e.body }

// Orchestrator runs one microVM per Run call. Safe for concurrent use;
// concurrent tasks are isolated by their derived names.
type Orchestrator struct {
	cfg Config

	clientMu sync.Mutex
	clients  map[string]*http.Client
}

// New creates an Orchestrator and ensures the VM log directory exists.
func New(cfg *Config) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Orchestrator{cfg: *cfg, clients: make(map[string]*http.Client)}, nil
}

// Run boots a VM, sends the payload to the guest agent, and returns the
// parsed result. depsImage may be empty, in which case no dependency drive
// is attached. The payload is opaque to the orchestrator.
func (o *Orchestrator) Run(ctx context.Context, taskID string, payload []byte, sink LogFunc, depsImage string) *Result {
	if sink == nil {
		sink = func(string) {}
	}

	// A rejected CID is astronomically unlikely but must be survivable:
	// retry the whole boot with a fresh derivation.
	const maxAttempts = 3
	for attempt := 0; ; attempt++ {
		res, err := o.runOnce(ctx, taskID, attempt, payload, sink, depsImage)
		if err == nil {
			return res
		}
		var conflict *cidConflictError
		if errors.As(err, &conflict) && attempt+1 < maxAttempts {
			logging.Op().Warn("guest CID rejected, retrying with fresh derivation",
				"task_id", taskID, "attempt", attempt+1)
			continue
		}
		return errorResult(ErrConfig, err.Error())
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, taskID string, attempt int, payload []byte, sink LogFunc, depsImage string) (res *Result, retryErr error) {
	n := o.cfg.deriveNames(taskID, attempt)

	cl := &cleanup{
		paths:     []string{n.APISock, n.VsockUDS, n.LogPath},
		onRelease: func() { o.removeClient(n.APISock) },
	}
	defer cl.Run()

	// 1. Remove stale sockets from a previous crashed run.
	os.Remove(n.APISock)
	os.Remove(n.VsockUDS)

	// 2. Spawn the hypervisor with stdio redirected to the VM log.
	logFile, err := os.Create(n.LogPath)
	if err != nil {
		return errorResult(ErrHost, fmt.Sprintf("create vm log: %v", err)), nil
	}

	cmd := exec.Command(o.cfg.FirecrackerBin, "--api-sock", n.APISock)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errorResult(ErrBoot, fmt.Sprintf("start firecracker: %v", err)), nil
	}
	logFile.Close()
	cl.cmd = cmd

	bootStart := time.Now()

	// 3. Wait for the API socket; bail out if the hypervisor dies first.
	if err := waitForSocket(ctx, n.APISock, cmd.Process, o.cfg.BootTimeout); err != nil {
		metrics.Global().RecordVMCrashed()
		return errorResult(ErrBoot,
			fmt.Sprintf("firecracker exited before socket ready (check %s): %v", n.LogPath, err)), nil
	}

	// 4. Configure and start the VM over its API socket.
	if err := o.configure(ctx, n, depsImage); err != nil {
		var conflict *cidConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return errorResult(ErrConfig, err.Error()), nil
	}

	bootMs := time.Since(bootStart).Milliseconds()
	metrics.Global().RecordVMCreated()
	metrics.Global().ObserveBoot(float64(bootMs))
	sink(fmt.Sprintf("Booted Up VM in %dms", bootMs))

	// 5. Handshake with the in-guest agent through the vsock bridge.
	conn, err := o.connectAgent(ctx, n.VsockUDS)
	if err != nil {
		return errorResult(ErrConnection, err.Error()), nil
	}
	cl.conn = conn

	// 6. Send the payload and half-close so the guest sees the terminator.
	if err := frame.WritePayload(conn, payload); err != nil {
		return errorResult(ErrHost, fmt.Sprintf("send payload: %v", err)), nil
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}
	sink("Executing Backtesting..")

	// 7. Read the framed result under the overall execution deadline.
	execStart := time.Now()
	conn.SetReadDeadline(time.Now().Add(o.cfg.ResultTimeout))
	body, err := frame.Read(conn)
	if err != nil {
		return resultReadFailure(err), nil
	}
	metrics.Global().ObserveBacktest(float64(time.Since(execStart).Milliseconds()))
	sink("Backtest Completed Compiling Results..")

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		preview := body
		if len(preview) > 100 {
			preview = preview[:100]
		}
		r := errorResult(ErrJSON, "invalid JSON received")
		r.Preview = string(preview)
		return r, nil
	}
	return &result, nil
}

// resultReadFailure classifies a failed result read. A deadline expiry is
// a Timeout even though the frame layer also tags it as truncated, so the
// deadline check runs first.
func resultReadFailure(err error) *Result {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errorResult(ErrTimeout, "timed out waiting for backtest result")
	case errors.Is(err, frame.ErrHeaderTruncated):
		return errorResult(ErrProtocol, "length header truncated")
	case errors.Is(err, frame.ErrPayloadTruncated):
		return errorResult(ErrProtocol, "payload truncated")
	default:
		return errorResult(ErrProtocol, err.Error())
	}
}

// configure issues the boot-time API calls in order. Any non-2xx response
// aborts the boot; a rejection of the vsock device is surfaced as a CID
// conflict so the caller can re-derive.
func (o *Orchestrator) configure(ctx context.Context, n names, depsImage string) error {
	if err := o.put(ctx, n.APISock, "/machine-config", map[string]interface{}{
		"vcpu_count":   o.cfg.VcpuCount,
		"mem_size_mib": o.cfg.MemSizeMib,
		"smt":          false,
	}); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	if err := o.put(ctx, n.APISock, "/boot-source", map[string]interface{}{
		"kernel_image_path": o.cfg.KernelPath,
		"boot_args":         o.cfg.BootArgs,
	}); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	// Root drive attached read-only: every task boots the identical image.
	if err := o.put(ctx, n.APISock, "/drives/rootfs", map[string]interface{}{
		"drive_id":       "rootfs",
		"path_on_host":   o.cfg.RootfsPath,
		"is_root_device": true,
		"is_read_only":   true,
	}); err != nil {
		return fmt.Errorf("drive rootfs: %w", err)
	}

	if depsImage != "" {
		// Read-only so the guest cannot corrupt the shared cache.
		if err := o.put(ctx, n.APISock, "/drives/deps", map[string]interface{}{
			"drive_id":       "deps",
			"path_on_host":   depsImage,
			"is_root_device": false,
			"is_read_only":   true,
		}); err != nil {
			return fmt.Errorf("drive deps: %w", err)
		}
	}

	if err := o.put(ctx, n.APISock, "/vsock", map[string]interface{}{
		"guest_cid": n.CID,
		"uds_path":  n.VsockUDS,
	}); err != nil {
		return &cidConflictError{body: err.Error()}
	}

	if err := o.put(ctx, n.APISock, "/actions", map[string]interface{}{
		"action_type": "InstanceStart",
	}); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// connectAgent dials the host-side UDS end of the vsock bridge and performs
// the "CONNECT <port>\n" handshake until the guest agent answers or the
// handshake timeout expires.
func (o *Orchestrator) connectAgent(ctx context.Context, vsockUDS string) (net.Conn, error) {
	deadline := time.Now().Add(o.cfg.HandshakeTimeout)
	start := time.Now()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("unix", vsockUDS, time.Second)
		if err == nil {
			conn.SetDeadline(time.Now().Add(2 * time.Second))
			if err := handshake(conn, o.cfg.AgentPort); err == nil {
				conn.SetDeadline(time.Time{})
				metrics.RecordVsockLatency("connect", float64(time.Since(start).Microseconds())/1000.0)
				return conn, nil
			}
			conn.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("timed out connecting to agent after %s", o.cfg.HandshakeTimeout)
}

// handshake speaks the Firecracker vsock UDS protocol: the host writes
// "CONNECT <port>\n" and the bridge answers with a line starting "OK" once
// the stream is proxied to the guest port.
func handshake(conn net.Conn, port int) error {
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return err
	}
	ack := make([]byte, 1024)
	m, err := conn.Read(ack)
	if err != nil {
		return err
	}
	if !bytes.Contains(ack[:m], []byte("OK")) {
		return fmt.Errorf("vsock connect refused: %s", strings.TrimSpace(string(ack[:m])))
	}
	return nil
}

func (o *Orchestrator) put(ctx context.Context, socketPath, path string, body interface{}) error {
	data, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.clientForSocket(socketPath).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// clientForSocket returns a cached HTTP client dialing the given Unix
// socket. Each per-task socket gets its own client; Run's cleanup drops it.
func (o *Orchestrator) clientForSocket(socketPath string) *http.Client {
	o.clientMu.Lock()
	defer o.clientMu.Unlock()

	if c, ok := o.clients[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	o.clients[socketPath] = c
	return c
}

func (o *Orchestrator) removeClient(socketPath string) {
	o.clientMu.Lock()
	defer o.clientMu.Unlock()
	if c, ok := o.clients[socketPath]; ok {
		c.CloseIdleConnections()
		delete(o.clients, socketPath)
	}
}

func waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("process gone: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("socket timeout")
}

// cleanup tears down one VM instance: closes the agent connection, kills
// and reaps the hypervisor, and removes the per-task files. Run is
// idempotent; a second invocation is a no-op.
type cleanup struct {
	once      sync.Once
	conn      net.Conn
	cmd       *exec.Cmd
	paths     []string
	onRelease func()
}

func (c *cleanup) Run() {
	c.once.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			if c.cmd.Process.Signal(syscall.Signal(0)) == nil {
				syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
			}
			c.cmd.Wait()
			metrics.Global().RecordVMStopped()
		}
		for _, p := range c.paths {
			os.Remove(p)
		}
		if c.onRelease != nil {
			c.onRelease()
		}
	})
}
