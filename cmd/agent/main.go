// The pulsar guest agent runs as init inside the microVM. It mounts the
// dependency drive, listens on vsock, and for each connection receives a
// strategy, runs it under the embedded runner, and replies with a single
// length-prefixed JSON frame.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/velora/pulsar/internal/pkg/frame"
	"github.com/velora/pulsar/internal/pkg/vsock"
)

const (
	agentPort = 5000

	strategyPath = "/tmp/strategy.py"
	runnerPath   = "/tmp/runner.py"

	depsMountPoint = "/mnt/deps"
	codePath       = "/code"

	runTimeout = 5 * time.Minute
)

func main() {
	fmt.Printf("[agent] Pulsar guest agent listening on vsock port %d\n", agentPort)

	mountSystem()
	hasDeps := mountDepsDrive()

	listener, err := listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agent] Failed to listen: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "[agent] Accept error: %v\n", err)
			continue
		}
		handleConnection(conn, hasDeps)
	}
}

// listen binds the vsock port. PULSAR_AGENT_UNIX_SOCKET switches to a
// unix socket for running the agent outside a VM.
func listen() (net.Listener, error) {
	if path := os.Getenv("PULSAR_AGENT_UNIX_SOCKET"); path != "" {
		os.Remove(path)
		return net.Listen("unix", path)
	}
	return vsock.Listen(agentPort)
}

// handleConnection processes one strategy submission. Connections are
// handled serially: the VM exists to run exactly one backtest.
func handleConnection(conn net.Conn, hasDeps bool) {
	defer conn.Close()

	payload, err := frame.ReadPayload(conn, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agent] Receive error: %v\n", err)
		return
	}
	if len(payload) == 0 {
		return
	}

	fmt.Printf("[agent] Received strategy (%d bytes)\n", len(payload))

	response := runStrategy(payload, hasDeps)

	fmt.Printf("[agent] Sending response (%d bytes)\n", len(response))
	if err := frame.Write(conn, response); err != nil {
		fmt.Fprintf(os.Stderr, "[agent] Send error: %v\n", err)
	}
}

// runStrategy writes the strategy and the embedded runner to /tmp and
// executes the runner. All failure modes are folded into an error JSON so
// the host always receives a well-formed result.
func runStrategy(strategy []byte, hasDeps bool) []byte {
	if err := os.WriteFile(strategyPath, strategy, 0644); err != nil {
		return errorResponse(fmt.Sprintf("Agent Error: %v", err))
	}
	if err := os.WriteFile(runnerPath, []byte(runnerScript), 0644); err != nil {
		return errorResponse(fmt.Sprintf("Agent Error: %v", err))
	}

	pythonPath := codePath
	if hasDeps {
		pythonPath = depsMountPoint + ":" + codePath
	}
	fmt.Printf("[agent] Launching runner with PYTHONPATH=%s\n", pythonPath)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, pythonBin(), runnerPath)
	cmd.Env = append(os.Environ(), "PYTHONPATH="+pythonPath)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return errorResponse("Backtest Timed Out")
	}

	out := strings.TrimSpace(stdout.String())
	if out != "" {
		return []byte(out)
	}

	// A failure to spawn at all is the agent's fault; a started runner that
	// produced no stdout crashed and stderr is the only evidence.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return errorResponse(fmt.Sprintf("Agent Error: %v", err))
	}
	return errorResponse("Runner Crashed (No Output).\nSTDERR: " + stderr.String())
}

func pythonBin() string {
	for _, candidate := range []string{"/usr/local/bin/python", "/usr/bin/python3"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "python3"
}

func errorResponse(message string) []byte {
	data, _ := json.Marshal(map[string]string{
		"status": "error",
		"error":  message,
	})
	return data
}
