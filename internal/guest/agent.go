// Package guest implements the in-VM agent: it listens on a vsock port,
// receives one strategy payload per connection, spawns the interpreter
// against an embedded runner stub, and replies with the framed JSON result.
// Everything in this package runs inside the guest, compiled into the
// rootfs image and invoked as PID 1 (see init.go).
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/stratvm/stratvm/internal/vmorch"
)

const (
	scratchStrategyPath = "/tmp/strategy.py"
	scratchRunnerPath   = "/tmp/runner.py"
	codeDir             = "/code"
	readChunkSize       = 4096
)

// result is the JSON shape the agent sends back over vsock: either what the
// runner stub itself printed on success, or what this package synthesizes
// directly on timeout or spawn failure.
type result struct {
	Status string `json:"status"`
	Report any    `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Agent accepts vsock connections and runs one strategy per connection.
type Agent struct {
	listener      net.Listener
	pythonBin     string
	dataPath      string
	resultTimeout time.Duration
	depsMounted   bool
}

// New creates an Agent bound to an already-listening vsock socket.
// depsMounted reflects whether MountDependencies found and mounted the
// dependency block device before Serve was called.
func New(listener net.Listener, pythonBin, dataPath string, resultTimeout time.Duration, depsMounted bool) *Agent {
	if pythonBin == "" {
		pythonBin = "/usr/bin/python3"
	}
	if dataPath == "" {
		dataPath = "/code/historical_data"
	}
	if resultTimeout == 0 {
		resultTimeout = 5 * time.Minute
	}
	return &Agent{
		listener:      listener,
		pythonBin:     pythonBin,
		dataPath:      dataPath,
		resultTimeout: resultTimeout,
		depsMounted:   depsMounted,
	}
}

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. An individual task's failure is reported back to the
// host over its own connection, never by returning from Serve.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	payload, err := readPayload(conn)
	if err != nil {
		log.Printf("read payload: %v", err)
		return
	}
	if len(payload) == 0 {
		return
	}

	res := a.runStrategy(payload)
	if err := vmorch.WriteResult(conn, res); err != nil {
		log.Printf("write result: %v", err)
	}
}

// readPayload accumulates bytes until the fixed terminator is observed,
// stripping it from the returned slice.
func readPayload(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	terminator := []byte(vmorch.PayloadTerminator)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes(), terminator); idx >= 0 {
				data := buf.Bytes()[:idx]
				out := make([]byte, len(data))
				copy(out, data)
				return out, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// runStrategy writes the strategy and runner stub to scratch, spawns the
// interpreter with a constructed PYTHONPATH, and classifies the outcome.
func (a *Agent) runStrategy(payload []byte) result {
	if err := os.WriteFile(scratchStrategyPath, payload, 0o644); err != nil {
		return result{Status: "error", Error: fmt.Sprintf("Agent Error: write strategy: %v", err)}
	}
	if err := os.WriteFile(scratchRunnerPath, []byte(runnerScript), 0o644); err != nil {
		return result{Status: "error", Error: fmt.Sprintf("Agent Error: write runner: %v", err)}
	}

	pythonPath := codeDir
	if a.depsMounted {
		pythonPath = depsMountPoint + ":" + codeDir
	}

	env := os.Environ()
	env = append(env, "PYTHONPATH="+pythonPath, "DATA_PATH="+a.dataPath)

	ctx, cancel := context.WithTimeout(context.Background(), a.resultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.pythonBin, scratchRunnerPath)
	cmd.Env = env
	cmd.Dir = filepath.Dir(scratchRunnerPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return result{Status: "error", Error: "Backtest Timed Out"}
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return result{Status: "error", Error: fmt.Sprintf("Agent Error: %v", runErr)}
	}
	if runErr != nil && stdout.Len() == 0 {
		return result{Status: "error", Error: fmt.Sprintf("Runner Crashed (No Output).\nSTDERR: %s", stderr.String())}
	}

	var parsed result
	if err := unmarshalRunnerOutput(stdout.Bytes(), &parsed); err != nil {
		return result{Status: "error", Error: fmt.Sprintf("Agent Error: malformed runner output: %v", err)}
	}
	return parsed
}
