package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/transport"
)

// SubprocessTransport runs an MCP server as a child process and speaks
// newline-delimited JSON over its stdin/stdout.
type SubprocessTransport struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
	inner  *transport.Stdio
}

// NewSubprocessTransport spawns the command and wires its pipes into a
// stdio transport.
func NewSubprocessTransport(command string, args ...string) (*SubprocessTransport, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	return &SubprocessTransport{
		cmd:    cmd,
		stderr: stderr,
		inner: transport.NewStdio(
			transport.WithInput(stdout),
			transport.WithOutput(stdin),
		),
	}, nil
}

// Send forwards one envelope to the child's stdin.
func (t *SubprocessTransport) Send(m protocol.Message) error {
	return t.inner.Send(m)
}

// Recv delivers one envelope from the child's stdout.
func (t *SubprocessTransport) Recv(ctx context.Context) (protocol.Message, error) {
	return t.inner.Recv(ctx)
}

// Close closes the pipes and reaps the child process.
func (t *SubprocessTransport) Close() error {
	_ = t.inner.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

// Stderr exposes the child's stderr for diagnostics.
func (t *SubprocessTransport) Stderr() io.Reader {
	return t.stderr
}
