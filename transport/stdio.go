package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/glyphlabs/glyph-go/protocol"
)

// maxLineBytes bounds one stdio frame. Binary content arrives base64-encoded
// inside JSON strings, so frames can get large.
const maxLineBytes = 4 << 20

// Stdio implements the MCP transport over newline-delimited JSON: one
// envelope per line, LF terminated, UTF-8, no embedded newlines inside the
// object.
type Stdio struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	items   chan frameItem

	closeOnce sync.Once
	closed    chan struct{}

	termMu   sync.Mutex
	terminal error
}

type frameItem struct {
	msg protocol.Message
	err error
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithInput sets a custom input reader.
func WithInput(r io.Reader) StdioOption {
	return func(s *Stdio) {
		s.in = r
	}
}

// WithOutput sets a custom output writer.
func WithOutput(w io.Writer) StdioOption {
	return func(s *Stdio) {
		s.out = w
	}
}

// NewStdio creates a stdio transport reading stdin and writing stdout
// unless overridden.
func NewStdio(opts ...StdioOption) *Stdio {
	s := &Stdio{
		in:     os.Stdin,
		out:    os.Stdout,
		items:  make(chan frameItem),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.readLoop()
	return s
}

func (s *Stdio) readLoop() {
	defer close(s.items)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer across Scan calls.
		buf := make([]byte, len(line))
		copy(buf, line)

		msg, err := decodeFrame(buf)
		select {
		case s.items <- frameItem{msg: msg, err: err}:
		case <-s.closed:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.setTerminal(err)
	}
}

// Recv returns the next envelope. A line that fails to parse yields a
// *FrameError carrying the extractable id, and the stream continues.
func (s *Stdio) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	case item, ok := <-s.items:
		if !ok {
			return nil, s.terminalErr()
		}
		return item.msg, item.err
	}
}

// Send writes one envelope followed by a newline. Writes are serialized so
// envelopes never interleave.
func (s *Stdio) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	if _, err := s.out.Write(data); err != nil {
		return err
	}
	_, err = s.out.Write([]byte("\n"))
	return err
}

// Close releases the underlying streams. Idempotent.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if c, ok := s.in.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := s.out.(io.Closer); ok {
			_ = c.Close()
		}
	})
	return nil
}

func (s *Stdio) setTerminal(err error) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.terminal == nil {
		s.terminal = err
	}
}

func (s *Stdio) terminalErr() error {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.terminal != nil {
		return s.terminal
	}
	return io.EOF
}
