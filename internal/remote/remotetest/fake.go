// Package remotetest provides a scriptable remote.Executor for tests.
package remotetest

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

// Response scripts the outcome of commands containing Match.
type Response struct {
	Match  string
	Output string
	Err    error
	// Block makes the command wait for ctx to end.
	Block bool
}

// Executor records every command and file it is given.
type Executor struct {
	Addr string

	mu        sync.Mutex
	responses []Response
	commands  []string
	files     map[string][]byte
	modes     map[string]os.FileMode
	closed    bool

	// StreamData is written to stdout by Stream, keyed by a substring of the command.
	StreamData map[string]string
}

// New returns an Executor answering every command with empty output.
func New(addr string) *Executor {
	return &Executor{
		Addr:       addr,
		files:      map[string][]byte{},
		modes:      map[string]os.FileMode{},
		StreamData: map[string]string{},
	}
}

// On registers a scripted response; the first match wins.
func (e *Executor) On(r Response) *Executor {
	e.mu.Lock()
	e.responses = append(e.responses, r)
	e.mu.Unlock()
	return e
}

func (e *Executor) Address() string { return e.Addr }

func (e *Executor) respond(ctx context.Context, cmd string) (string, error) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	var match *Response
	for i := range e.responses {
		if strings.Contains(cmd, e.responses[i].Match) {
			match = &e.responses[i]
			break
		}
	}
	e.mu.Unlock()

	if match == nil {
		return "", nil
	}
	if match.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return match.Output, match.Err
}

func (e *Executor) Run(ctx context.Context, cmd string) (string, error) {
	return e.respond(ctx, cmd)
}

func (e *Executor) Stream(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error {
	out, err := e.respond(ctx, cmd)
	if err != nil {
		return err
	}
	if stdin != nil {
		io.Copy(io.Discard, stdin)
	}
	e.mu.Lock()
	data := out
	for k, v := range e.StreamData {
		if strings.Contains(cmd, k) {
			data = v
			break
		}
	}
	e.mu.Unlock()
	if stdout != nil {
		_, err = io.WriteString(stdout, data)
	}
	return err
}

func (e *Executor) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[remotePath] = append([]byte(nil), content...)
	e.modes[remotePath] = mode
	return nil
}

func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Commands returns the commands run so far.
func (e *Executor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Ran reports whether some command contained substr.
func (e *Executor) Ran(substr string) bool {
	for _, c := range e.Commands() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// File returns an uploaded file.
func (e *Executor) File(path string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.files[path]
	return string(b), ok
}

// Closed reports whether Close was called.
func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
