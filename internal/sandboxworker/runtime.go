package sandboxworker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dop251/goja"
)

// captureBuffer holds the in-memory stdout/stderr buffers that are
// swapped in fresh for every request.
type captureBuffer struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (c *captureBuffer) reset() {
	c.stdout.Reset()
	c.stderr.Reset()
}

// Run is the entry point for the re-exec'd child process. It installs the
// sandbox once, signals readiness, then loops reading Requests from in and
// writing Responses to out until in is closed. The parent killing or
// closing the pipe ends the loop — the supervisor owns the process
// lifetime, not this loop.
func Run(in io.Reader, out io.Writer) error {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())

	buf := &captureBuffer{}
	if err := installSandbox(rt, buf); err != nil {
		return fmt.Errorf("install sandbox: %w", err)
	}

	enc := json.NewEncoder(out)
	if err := enc.Encode(ReadyMarker{Ready: true}); err != nil {
		return fmt.Errorf("signal readiness: %w", err)
	}

	dec := json.NewDecoder(bufio.NewReader(in))
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}

		resp := evaluate(rt, buf, req.Code)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}

// evaluate compiles and runs one code fragment against rt's persistent
// namespace, capturing output and formatting any raised exception into
// the stderr buffer.
func evaluate(rt *goja.Runtime, buf *captureBuffer, code string) Response {
	buf.reset()

	_, err := rt.RunString(code)
	if err != nil {
		writeTraceback(buf, err)
	}

	return Response{
		Stdout: buf.stdout.String(),
		Stderr: buf.stderr.String(),
	}
}

// writeTraceback serializes a raised exception to text onto the stderr
// buffer. Exception objects never cross the wire — only their formatted
// text does.
func writeTraceback(buf *captureBuffer, err error) {
	if exc, ok := err.(*goja.Exception); ok {
		fmt.Fprintln(&buf.stderr, exc.String())
		return
	}
	if iex, ok := err.(*goja.InterruptedError); ok {
		fmt.Fprintln(&buf.stderr, iex.String())
		return
	}
	fmt.Fprintln(&buf.stderr, err.Error())
}
