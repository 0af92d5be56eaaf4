package sandboxworker

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeHarness drives Run over in-memory pipes so the framing protocol can
// be exercised without forking a real process.
type pipeHarness struct {
	toWorker   *io.PipeWriter
	fromWorker *io.PipeReader
	dec        *json.Decoder
	enc        *json.Encoder
	runErrCh   chan error
}

func newPipeHarness() *pipeHarness {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &pipeHarness{
		toWorker:   inW,
		fromWorker: outR,
		dec:        json.NewDecoder(bufio.NewReader(outR)),
		enc:        json.NewEncoder(inW),
		runErrCh:   make(chan error, 1),
	}
	go func() { h.runErrCh <- Run(inR, outW) }()
	return h
}

func (h *pipeHarness) readReady(t *testing.T) ReadyMarker {
	t.Helper()
	var ready ReadyMarker
	require.NoError(t, h.dec.Decode(&ready))
	return ready
}

func (h *pipeHarness) roundTrip(t *testing.T, code string) Response {
	t.Helper()
	require.NoError(t, h.enc.Encode(Request{Code: code}))
	var resp Response
	require.NoError(t, h.dec.Decode(&resp))
	return resp
}

func TestRun_SignalsReadyBeforeAcceptingRequests(t *testing.T) {
	h := newPipeHarness()
	ready := h.readReady(t)
	assert.True(t, ready.Ready)

	resp := h.roundTrip(t, "print('ok')")
	assert.Equal(t, "ok\n", resp.Stdout)

	h.toWorker.Close()
}

func TestRun_HandlesMultipleRequestsOverOneConnection(t *testing.T) {
	h := newPipeHarness()
	h.readReady(t)

	first := h.roundTrip(t, "counter = 0")
	assert.Empty(t, first.Stdout)

	second := h.roundTrip(t, "counter += 1; print(counter)")
	assert.Equal(t, "1\n", second.Stdout)

	third := h.roundTrip(t, "counter += 1; print(counter)")
	assert.Equal(t, "2\n", third.Stdout)

	h.toWorker.Close()
}

func TestRun_ReturnsNilOnCleanEOF(t *testing.T) {
	h := newPipeHarness()
	h.readReady(t)

	h.toWorker.Close()

	err := <-h.runErrCh
	assert.NoError(t, err)
}

func TestRun_ErrorResponseFormattedAsText(t *testing.T) {
	h := newPipeHarness()
	h.readReady(t)

	resp := h.roundTrip(t, "throw new Error('kaboom')")
	assert.Contains(t, resp.Stderr, "kaboom")

	h.toWorker.Close()
}

func TestCaptureBuffer_Reset(t *testing.T) {
	buf := &captureBuffer{}
	buf.stdout.WriteString("leftover")
	buf.stderr.WriteString("leftover")

	buf.reset()

	assert.Equal(t, 0, buf.stdout.Len())
	assert.Equal(t, 0, buf.stderr.Len())
}

func TestRun_PropagatesWriteErrorOnClosedOutput(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	outR.Close() // reader gone; any write to outW now fails

	errCh := make(chan error, 1)
	go func() { errCh <- Run(inR, outW) }()

	// Run should fail trying to emit the ready marker.
	err := <-errCh
	assert.Error(t, err)

	inW.Close()
}
