package billing

import (
	"io"
	"time"
)

// teeUsageReader wraps an upstream response body so each chunk read (and
// forwarded to the client by httputil.ReverseProxy's copy loop) is also
// fed to a StreamProcessor. When a read from the upstream body returns an
// error (io.EOF or a failure such as the watchdog's), onFinish runs once
// with the accumulated usage. onFinish fires from inside the
// same Read call the copy loop is about to treat as end-of-stream, so
// billing metadata is always published before the client stream closes.
type teeUsageReader struct {
	upstream  io.ReadCloser
	processor StreamProcessor
	onFinish  func(Usage)
	finished  bool
}

func (t *teeUsageReader) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 {
		t.processor.Write(p[:n])
	}
	if err != nil && !t.finished {
		t.finished = true
		if t.onFinish != nil {
			t.onFinish(t.processor.Finish())
		}
	}
	return n, err
}

func (t *teeUsageReader) Close() error {
	return t.upstream.Close()
}

// watchdogReader aborts the underlying stream with io.ErrUnexpectedEOF if
// no chunk arrives within timeout of the previous one, so a stalled
// upstream cannot hold the client stream open indefinitely.
type watchdogReader struct {
	upstream io.ReadCloser
	timeout  time.Duration
}

func newWatchdogReader(upstream io.ReadCloser, timeout time.Duration) *watchdogReader {
	return &watchdogReader{upstream: upstream, timeout: timeout}
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := w.upstream.Read(p)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(w.timeout):
		return 0, io.ErrUnexpectedEOF
	}
}

func (w *watchdogReader) Close() error {
	return w.upstream.Close()
}
