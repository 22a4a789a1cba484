package inttest

import (
	"strings"
	"testing"
)

// logWriter forwards the evaluator's stderr into the test log, one chunk
// per line.
type logWriter struct {
	t      *testing.T
	prefix string
}

func newLogWriter(prefix string, t *testing.T) *logWriter {
	return &logWriter{
		t:      t,
		prefix: prefix,
	}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.t.Log(w.prefix, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
