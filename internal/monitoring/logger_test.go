package monitoring

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called)

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("test message")
}

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{Ops: os.Stderr})

	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	Opsf("connected to %s", "broker")
	Diagf("scale=%.2f", 10.0)
	Tracef("dropped, trace disabled")

	assert.Contains(t, ops.String(), "[gauge] ")
	assert.Contains(t, ops.String(), "connected to broker")
	assert.NotContains(t, ops.String(), "scale=")
	assert.Contains(t, diag.String(), "scale=10.00")
	assert.False(t, strings.Contains(ops.String()+diag.String(), "trace disabled"))
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gauge.log")
	w := RotatingFile(path, 0, 0)
	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
