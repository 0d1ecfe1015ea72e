package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteSerializerOrdersWritesPerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	fd, err := os.Create(path)
	require.NoError(t, err)

	ws := NewWriteSerializer(4, nil)
	ws.Enqueue(fd, []byte("a"), false)
	ws.Enqueue(fd, []byte("b"), false)
	ws.Enqueue(fd, []byte("c"), false)
	ws.Enqueue(fd, nil, true)
	ws.WriteAndQuit()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}

func TestWriteSerializerDrainsUnderBackpressure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	fd, err := os.Create(path)
	require.NoError(t, err)

	// Capacity 1: the serializer still drains concurrently, so this
	// exercises that Enqueue never deadlocks under backpressure, not that
	// it blocks forever.
	ws := NewWriteSerializer(1, nil)
	for i := 0; i < 50; i++ {
		ws.Enqueue(fd, []byte{'x'}, false)
	}
	ws.Enqueue(fd, nil, true)
	ws.WriteAndQuit()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 50)
}
