package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bronaugh/esgf-download/internal/catalog"
	"github.com/bronaugh/esgf-download/internal/config"
)

func TestHostPoolCapacityAndFIFO(t *testing.T) {
	cfg := config.Default()
	cfg.ClientCertPath = "" // skip cert loading in the test

	pool, err := NewHostPool("h1", 2, cfg)
	require.NoError(t, err)

	assert.True(t, pool.HasCapacity())

	pool.Enqueue(catalog.TransferRow{TransfertID: 1})
	pool.Enqueue(catalog.TransferRow{TransfertID: 2})

	row, ok := pool.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(1), row.TransfertID)

	row, ok = pool.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), row.TransfertID)

	_, ok = pool.Pop()
	assert.False(t, ok)

	pool.ThreadCount = 2
	assert.False(t, pool.HasCapacity())
}

func TestAdjustMaxThreadCountIsNoOp(t *testing.T) {
	cfg := config.Default()
	cfg.ClientCertPath = ""
	pool, err := NewHostPool("h1", 3, cfg)
	require.NoError(t, err)

	pool.Throughput.Record("h1", 1e7)
	pool.Throughput.Record("h1", 1.1e7)
	pool.Throughput.Record("h1", 1.2e7)

	before := pool.MaxThreadCount
	pool.AdjustMaxThreadCount()
	assert.Equal(t, before, pool.MaxThreadCount, "AdjustMaxThreadCount must never change MaxThreadCount in the shipped engine")
}
