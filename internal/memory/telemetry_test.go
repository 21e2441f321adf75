package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSMI(t *testing.T) {
	out := []byte("24576, 20000\n81920, 1024\n")
	total, free, err := parseSMI(out, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(81920), total)
	assert.Equal(t, int64(1024), free)

	_, _, err = parseSMI(out, 2)
	assert.Error(t, err)
	_, _, err = parseSMI([]byte("N/A, 3\n"), 0)
	assert.Error(t, err)
	_, _, err = parseSMI([]byte("1 2 3\n"), 0)
	assert.Error(t, err)
}

func TestNvidiaSMIRunsQuery(t *testing.T) {
	var gotName string
	var gotArgs []string
	n := NvidiaSMI{run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("8192, 4096\n"), nil
	}}
	total, free, err := n.MemoryInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nvidia-smi", gotName)
	assert.Contains(t, gotArgs, "--format=csv,noheader,nounits")
	assert.Equal(t, int64(8192), total)
	assert.Equal(t, int64(4096), free)

	n.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("not found") }
	_, _, err = n.MemoryInfo(context.Background())
	assert.Error(t, err)
}

func TestStaticTelemetry(t *testing.T) {
	total, free, err := StaticTelemetry{Total: 100}.MemoryInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(100), free)
}
