package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

func shardedDir(t *testing.T, format string) (string, *Manifest) {
	t.Helper()
	dir := t.TempDir()
	res, err := New(logger.Nop()).Run(context.Background(), scenarioInventory(t), Options{
		OutputDir: dir,
		ModelName: "verify",
		Format:    format,
		Target:    PlanOptions{ShardCount: 2},
	})
	require.NoError(t, err)
	return dir, res.Manifest
}

func TestVerifyClean(t *testing.T) {
	dir, m := shardedDir(t, "gguf")

	r, err := Verify(dir)
	require.NoError(t, err)
	assert.True(t, r.OK())
	require.Len(t, r.Shards, 2)
	assert.Equal(t, 4, r.Shards[0].Tensors)
	assert.Equal(t, m.Shards[1].SizeBytes, r.Shards[1].Bytes)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir, m := shardedDir(t, "safetensors")

	path := filepath.Join(dir, m.Shards[1].Filename)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	r, err := Verify(dir)
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.True(t, r.Shards[0].OK())
	require.False(t, r.Shards[1].OK())
	assert.Contains(t, r.Shards[1].Problems[0], "checksum")
}

func TestVerifyMissingShard(t *testing.T) {
	dir, m := shardedDir(t, "arrow")
	require.NoError(t, os.Remove(filepath.Join(dir, m.Shards[0].Filename)))

	r, err := Verify(dir)
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.False(t, r.Shards[0].OK())
	assert.NotEmpty(t, r.Problems, "total size no longer adds up")
}

func TestVerifyNoManifest(t *testing.T) {
	_, err := Verify(t.TempDir())
	assert.Error(t, err)

	_, err = Reassemble(t.TempDir())
	assert.Error(t, err)
}

func TestVerifyEmptyTensorOrder(t *testing.T) {
	for _, format := range FormatNames() {
		t.Run(format, func(t *testing.T) {
			inv := tensor.NewInventory()
			for _, tn := range []tensor.Named{
				{Name: "rope_freqs", DType: "F32", Shape: []uint64{0}, Data: []byte{}},
				{Name: "embed.weight", DType: "F32", Shape: []uint64{1}, Data: []byte{1, 2, 3, 4}},
				{Name: "layers.0.w", DType: "F32", Shape: []uint64{1}, Data: []byte{5, 6, 7, 8}},
			} {
				require.NoError(t, inv.Add(tn))
			}
			dir := t.TempDir()
			_, err := New(logger.Nop()).Run(context.Background(), inv, Options{
				OutputDir: dir,
				ModelName: "empty",
				Format:    format,
				Target:    PlanOptions{ShardCount: 1},
			})
			require.NoError(t, err)

			r, err := Verify(dir)
			require.NoError(t, err)
			require.Len(t, r.Shards, 1)
			assert.True(t, r.OK(), "%v %v", r.Problems, r.Shards[0].Problems)

			back, err := Reassemble(dir)
			require.NoError(t, err)
			assert.Equal(t, []string{"rope_freqs", "embed.weight", "layers.0.w"}, back.Names())
		})
	}
}
