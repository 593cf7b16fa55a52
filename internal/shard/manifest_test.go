package shard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifest(t *testing.T) {
	p := &Plan{
		Mode:       ModeLayer,
		LayerCount: 4,
		Entries: []Entry{
			{ID: 0, Tensors: []string{"a"}, LayerRange: &[2]int{0, 1}},
			{ID: 1, Tensors: []string{"b"}, LayerRange: &[2]int{2, 3}},
		},
	}
	arts := []Artifact{
		{ShardID: 0, Filename: "shard_00.safetensors", SizeBytes: 3 << 20, TensorCount: 1},
		{ShardID: 1, Filename: "shard_01.safetensors", SizeBytes: 1 << 20, TensorCount: 1},
	}
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	m, err := BuildManifest(RunInfo{ModelName: "tiny", RunID: "r1", Format: "safetensors", OriginalBytes: 5 << 20, Date: date}, p, arts)
	require.NoError(t, err)

	assert.Equal(t, "tiny", m.ModelName)
	assert.Equal(t, "2026-03-01T11:00:00Z", m.ShardingDate)
	assert.Equal(t, 2, m.TotalShards)
	assert.Equal(t, int64(4<<20), m.TotalSizeBytes)
	assert.Equal(t, 5.0, m.TotalSizeMB, "sized by the model payload, not the files")
	assert.Equal(t, int64(5<<20), m.OriginalSizeBytes)
	assert.Equal(t, Tool, m.Tool)
	assert.Equal(t, "Load the shards in order: shard_00.safetensors, shard_01.safetensors", m.Usage.Sequential)
	assert.Equal(t, "Load shard_00.safetensors first, then the remaining shards in the background", m.Usage.Progressive)
	assert.Contains(t, m.Usage.Web, ManifestFilename)
	assert.Equal(t, ModeLayer, m.Mode)
	assert.False(t, m.Degraded)
	assert.Equal(t, 4, m.NumLayers)
	assert.Equal(t, []string{"shard_00.safetensors", "shard_01.safetensors"}, m.LoadingOrder)
}

func TestUsageFor(t *testing.T) {
	u := usageFor([]string{"shard_00.gguf", "shard_01.gguf", "shard_02.gguf", "shard_03.gguf", "shard_04.gguf"})
	assert.Equal(t, "Load the shards in order: shard_00.gguf, shard_01.gguf, ..., shard_04.gguf", u.Sequential)

	u = usageFor(nil)
	assert.Empty(t, u.Sequential)
	assert.NotEmpty(t, u.Web)
}

func TestBuildManifestRejectsMismatch(t *testing.T) {
	p := &Plan{Entries: []Entry{{ID: 0}, {ID: 1}}}

	_, err := BuildManifest(RunInfo{}, p, []Artifact{{ShardID: 0}})
	assert.Error(t, err)

	_, err = BuildManifest(RunInfo{}, p, []Artifact{{ShardID: 1}, {ShardID: 0}})
	assert.Error(t, err)
}

func TestWriteAndReadManifest(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		ModelName:    "tiny",
		TotalShards:  1,
		Mode:         ModeFlat,
		Degraded:     true,
		Format:       "arrow",
		Shards:       []Artifact{{ShardID: 0, Filename: "shard_00.arrow", ParamRange: &[2]int{0, 2}, Tensors: []string{"a", "b", "c"}}},
		LoadingOrder: []string{"shard_00.arrow"},
	}

	path, err := WriteManifest(dir, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestFilename), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"param_range": [`)
	assert.NotContains(t, string(raw), "layer_range")
	assert.Contains(t, string(raw), `"degraded": true`)

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "left %s behind", e.Name())
	}
}

func TestWriteManifestMissingDir(t *testing.T) {
	_, err := WriteManifest(filepath.Join(t.TempDir(), "nope"), &Manifest{})
	assert.Error(t, err)
}

func TestReadManifestErrors(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), ManifestFilename))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), ManifestFilename)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = ReadManifest(path)
	assert.Error(t, err)
}
