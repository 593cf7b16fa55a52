package arrowstore

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

func sample() []tensor.Named {
	return []tensor.Named{
		{Name: "embed.weight", DType: "F32", Shape: []uint64{2, 2}, Data: bytes.Repeat([]byte{7}, 16)},
		{Name: "layers.0.mlp.weight", DType: "F16", Shape: []uint64{3}, Data: []byte{1, 2, 3, 4, 5, 6}},
		{Name: "scalar", DType: "I32", Shape: []uint64{}, Data: []byte{0, 0, 0, 1}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample(), map[string]string{"shard.id": "0", "model": "tiny"}))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, want := range sample() {
		assert.Equal(t, want.Name, got[i].Name)
		assert.Equal(t, want.DType, got[i].DType)
		assert.Equal(t, want.Shape, got[i].Shape)
		assert.Equal(t, want.Data, got[i].Data)
	}
}

func TestSchemaMetadata(t *testing.T) {
	s := Schema(map[string]string{"b": "2", "a": "1"})
	md := s.Metadata()
	assert.Equal(t, []string{"a", "b"}, md.Keys())
	assert.Equal(t, []string{"1", "2"}, md.Values())

	assert.Equal(t, 0, Schema(nil).Metadata().Len())
	assert.Equal(t, 4, Schema(nil).NumFields())
}

func TestBuildAndReadRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := BuildRecord(mem, Schema(nil), sample())
	assert.Equal(t, int64(3), rec.NumRows())

	ts, err := ReadRecord(rec)
	rec.Release()
	require.NoError(t, err)
	assert.Equal(t, "layers.0.mlp.weight", ts[1].Name)
	assert.Equal(t, []uint64{3}, ts[1].Shape)
}

func TestEncodeEmptyShard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, nil, nil))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not an arrow file")))
	assert.Error(t, err)
}
