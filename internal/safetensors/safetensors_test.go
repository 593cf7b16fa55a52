package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

func tensors() []tensor.Named {
	return []tensor.Named{
		{Name: "model.norm.weight", DType: "F32", Shape: []uint64{2}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Name: "model.embed_tokens.weight", DType: "BF16", Shape: []uint64{3, 1}, Data: []byte{9, 9, 8, 8, 7, 7}},
		{Name: "scalar", DType: "I64", Shape: nil, Data: []byte{0, 0, 0, 0, 0, 0, 0, 1}},
	}
}

func TestEncodeKeepsCallerOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tensors(), map[string]string{"format": "pt"}))

	headerSize := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, (8+headerSize)%8, "data section must be 8-byte aligned")

	header := string(buf.Bytes()[8 : 8+headerSize])
	norm := bytes.Index([]byte(header), []byte("model.norm.weight"))
	embed := bytes.Index([]byte(header), []byte("model.embed_tokens.weight"))
	meta := bytes.Index([]byte(header), []byte("__metadata__"))
	assert.True(t, meta < norm && norm < embed, "header order: %s", header)

	file, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"format": "pt"}, file.Metadata)
	require.Len(t, file.Tensors, 3)
	for i, want := range tensors() {
		got := file.Tensors[i]
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.DType, got.DType)
		assert.Equal(t, want.Data, got.Data)
		assert.Equal(t, want.ElementCount(), got.ElementCount())
	}
}

func TestEmptyTensorKeepsHeaderOrder(t *testing.T) {
	in := []tensor.Named{
		{Name: "rope_freqs", DType: "F32", Shape: []uint64{0}, Data: []byte{}},
		{Name: "embed.weight", DType: "F32", Shape: []uint64{1}, Data: []byte{1, 2, 3, 4}},
		{Name: "layers.0.w", DType: "F32", Shape: []uint64{0}, Data: nil},
		{Name: "layers.0.b", DType: "F32", Shape: []uint64{1}, Data: []byte{5, 6, 7, 8}},
		{Name: "a.tail", DType: "F32", Shape: []uint64{0}, Data: nil},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in, map[string]string{"shard.id": "0"}))

	ts, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, ts, len(in))
	for i := range in {
		assert.Equal(t, in[i].Name, ts[i].Name)
		assert.Equal(t, in[i].ByteSize(), ts[i].ByteSize())
	}
}

func TestKeyOrder(t *testing.T) {
	order, err := keyOrder([]byte(`{"b":{"shape":[1,2],"x":[[]]},"a":1,"c":"s","d":null}   `))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 0, "a": 1, "c": 2, "d": 3}, order)

	_, err = keyOrder([]byte(`[1]`))
	assert.Error(t, err)
	_, err = keyOrder([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tensors(), nil))

	ts, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, ts, 3)
	assert.Equal(t, "scalar", ts[2].Name)
	assert.Equal(t, int64(8), ts[2].ByteSize())
}

func TestEncodeEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, nil, nil))

	file, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, file.Tensors)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte{1, 2})
	assert.Error(t, err)

	huge := make([]byte, 8)
	binary.LittleEndian.PutUint64(huge, maxHeaderSize+1)
	_, err = Parse(huge)
	assert.ErrorContains(t, err, "too large")

	short := make([]byte, 8)
	binary.LittleEndian.PutUint64(short, 64)
	_, err = Parse(short)
	assert.Error(t, err)

	bad := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	img := make([]byte, 8, 8+len(bad)+4)
	binary.LittleEndian.PutUint64(img, uint64(len(bad)))
	img = append(img, bad...)
	img = append(img, 0, 0, 0, 0)
	_, err = Parse(img)
	assert.ErrorContains(t, err, "outside data section")
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model"+Extension)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tensors(), nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	file, err := Open(path)
	require.NoError(t, err)
	defer file.Close()

	require.Len(t, file.Tensors, 3)
	assert.Equal(t, "model.norm.weight", file.Tensors[0].Name)

	_, err = Open(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)
}

func TestReadIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexFilename)
	data := `{"metadata":{"total_size":10},"weight_map":{
		"a":"model-00002-of-00002.safetensors",
		"b":"model-00001-of-00002.safetensors",
		"c":"model-00001-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	idx, err := ReadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}, idx.Files())

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"weight_map":{}}`), 0644))
	_, err = ReadIndex(empty)
	assert.Error(t, err)
}
