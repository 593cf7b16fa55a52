package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

func f32(name string, fill byte) tensor.Named {
	data := make([]byte, 16)
	for i := range data {
		data[i] = fill
	}
	return tensor.Named{Name: name, DType: "F32", Shape: []uint64{4}, Data: data}
}

func inventoryOf(t *testing.T, names ...string) *tensor.Inventory {
	t.Helper()
	inv := tensor.NewInventory()
	for i, n := range names {
		require.NoError(t, inv.Add(f32(n, byte(i+1))))
	}
	return inv
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name    string
		wantIdx int
		wantOK  bool
	}{
		{"model.layers.12.self_attn.q_proj.weight", 12, true},
		{"transformer.h.3.attn.c_attn.weight", 3, true},
		{"blk.0.attn_q.weight", 0, true},
		{"vit.encoder.blocks.7.mlp.fc1.weight", 7, true},
		{"bert.encoder.layer.5.output.dense.bias", 5, true},
		{"h.01.attn.weight", 1, true},
		{"layers.1.h.2.weight", 1, true},
		{"model.embed_tokens.weight", 0, false},
		{"model.norm.weight", 0, false},
		{"lm_head.weight", 0, false},
		{"layers.x.weight", 0, false},
		{"layers.abc.h.2.weight", 0, false},
		{"model.layers", 0, false},
		{"model.layers.-1.weight", 0, false},
		{"model.layers.+1.weight", 0, false},
		{"model.layers. 1.weight", 0, false},
		{"model.layers.99999999999999999999999.weight", 0, false},
		{"model.layers_0.weight", 0, false},
	}

	c := DefaultClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := c(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantIdx, idx)
			}
		})
	}
}

func TestTokenClassifierCustom(t *testing.T) {
	c := TokenClassifier("/", "block")

	idx, ok := c("net/block/3/conv")
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = c("net.layers.3.conv")
	assert.False(t, ok)

	// Empty arguments fall back to the defaults.
	idx, ok = TokenClassifier("")("blk.9.ffn_up.weight")
	require.True(t, ok)
	assert.Equal(t, 9, idx)
}

func TestClassifyGroupsInInventoryOrder(t *testing.T) {
	inv := inventoryOf(t,
		"embed.weight",
		"layers.1.attn.weight",
		"layers.0.attn.weight",
		"layers.1.mlp.weight",
		"norm.weight",
		"layers.0.mlp.weight",
	)

	g := Classify(inv, nil)

	assert.Equal(t, []int{0, 1}, g.Order)
	assert.Equal(t, 2, g.LayerCount())
	assert.True(t, g.HasLayers())
	assert.Equal(t, 4, g.Grouped())

	names := func(ts []tensor.Named) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.Name
		}
		return out
	}
	assert.Equal(t, []string{"embed.weight", "norm.weight"}, names(g.Ungrouped))
	assert.Equal(t, []string{"layers.0.attn.weight", "layers.0.mlp.weight"}, names(g.Layers[0].Tensors))
	assert.Equal(t, []string{"layers.1.attn.weight", "layers.1.mlp.weight"}, names(g.Layers[1].Tensors))
	assert.Equal(t, int64(32), g.Layers[1].Bytes())
}

func TestClassifySparseIndices(t *testing.T) {
	inv := inventoryOf(t, "layers.5.w", "layers.0.w", "layers.2.w")

	g := Classify(inv, nil)

	assert.Equal(t, []int{0, 2, 5}, g.Order)
	assert.Empty(t, g.Ungrouped)
}

func TestClassifyNoLayers(t *testing.T) {
	inv := inventoryOf(t, "a.weight", "b.weight")

	g := Classify(inv, nil)

	assert.False(t, g.HasLayers())
	assert.Len(t, g.Ungrouped, 2)
}
