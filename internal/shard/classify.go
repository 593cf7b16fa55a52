// Package shard groups a model's tensors into layers, plans how the layers
// are spread over shard files, writes the shards and describes them in a
// manifest.
package shard

import (
	"sort"
	"strconv"
	"strings"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const DefaultSeparator = "."

// DefaultMarkers cover HF Llama/Mistral (layers), GPT-2 (h), ViT-style
// (blocks), GGUF (blk) and a few older checkpoints (layer).
var DefaultMarkers = []string{"layers", "h", "blocks", "blk", "layer"}

// Classifier reports the layer index encoded in a tensor name, if any.
type Classifier func(name string) (int, bool)

// TokenClassifier splits a name on sep and looks for the first token equal
// to one of markers. The token right after it must be a plain decimal
// number; otherwise the name is ungrouped and scanning stops.
func TokenClassifier(sep string, markers ...string) Classifier {
	if sep == "" {
		sep = DefaultSeparator
	}
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	set := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		set[m] = struct{}{}
	}

	return func(name string) (int, bool) {
		tokens := strings.Split(name, sep)
		for i, tok := range tokens {
			if _, ok := set[tok]; !ok {
				continue
			}
			if i+1 >= len(tokens) {
				return 0, false
			}
			return parseIndex(tokens[i+1])
		}
		return 0, false
	}
}

func DefaultClassifier() Classifier {
	return TokenClassifier(DefaultSeparator, DefaultMarkers...)
}

// parseIndex accepts digits only: no sign, no spaces.
func parseIndex(tok string) (int, bool) {
	if tok == "" {
		return 0, false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return n, true
}

// LayerGroup holds the tensors of one layer in inventory order.
type LayerGroup struct {
	Index   int
	Tensors []tensor.Named
}

func (lg *LayerGroup) Bytes() int64 {
	var n int64
	for _, t := range lg.Tensors {
		n += t.ByteSize()
	}
	return n
}

// Groups is the classifier output. Order lists the layer indices in
// ascending order; indices need not be contiguous.
type Groups struct {
	Layers    map[int]*LayerGroup
	Order     []int
	Ungrouped []tensor.Named
}

func (g *Groups) LayerCount() int { return len(g.Order) }

func (g *Groups) HasLayers() bool { return len(g.Order) > 0 }

// Grouped returns the number of tensors that belong to some layer.
func (g *Groups) Grouped() int {
	n := 0
	for _, lg := range g.Layers {
		n += len(lg.Tensors)
	}
	return n
}

// Classify walks the inventory once and buckets every tensor.
func Classify(inv *tensor.Inventory, c Classifier) *Groups {
	if c == nil {
		c = DefaultClassifier()
	}
	g := &Groups{Layers: make(map[int]*LayerGroup)}
	for _, t := range inv.All() {
		idx, ok := c(t.Name)
		if !ok {
			g.Ungrouped = append(g.Ungrouped, t)
			continue
		}
		lg, exists := g.Layers[idx]
		if !exists {
			lg = &LayerGroup{Index: idx}
			g.Layers[idx] = lg
			g.Order = append(g.Order, idx)
		}
		lg.Tensors = append(lg.Tensors, t)
	}
	sort.Ints(g.Order)
	return g
}
