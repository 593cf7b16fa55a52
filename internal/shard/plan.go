package shard

import (
	"errors"
	"fmt"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

var (
	ErrEmptyInventory    = errors.New("inventory is empty")
	ErrNoShardTarget     = errors.New("either a shard count or a maximum shard size is required")
	ErrConflictingTarget = errors.New("shard count and maximum shard size are mutually exclusive")
)

type Mode string

const (
	// ModeLayer assigns whole layers to shards.
	ModeLayer Mode = "layer"
	// ModeFlat slices the inventory by tensor count when no layer was found.
	ModeFlat Mode = "flat"
)

// PlanOptions sets the sharding target. Exactly one field must be positive.
type PlanOptions struct {
	ShardCount    int
	MaxShardBytes int64
}

// Entry is one planned shard. Ranges are inclusive. LayerRange holds real
// layer indices and is set in layer mode; ParamRange holds inventory
// positions and is set in flat mode.
type Entry struct {
	ID             int
	Tensors        []string
	LayerRange     *[2]int
	ParamRange     *[2]int
	EstimatedBytes int64
}

type Plan struct {
	Mode       Mode
	Entries    []Entry
	LayerCount int

	// Requested is the shard count before clamping.
	Requested int
	Clamped   bool
}

func (p *Plan) Len() int { return len(p.Entries) }

// Degraded reports whether the plan fell back to flat slicing.
func (p *Plan) Degraded() bool { return p.Mode == ModeFlat }

// ResolveShardCount turns opts into a shard count for a model of total bytes.
func ResolveShardCount(opts PlanOptions, total int64) (int, error) {
	switch {
	case opts.ShardCount < 0:
		return 0, fmt.Errorf("shard count must be positive, got %d", opts.ShardCount)
	case opts.MaxShardBytes < 0:
		return 0, fmt.Errorf("maximum shard size must be positive, got %d", opts.MaxShardBytes)
	case opts.ShardCount > 0 && opts.MaxShardBytes > 0:
		return 0, ErrConflictingTarget
	case opts.ShardCount > 0:
		return opts.ShardCount, nil
	case opts.MaxShardBytes > 0:
		n := total / opts.MaxShardBytes
		if total%opts.MaxShardBytes != 0 {
			n++
		}
		if n < 1 {
			n = 1
		}
		return int(n), nil
	default:
		return 0, ErrNoShardTarget
	}
}

// BuildPlan assigns every tensor of inv to exactly one shard. Layer mode is
// used whenever g holds at least one layer; ungrouped tensors then go to
// shard 0 ahead of its layers. The result depends only on its inputs.
func BuildPlan(g *Groups, inv *tensor.Inventory, opts PlanOptions) (*Plan, error) {
	if inv.Len() == 0 {
		return nil, ErrEmptyInventory
	}
	requested, err := ResolveShardCount(opts, inv.TotalBytes())
	if err != nil {
		return nil, err
	}

	p := &Plan{Requested: requested, LayerCount: g.LayerCount()}
	if g.HasLayers() {
		p.Mode = ModeLayer
	} else {
		p.Mode = ModeFlat
	}

	units := inv.Len()
	if p.Mode == ModeLayer {
		units = g.LayerCount()
	}
	count := requested
	if count > units {
		count = units
		p.Clamped = true
	}

	for id, r := range splitRanges(units, count) {
		var e Entry
		if p.Mode == ModeLayer {
			e = layerEntry(id, r, g)
		} else {
			e = flatEntry(id, r, inv)
		}
		p.Entries = append(p.Entries, e)
	}
	return p, nil
}

// splitRanges cuts [0, units) into count half-open ranges of
// max(1, units/count) units each; the last range absorbs the remainder.
// count must be in [1, units].
func splitRanges(units, count int) [][2]int {
	per := units / count
	if per < 1 {
		per = 1
	}
	ranges := make([][2]int, count)
	for i := range ranges {
		lo := i * per
		hi := lo + per
		if hi > units || i == count-1 {
			hi = units
		}
		ranges[i] = [2]int{lo, hi}
	}
	return ranges
}

func layerEntry(id int, r [2]int, g *Groups) Entry {
	e := Entry{ID: id}
	if id == 0 {
		for _, t := range g.Ungrouped {
			e.Tensors = append(e.Tensors, t.Name)
			e.EstimatedBytes += t.ByteSize()
		}
	}
	for pos := r[0]; pos < r[1]; pos++ {
		lg := g.Layers[g.Order[pos]]
		for _, t := range lg.Tensors {
			e.Tensors = append(e.Tensors, t.Name)
		}
		e.EstimatedBytes += lg.Bytes()
	}
	e.LayerRange = &[2]int{g.Order[r[0]], g.Order[r[1]-1]}
	return e
}

func flatEntry(id int, r [2]int, inv *tensor.Inventory) Entry {
	e := Entry{ID: id}
	for pos := r[0]; pos < r[1]; pos++ {
		t := inv.At(pos)
		e.Tensors = append(e.Tensors, t.Name)
		e.EstimatedBytes += t.ByteSize()
	}
	e.ParamRange = &[2]int{r[0], r[1] - 1}
	return e
}
