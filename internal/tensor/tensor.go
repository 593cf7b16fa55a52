package tensor

import (
	"errors"
	"fmt"
)

// ErrDuplicateTensor is returned when a name is added to an Inventory twice.
var ErrDuplicateTensor = errors.New("duplicate tensor name")

// Named is one model parameter. Data holds the raw little-endian payload
// exactly as it was read from the source file.
type Named struct {
	Name  string
	DType string
	Shape []uint64
	Data  []byte
}

// ByteSize returns the payload size in bytes.
func (t Named) ByteSize() int64 {
	return int64(len(t.Data))
}

// ElementCount returns the number of elements described by Shape.
// A scalar (empty shape) has one element.
func (t Named) ElementCount() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Inventory is the ordered set of tensors belonging to one model.
// Iteration order is insertion order.
type Inventory struct {
	tensors []Named
	index   map[string]int
	total   int64
}

func NewInventory() *Inventory {
	return &Inventory{index: make(map[string]int)}
}

// Add appends a tensor. Names must be unique.
func (inv *Inventory) Add(t Named) error {
	if t.Name == "" {
		return fmt.Errorf("tensor name is empty")
	}
	if _, ok := inv.index[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTensor, t.Name)
	}
	inv.index[t.Name] = len(inv.tensors)
	inv.tensors = append(inv.tensors, t)
	inv.total += t.ByteSize()
	return nil
}

func (inv *Inventory) Len() int { return len(inv.tensors) }

// TotalBytes is the sum of all payload sizes.
func (inv *Inventory) TotalBytes() int64 { return inv.total }

// All returns the tensors in insertion order. The slice must not be modified.
func (inv *Inventory) All() []Named { return inv.tensors }

// At returns the tensor at position i.
func (inv *Inventory) At(i int) Named { return inv.tensors[i] }

// Lookup returns the tensor with the given name.
func (inv *Inventory) Lookup(name string) (Named, bool) {
	i, ok := inv.index[name]
	if !ok {
		return Named{}, false
	}
	return inv.tensors[i], true
}

// Position returns the insertion position of name, or -1.
func (inv *Inventory) Position(name string) int {
	if i, ok := inv.index[name]; ok {
		return i
	}
	return -1
}

// Names returns all tensor names in insertion order.
func (inv *Inventory) Names() []string {
	names := make([]string, len(inv.tensors))
	for i, t := range inv.tensors {
		names[i] = t.Name
	}
	return names
}

// Subset returns the named tensors in the order given.
func (inv *Inventory) Subset(names []string) ([]Named, error) {
	out := make([]Named, 0, len(names))
	for _, n := range names {
		t, ok := inv.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("tensor %q not in inventory", n)
		}
		out = append(out, t)
	}
	return out, nil
}
