package gguf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

// ggufWriter accumulates the first write error so the layout code below
// reads as a straight sequence of fields.
type ggufWriter struct {
	w   *bufio.Writer
	n   uint64
	err error
}

func (g *ggufWriter) write(v interface{}) {
	if g.err != nil {
		return
	}
	g.err = binary.Write(g.w, binary.LittleEndian, v)
	if g.err == nil {
		g.n += uint64(binary.Size(v))
	}
}

func (g *ggufWriter) bytes(b []byte) {
	if g.err != nil {
		return
	}
	var n int
	n, g.err = g.w.Write(b)
	g.n += uint64(n)
}

func (g *ggufWriter) str(s string) {
	g.write(uint64(len(s)))
	g.bytes([]byte(s))
}

func (g *ggufWriter) pad(alignment uint64) {
	if p := alignUp(g.n, alignment) - g.n; p > 0 {
		g.bytes(make([]byte, p))
	}
}

// Encode writes tensors as a GGUF v3 image in the order given. meta is
// stored as string KV pairs (sorted by key) next to general.alignment.
// Shapes are taken as outermost-first and written in GGUF ne order.
func Encode(w io.Writer, tensors []tensor.Named, meta map[string]string) error {
	types := make([]GGMLType, len(tensors))
	for i, t := range tensors {
		typ, err := ParseGGMLType(t.DType)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		info := TensorInfo{Dimensions: reversed(t.Shape), Type: typ}
		if want := info.SizeBytes(); want != uint64(len(t.Data)) {
			return fmt.Errorf("tensor %s: %s%v needs %d bytes, have %d", t.Name, typ, t.Shape, want, len(t.Data))
		}
		types[i] = typ
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == "general.alignment" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g := &ggufWriter{w: bufio.NewWriter(w)}

	g.write(uint32(GGUFMagic))
	g.write(uint32(GGUFVersion))
	g.write(uint64(len(tensors)))
	g.write(uint64(len(keys) + 1))

	g.str("general.alignment")
	g.write(uint32(GGUFMetadataValueTypeUint32))
	g.write(uint32(DefaultAlignment))
	for _, k := range keys {
		g.str(k)
		g.write(uint32(GGUFMetadataValueTypeString))
		g.str(meta[k])
	}

	offset := uint64(0)
	for i, t := range tensors {
		dims := reversed(t.Shape)
		g.str(t.Name)
		g.write(uint32(len(dims)))
		for _, d := range dims {
			g.write(d)
		}
		g.write(uint32(types[i]))
		g.write(offset)
		offset = alignUp(offset+uint64(len(t.Data)), DefaultAlignment)
	}

	g.pad(DefaultAlignment)
	for _, t := range tensors {
		g.bytes(t.Data)
		g.pad(DefaultAlignment)
	}

	if g.err != nil {
		return g.err
	}
	return g.w.Flush()
}

// Decode reads a GGUF image written by Encode (or any GGUF v2/v3 file)
// and returns its tensors in table order. Data is copied out of r.
func Decode(r io.Reader) ([]tensor.Named, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	file, err := Parse(buf.Bytes())
	if err != nil {
		return nil, err
	}
	inv, err := file.Inventory()
	if err != nil {
		return nil, err
	}
	return inv.All(), nil
}
