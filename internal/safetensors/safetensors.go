// Package safetensors reads and writes the safetensors container:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// The writer keeps tensors in the caller's order, both in the header and
// in the data section, so a shard's layout mirrors its plan entry.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const (
	Extension   = ".safetensors"
	metadataKey = "__metadata__"

	// Reject absurd headers before allocating for them.
	maxHeaderSize = 100 * 1024 * 1024
	headerAlign   = 8
)

// TensorInfo describes a tensor in the JSON header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) relative to the data section
}

// File is a parsed safetensors image.
type File struct {
	Metadata map[string]string
	Tensors  []tensor.Named // data-offset order

	data   []byte
	mapped bool
}

// Open maps path into memory and parses it. Tensor data aliases the
// mapping and stays valid until Close.
func Open(path string) (*File, error) {
	//nolint:gosec // G304: path is the user's model source
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 8 {
		return nil, fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Close releases the mapping created by Open.
func (f *File) Close() error {
	if !f.mapped || f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	return syscall.Munmap(data)
}

// Parse reads a safetensors image already in memory.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}
	if 8+headerSize > uint64(len(data)) {
		return nil, fmt.Errorf("header size %d exceeds file: %w", headerSize, io.ErrUnexpectedEOF)
	}

	header := data[8 : 8+headerSize]
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	order, err := keyOrder(header)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	file := &File{data: data}
	payload := data[8+headerSize:]

	type entry struct {
		name string
		info TensorInfo
	}
	entries := make([]entry, 0, len(raw))
	for name, value := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(value, &file.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tensor %s: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d) outside data section of %d bytes", name, start, end, len(payload))
		}
		entries = append(entries, entry{name: name, info: info})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].info.DataOffsets, entries[j].info.DataOffsets
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		// Empty tensors share their start offset with the next tensor.
		return order[entries[i].name] < order[entries[j].name]
	})

	file.Tensors = make([]tensor.Named, len(entries))
	for i, e := range entries {
		file.Tensors[i] = tensor.Named{
			Name:  e.name,
			DType: e.info.DType,
			Shape: e.info.Shape,
			Data:  payload[e.info.DataOffsets[0]:e.info.DataOffsets[1]],
		}
	}
	return file, nil
}

// keyOrder returns the position of each top-level key in the header object.
func keyOrder(header []byte) (map[string]int, error) {
	dec := json.NewDecoder(bytes.NewReader(header))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, fmt.Errorf("header is not an object")
	}

	order := make(map[string]int)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if tok == json.Delim('}') {
			return order, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected header token %v", tok)
		}
		if _, dup := order[key]; !dup {
			order[key] = len(order)
		}
		if err := skipValue(dec); err != nil {
			return nil, err
		}
	}
}

func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth <= 0 {
			return nil
		}
	}
}

// Decode reads a whole safetensors stream and returns its tensors.
func Decode(r io.Reader) ([]tensor.Named, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	file, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return file.Tensors, nil
}

// Encode writes tensors in the order given. The JSON header is padded with
// spaces so the data section starts on an 8-byte boundary.
func Encode(w io.Writer, tensors []tensor.Named, metadata map[string]string) error {
	var header bytes.Buffer
	header.WriteByte('{')

	first := true
	writeKey := func(key string, value interface{}) error {
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if !first {
			header.WriteByte(',')
		}
		first = false
		header.Write(k)
		header.WriteByte(':')
		header.Write(v)
		return nil
	}

	if len(metadata) > 0 {
		if err := writeKey(metadataKey, metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	var offset int64
	for _, t := range tensors {
		shape := t.Shape
		if shape == nil {
			shape = []uint64{}
		}
		info := TensorInfo{
			DType:       t.DType,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + t.ByteSize()},
		}
		if err := writeKey(t.Name, info); err != nil {
			return fmt.Errorf("failed to marshal header for %s: %w", t.Name, err)
		}
		offset += t.ByteSize()
	}
	header.WriteByte('}')

	if pad := (headerAlign - header.Len()%headerAlign) % headerAlign; pad > 0 {
		header.Write(bytes.Repeat([]byte{' '}, pad))
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(header.Len())); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", t.Name, err)
		}
	}
	return nil
}
