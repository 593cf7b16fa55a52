package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"syscall"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const headerSize = 24

// LoadFile maps a GGUF file into memory and parses headers/metadata.
// Tensor Data slices point into the mapping and stay valid until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < headerSize {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Parse reads a GGUF image that is already in memory.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < headerSize {
		return nil, io.ErrUnexpectedEOF
	}
	return parse(data)
}

func parse(data []byte) (*GGUFFile, error) {
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	offset := uint64(0)

	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4

	// We support version 2 and 3
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if !fits(data, offset, 4) {
			return nil, io.ErrUnexpectedEOF
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", k, err)
		}
		offset += n

		file.KV[k] = val
	}

	// Read Tensor Infos
	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if !fits(data, offset, 4) {
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if !fits(data, offset, uint64(dims)*8+12) {
			return nil, io.ErrUnexpectedEOF
		}
		dimArr := make([]uint64, dims)
		for j := uint32(0); j < dims; j++ {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	// The offsets in TensorInfo are relative to the end of the header block + alignment padding.
	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid alignment 0")
	}
	file.Alignment = alignment

	offset = alignUp(offset, alignment)
	file.DataOffset = offset

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		if size == 0 && t.NumElements() > 0 {
			return nil, fmt.Errorf("tensor %s: unsupported type %v", t.Name, t.Type)
		}
		if !fits(data, offset, t.Offset) || !fits(data, offset+t.Offset, size) {
			return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
		}
		absOffset := offset + t.Offset
		t.Data = data[absOffset : absOffset+size]
	}

	return file, nil
}

func alignUp(offset, alignment uint64) uint64 {
	padding := alignment - (offset % alignment)
	if padding != alignment {
		offset += padding
	}
	return offset
}

// fits reports whether n bytes starting at offset lie inside data.
// Lengths come straight from the file, so the sum is never formed.
func fits(data []byte, offset, n uint64) bool {
	size := uint64(len(data))
	return offset <= size && n <= size-offset
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if !fits(data, offset, 8) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])

	if !fits(data, offset+8, length) {
		return "", 0, io.ErrUnexpectedEOF
	}

	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

var scalarSizes = map[GGUFMetadataValueType]uint64{
	GGUFMetadataValueTypeUint8:   1,
	GGUFMetadataValueTypeInt8:    1,
	GGUFMetadataValueTypeBool:    1,
	GGUFMetadataValueTypeUint16:  2,
	GGUFMetadataValueTypeInt16:   2,
	GGUFMetadataValueTypeUint32:  4,
	GGUFMetadataValueTypeInt32:   4,
	GGUFMetadataValueTypeFloat32: 4,
	GGUFMetadataValueTypeUint64:  8,
	GGUFMetadataValueTypeInt64:   8,
	GGUFMetadataValueTypeFloat64: 8,
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	if n, ok := scalarSizes[typ]; ok && !fits(data, offset, n) {
		return nil, 0, io.ErrUnexpectedEOF
	}

	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		// Read type, then len, then elements
		if !fits(data, offset, 12) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		currentOff := offset + 12

		var arr []interface{}
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// Close releases a mapping created by LoadFile. Files from Parse own no mapping.
func (f *GGUFFile) Close() error {
	if !f.mapped || f.Data == nil {
		return nil
	}
	data := f.Data
	f.Data = nil
	return syscall.Munmap(data)
}

// Inventory converts the tensor table into a tensor inventory in file
// order. Shapes are reported outermost-first, the reverse of GGUF ne order.
func (f *GGUFFile) Inventory() (*tensor.Inventory, error) {
	inv := tensor.NewInventory()
	for _, t := range f.Tensors {
		err := inv.Add(tensor.Named{
			Name:  t.Name,
			DType: t.Type.String(),
			Shape: reversed(t.Dimensions),
			Data:  t.Data,
		})
		if err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// TensorsByOffset returns the tensor table sorted by data offset.
func (f *GGUFFile) TensorsByOffset() []*TensorInfo {
	sorted := make([]*TensorInfo, len(f.Tensors))
	copy(sorted, f.Tensors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	return sorted
}

func reversed(dims []uint64) []uint64 {
	out := make([]uint64, len(dims))
	for i, d := range dims {
		out[len(dims)-1-i] = d
	}
	return out
}
