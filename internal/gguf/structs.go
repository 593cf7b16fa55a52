package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	DefaultAlignment = 32

	Extension = ".gguf"
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeI8   GGMLType = 24
	GGMLTypeI16  GGMLType = 25
	GGMLTypeI32  GGMLType = 26
	GGMLTypeI64  GGMLType = 27
	GGMLTypeF64  GGMLType = 28
	GGMLTypeBF16 GGMLType = 30
)

// blockLayout is (elements per block, bytes per block).
var blockLayout = map[GGMLType][2]uint64{
	GGMLTypeF32:  {1, 4},
	GGMLTypeF16:  {1, 2},
	GGMLTypeQ4_0: {32, 18},
	GGMLTypeQ4_1: {32, 20},
	GGMLTypeQ5_0: {32, 22},
	GGMLTypeQ5_1: {32, 24},
	GGMLTypeQ8_0: {32, 34},
	GGMLTypeQ8_1: {32, 36},
	GGMLTypeQ2_K: {256, 84},
	GGMLTypeQ3_K: {256, 110},
	GGMLTypeQ4_K: {256, 144},
	GGMLTypeQ5_K: {256, 176},
	GGMLTypeQ6_K: {256, 210},
	GGMLTypeQ8_K: {256, 292},
	GGMLTypeI8:   {1, 1},
	GGMLTypeI16:  {1, 2},
	GGMLTypeI32:  {1, 4},
	GGMLTypeI64:  {1, 8},
	GGMLTypeF64:  {1, 8},
	GGMLTypeBF16: {1, 2},
}

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension, innermost first
	Type       GGMLType
	Offset     uint64 // Offset relative to data start
	Data       []byte // Byte slice into the mmap'd file, exactly SizeBytes long
}

func (t *TensorInfo) NumElements() uint64 {
	numElements := uint64(1)
	for _, d := range t.Dimensions {
		numElements *= d
	}
	return numElements
}

// SizeBytes returns the encoded size of the tensor, or 0 for an unknown type.
func (t *TensorInfo) SizeBytes() uint64 {
	layout, ok := blockLayout[t.Type]
	if !ok {
		return 0
	}
	return (t.NumElements() / layout[0]) * layout[1]
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // The raw mmap'd data
	DataOffset uint64 // Offset where the tensor data starts
	Alignment  uint64

	mapped bool
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Error types
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

var typeNames = map[GGMLType]string{
	GGMLTypeF32:  "F32",
	GGMLTypeF16:  "F16",
	GGMLTypeQ4_0: "Q4_0",
	GGMLTypeQ4_1: "Q4_1",
	GGMLTypeQ5_0: "Q5_0",
	GGMLTypeQ5_1: "Q5_1",
	GGMLTypeQ8_0: "Q8_0",
	GGMLTypeQ8_1: "Q8_1",
	GGMLTypeQ2_K: "Q2_K",
	GGMLTypeQ3_K: "Q3_K",
	GGMLTypeQ4_K: "Q4_K",
	GGMLTypeQ5_K: "Q5_K",
	GGMLTypeQ6_K: "Q6_K",
	GGMLTypeQ8_K: "Q8_K",
	GGMLTypeI8:   "I8",
	GGMLTypeI16:  "I16",
	GGMLTypeI32:  "I32",
	GGMLTypeI64:  "I64",
	GGMLTypeF64:  "F64",
	GGMLTypeBF16: "BF16",
}

func (t GGMLType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
}

// ParseGGMLType is the inverse of GGMLType.String. It accepts the dtype
// names used by safetensors headers, which share the same spelling.
func ParseGGMLType(s string) (GGMLType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("no GGML type for dtype %q", s)
}
