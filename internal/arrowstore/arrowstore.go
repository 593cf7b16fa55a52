// Package arrowstore stores a shard as an Arrow IPC file holding one record
// batch with a row per tensor.
package arrowstore

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const Extension = ".arrow"

// Column order is part of the file format.
const (
	colName = iota
	colDType
	colShape
	colData
)

var fields = []arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64)},
	{Name: "data", Type: arrow.BinaryTypes.LargeBinary},
}

// Schema returns the tensor schema with meta attached as schema metadata.
func Schema(meta map[string]string) *arrow.Schema {
	if len(meta) == 0 {
		return arrow.NewSchema(fields, nil)
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = meta[k]
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(fields, &md)
}

// BuildRecord converts tensors into one record in the order given. The
// caller releases the record.
func BuildRecord(mem memory.Allocator, schema *arrow.Schema, tensors []tensor.Named) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(colName).(*array.StringBuilder)
	dtypes := b.Field(colDType).(*array.StringBuilder)
	shapes := b.Field(colShape).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Uint64Builder)
	data := b.Field(colData).(*array.BinaryBuilder)

	for _, t := range tensors {
		names.Append(t.Name)
		dtypes.Append(t.DType)
		shapes.Append(true)
		dims.AppendValues(t.Shape, nil)
		data.Append(t.Data)
	}

	return b.NewRecord()
}

// ReadRecord converts a record built by BuildRecord back into tensors.
// Payloads are copied so they outlive the record.
func ReadRecord(rec arrow.Record) ([]tensor.Named, error) {
	if int(rec.NumCols()) != len(fields) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(fields), rec.NumCols())
	}
	names, ok := rec.Column(colName).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column %q has type %s", fields[colName].Name, rec.Column(colName).DataType())
	}
	dtypes, ok := rec.Column(colDType).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column %q has type %s", fields[colDType].Name, rec.Column(colDType).DataType())
	}
	shapes, ok := rec.Column(colShape).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q has type %s", fields[colShape].Name, rec.Column(colShape).DataType())
	}
	dims, ok := shapes.ListValues().(*array.Uint64)
	if !ok {
		return nil, fmt.Errorf("shape values have type %s", shapes.ListValues().DataType())
	}
	data, ok := rec.Column(colData).(*array.LargeBinary)
	if !ok {
		return nil, fmt.Errorf("column %q has type %s", fields[colData].Name, rec.Column(colData).DataType())
	}

	out := make([]tensor.Named, rec.NumRows())
	for i := range out {
		start, end := shapes.ValueOffsets(i)
		shape := make([]uint64, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, dims.Value(int(j)))
		}
		out[i] = tensor.Named{
			Name:  names.Value(i),
			DType: dtypes.Value(i),
			Shape: shape,
			Data:  append([]byte(nil), data.Value(i)...),
		}
	}
	return out, nil
}

// Encode writes tensors as an Arrow IPC file with a single record batch.
func Encode(w io.Writer, tensors []tensor.Named, meta map[string]string) error {
	mem := memory.NewGoAllocator()
	schema := Schema(meta)

	rec := BuildRecord(mem, schema, tensors)
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("failed to create IPC writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return nil
}

// Decode reads every record batch of an Arrow IPC file written by Encode.
func Decode(r io.Reader) ([]tensor.Named, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()
	fr, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC file: %w", err)
	}
	defer fr.Close()

	var out []tensor.Named
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		ts, err := ReadRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, ts...)
	}
	return out, nil
}
