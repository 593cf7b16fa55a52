package shard

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/23skdu/quarrel-shard/internal/arrowstore"
	"github.com/23skdu/quarrel-shard/internal/gguf"
	"github.com/23skdu/quarrel-shard/internal/safetensors"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

var ErrUnknownFormat = errors.New("unknown shard format")

// Encoder writes tensors in the order given, tagging the artifact with meta.
type Encoder func(w io.Writer, tensors []tensor.Named, meta map[string]string) error

// Decoder reads back everything an Encoder wrote.
type Decoder func(r io.Reader) ([]tensor.Named, error)

// Format is one on-disk shard encoding.
type Format struct {
	Name   string
	Ext    string
	Encode Encoder
	Decode Decoder
}

var formats = map[string]Format{
	"safetensors": {Name: "safetensors", Ext: safetensors.Extension, Encode: safetensors.Encode, Decode: safetensors.Decode},
	"gguf":        {Name: "gguf", Ext: gguf.Extension, Encode: gguf.Encode, Decode: gguf.Decode},
	"arrow":       {Name: "arrow", Ext: arrowstore.Extension, Encode: arrowstore.Encode, Decode: arrowstore.Decode},
}

func LookupFormat(name string) (Format, error) {
	f, ok := formats[name]
	if !ok {
		return Format{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFormat, name, FormatNames())
	}
	return f, nil
}

// FormatNames lists the registered formats in sorted order.
func FormatNames() []string {
	names := make([]string, 0, len(formats))
	for n := range formats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
