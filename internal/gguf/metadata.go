package gguf

import (
	"fmt"
)

// ModelName returns general.name, falling back to general.architecture.
func (f *GGUFFile) ModelName() string {
	if name, ok := f.KV["general.name"].(string); ok && name != "" {
		return name
	}
	return f.Architecture()
}

func (f *GGUFFile) Architecture() string {
	arch, _ := f.KV["general.architecture"].(string)
	return arch
}

// BlockCount reads <arch>.block_count, the number of transformer layers
// the file declares. Zero when absent.
func (f *GGUFFile) BlockCount() int {
	return int(getKVInt(f.KV, f.Architecture()+".block_count"))
}

// ValidateTensors reports tensors whose data region overlaps the previous
// tensor or whose type has no known size.
func (f *GGUFFile) ValidateTensors() []string {
	var issues []string

	var end uint64
	for i, t := range f.TensorsByOffset() {
		size := t.SizeBytes()
		if size == 0 && t.NumElements() > 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): unknown size for type %s", i, t.Name, t.Type))
		}
		if i > 0 && t.Offset < end {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): offset %d overlaps previous tensor ending at %d", i, t.Name, t.Offset, end))
		}
		end = t.Offset + size
	}

	return issues
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case int:
				return uint64(v)
			}
		}
	}
	return 0
}
