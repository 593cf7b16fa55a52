package shard

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"github.com/23skdu/quarrel-shard/internal/tensor"
)

// ShardCheck is the verification outcome for one shard file.
type ShardCheck struct {
	ShardID  int
	Filename string
	Tensors  int
	Bytes    int64
	Problems []string
}

func (c ShardCheck) OK() bool { return len(c.Problems) == 0 }

// Report collects every problem found; an empty report means the output
// directory honors its manifest.
type Report struct {
	Manifest *Manifest
	Shards   []ShardCheck
	Problems []string
}

func (r *Report) OK() bool {
	if len(r.Problems) > 0 {
		return false
	}
	for _, s := range r.Shards {
		if !s.OK() {
			return false
		}
	}
	return true
}

func (r *Report) problemf(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify reloads every shard listed in dir's manifest and checks sizes,
// checksums, tensor lists and the loading order. Errors are returned only
// when the manifest itself cannot be read.
func Verify(dir string) (*Report, error) {
	m, err := ReadManifest(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}
	format, err := LookupFormat(m.Format)
	if err != nil {
		return nil, err
	}

	r := &Report{Manifest: m}
	if m.TotalShards != len(m.Shards) {
		r.problemf("total_shards is %d but %d shards are listed", m.TotalShards, len(m.Shards))
	}
	if len(m.LoadingOrder) != len(m.Shards) {
		r.problemf("loading_order has %d entries for %d shards", len(m.LoadingOrder), len(m.Shards))
	}

	seen := make(map[string]int)
	var total int64
	for i, s := range m.Shards {
		check := ShardCheck{ShardID: s.ShardID, Filename: s.Filename}
		if s.ShardID != i {
			check.Problems = append(check.Problems, fmt.Sprintf("listed at position %d", i))
		}
		if i < len(m.LoadingOrder) && m.LoadingOrder[i] != s.Filename {
			check.Problems = append(check.Problems, fmt.Sprintf("loading_order[%d] is %s", i, m.LoadingOrder[i]))
		}
		for _, name := range s.Tensors {
			if prev, dup := seen[name]; dup {
				check.Problems = append(check.Problems, fmt.Sprintf("tensor %s also in shard %d", name, prev))
			}
			seen[name] = s.ShardID
		}

		tensors, size, problems := checkShard(filepath.Join(dir, s.Filename), format, s)
		check.Tensors = len(tensors)
		check.Bytes = size
		check.Problems = append(check.Problems, problems...)
		total += size

		r.Shards = append(r.Shards, check)
	}

	if total != m.TotalSizeBytes {
		r.problemf("total_size_bytes is %d but shards add up to %d", m.TotalSizeBytes, total)
	}
	return r, nil
}

func checkShard(path string, format Format, a Artifact) ([]tensor.Named, int64, []string) {
	//nolint:gosec // G304: path comes from the manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, []string{err.Error()}
	}

	var problems []string
	size := int64(len(data))
	if size != a.SizeBytes {
		problems = append(problems, fmt.Sprintf("size is %d, manifest says %d", size, a.SizeBytes))
	}
	if sum := Checksum(xxh3.Hash(data)); sum != a.Checksum {
		problems = append(problems, fmt.Sprintf("checksum is %s, manifest says %s", sum, a.Checksum))
	}

	tensors, err := format.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, size, append(problems, fmt.Sprintf("decode: %v", err))
	}
	if len(tensors) != a.TensorCount {
		problems = append(problems, fmt.Sprintf("holds %d tensors, manifest says %d", len(tensors), a.TensorCount))
	}
	if len(tensors) != len(a.Tensors) {
		problems = append(problems, fmt.Sprintf("holds %d tensors, manifest lists %d", len(tensors), len(a.Tensors)))
		return tensors, size, problems
	}
	for i, t := range tensors {
		if t.Name != a.Tensors[i] {
			problems = append(problems, fmt.Sprintf("tensor %d is %s, manifest lists %s", i, t.Name, a.Tensors[i]))
		}
	}
	return tensors, size, problems
}

// Reassemble loads every shard in loading order and rebuilds the inventory.
func Reassemble(dir string) (*tensor.Inventory, error) {
	m, err := ReadManifest(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}
	format, err := LookupFormat(m.Format)
	if err != nil {
		return nil, err
	}

	inv := tensor.NewInventory()
	for _, name := range m.LoadingOrder {
		//nolint:gosec // G304: path comes from the manifest
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		tensors, err := format.Decode(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		for _, t := range tensors {
			if err := inv.Add(t); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return inv, nil
}
