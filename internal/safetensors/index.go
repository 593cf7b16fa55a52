package safetensors

import (
	"fmt"
	"os"
	"sort"

	json "github.com/goccy/go-json"
)

// IndexFilename is the index HuggingFace writes next to multi-file checkpoints.
const IndexFilename = "model.safetensors.index.json"

// Index maps every tensor name to the checkpoint file that holds it.
type Index struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", path)
	}
	return &idx, nil
}

// Files returns the distinct checkpoint files in lexical order, which is
// the numbered order of model-0000N-of-0000M names.
func (idx *Index) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, f := range idx.WeightMap {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
