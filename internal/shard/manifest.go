package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	ManifestFilename = "shard_manifest.json"

	// Tool is recorded in every manifest.
	Tool = "quarrel-shard"
)

// RunInfo carries the run-level facts the manifest records.
type RunInfo struct {
	ModelName     string
	RunID         string
	Format        string
	OriginalBytes int64
	Date          time.Time
}

// Manifest is the reassembly and loading-order contract consumed by the
// progressive loader.
type Manifest struct {
	ModelName         string     `json:"model_name"`
	ShardingDate      string     `json:"sharding_date"`
	TotalShards       int        `json:"total_shards"`
	TotalSizeMB       float64    `json:"total_size_mb"`
	TotalSizeBytes    int64      `json:"total_size_bytes"`
	OriginalSizeBytes int64      `json:"original_size_bytes"`
	Mode              Mode       `json:"mode"`
	Degraded          bool       `json:"degraded"`
	Format            string     `json:"format"`
	RunID             string     `json:"run_id"`
	NumLayers         int        `json:"num_layers"`
	Shards            []Artifact `json:"shards"`
	LoadingOrder      []string   `json:"loading_order"`
	Tool              string     `json:"tool"`
	Usage             Usage      `json:"usage"`
}

// Usage holds loading hints for humans reading the manifest.
type Usage struct {
	Sequential  string `json:"sequential"`
	Progressive string `json:"progressive"`
	Web         string `json:"web"`
}

func usageFor(order []string) Usage {
	u := Usage{Web: "Point the progressive loader at this directory; it reads " + ManifestFilename + " first"}
	if len(order) == 0 {
		return u
	}
	seq := strings.Join(order, ", ")
	if len(order) > 3 {
		seq = strings.Join(order[:2], ", ") + ", ..., " + order[len(order)-1]
	}
	u.Sequential = "Load the shards in order: " + seq
	u.Progressive = "Load " + order[0] + " first, then the remaining shards in the background"
	return u
}

// BuildManifest aggregates artifacts, which must be in shard-id order and
// cover every entry of p.
func BuildManifest(info RunInfo, p *Plan, artifacts []Artifact) (*Manifest, error) {
	if len(artifacts) != p.Len() {
		return nil, fmt.Errorf("plan has %d shards but %d artifacts were written", p.Len(), len(artifacts))
	}

	date := info.Date
	if date.IsZero() {
		date = time.Now()
	}

	m := &Manifest{
		ModelName:         info.ModelName,
		ShardingDate:      date.UTC().Format(time.RFC3339),
		TotalShards:       len(artifacts),
		OriginalSizeBytes: info.OriginalBytes,
		Mode:              p.Mode,
		Degraded:          p.Degraded(),
		Format:            info.Format,
		RunID:             info.RunID,
		NumLayers:         p.LayerCount,
		Shards:            artifacts,
		LoadingOrder:      make([]string, len(artifacts)),
		Tool:              Tool,
	}
	for i, a := range artifacts {
		if a.ShardID != i || p.Entries[i].ID != i {
			return nil, fmt.Errorf("artifact %d has shard id %d", i, a.ShardID)
		}
		m.TotalSizeBytes += a.SizeBytes
		m.LoadingOrder[i] = a.Filename
	}
	// total_size_mb is the model payload; total_size_bytes is what landed on disk.
	m.TotalSizeMB = sizeMB(info.OriginalBytes)
	m.Usage = usageFor(m.LoadingOrder)
	return m, nil
}

// WriteManifest writes the manifest into dir through a temporary file and
// a rename, so readers never observe a partial manifest.
func WriteManifest(dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	data = append(data, '\n')

	path, err := writeFileAtomic(dir, ManifestFilename, data)
	if err != nil {
		return "", fmt.Errorf("manifest: %w", err)
	}
	return path, nil
}

func writeFileAtomic(dir, name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	//nolint:gosec // G302: output files are meant to be served
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return "", err
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to install %s: %w", name, err)
	}
	return path, nil
}

func ReadManifest(path string) (*Manifest, error) {
	//nolint:gosec // G304: path is supplied by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &m, nil
}
