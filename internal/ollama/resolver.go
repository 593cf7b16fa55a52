package ollama

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Ref is a parsed model reference such as "llama3", "llama3:8b",
// "user/model:q4" or "host/ns/model:tag".
type Ref struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Namespace, r.Name, r.Tag)
}

// ParseRef fills in the default registry, namespace and tag.
func ParseRef(s string) (Ref, error) {
	ref := Ref{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}

	path := s
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "/") {
		path, ref.Tag = s[:i], s[i+1:]
	}

	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return Ref{}, fmt.Errorf("invalid model reference %q", s)
	}

	for _, p := range []string{ref.Registry, ref.Namespace, ref.Name, ref.Tag} {
		if p == "" || p == "." || p == ".." {
			return Ref{}, fmt.Errorf("invalid model reference %q", s)
		}
	}
	return ref, nil
}

func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Blob is the GGUF layer of a locally pulled model.
type Blob struct {
	Ref    Ref
	Digest string
	Path   string
	Size   int64
}

// Resolver looks models up in an Ollama models directory.
type Resolver struct {
	Dir string
}

// NewResolver uses dir, or the Ollama default when dir is empty.
func NewResolver(dir string) (*Resolver, error) {
	if dir == "" {
		var err error
		if dir, err = GetOllamaDir(); err != nil {
			return nil, err
		}
	}
	return &Resolver{Dir: dir}, nil
}

// Resolve finds the model blob for s. The blob size must match the size
// recorded in the manifest.
func (r *Resolver) Resolve(s string) (*Blob, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(r.Dir, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
	//nolint:gosec // G304: path is built from a parsed model reference
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("model manifest not found at %s", manifestPath)
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", manifestPath, err)
	}

	var layer *Layer
	for i := range m.Layers {
		if m.Layers[i].MediaType == MediaTypeModel {
			layer = &m.Layers[i]
			break
		}
	}
	if layer == nil {
		return nil, fmt.Errorf("no model layer found in manifest for %s", ref)
	}

	// Digest "sha256:<hash>" is stored as blobs/sha256-<hash>.
	blobPath := filepath.Join(r.Dir, "blobs", strings.Replace(layer.Digest, ":", "-", 1))
	info, err := os.Stat(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("model blob not found at %s", blobPath)
		}
		return nil, err
	}
	if layer.Size > 0 && info.Size() != layer.Size {
		return nil, fmt.Errorf("model blob %s is %d bytes, manifest says %d", blobPath, info.Size(), layer.Size)
	}

	return &Blob{Ref: ref, Digest: layer.Digest, Path: blobPath, Size: info.Size()}, nil
}

// ResolveModelPath resolves s against the default models directory.
func ResolveModelPath(s string) (string, error) {
	r, err := NewResolver("")
	if err != nil {
		return "", err
	}
	b, err := r.Resolve(s)
	if err != nil {
		return "", err
	}
	return b.Path, nil
}
