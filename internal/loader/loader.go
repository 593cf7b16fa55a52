// Package loader turns a model source on the command line into a tensor
// inventory. Payloads are mapped read-only and never converted.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/quarrel-shard/internal/gguf"
	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/ollama"
	"github.com/23skdu/quarrel-shard/internal/safetensors"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

type Kind string

const (
	KindSafetensors      Kind = "safetensors"
	KindSafetensorsIndex Kind = "safetensors-index"
	KindSafetensorsDir   Kind = "safetensors-dir"
	KindGGUF             Kind = "gguf"
	KindOllama           Kind = "ollama"
)

// Model is a loaded inventory. Tensor data aliases mapped files, so the
// model must stay open until every shard has been written.
type Model struct {
	Name      string
	Kind      Kind
	Path      string
	Inventory *tensor.Inventory

	closers []io.Closer
}

func (m *Model) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// Options tweaks source resolution.
type Options struct {
	// OllamaDir overrides the Ollama models directory.
	OllamaDir string
}

// Load resolves source, which is a .safetensors file, a directory of
// safetensors files (with or without an index), a .gguf file or an
// Ollama model reference.
func Load(ctx context.Context, source string, log *logger.Logger) (*Model, error) {
	return LoadWithOptions(ctx, source, log, Options{})
}

func LoadWithOptions(ctx context.Context, source string, log *logger.Logger, opts Options) (*Model, error) {
	if log == nil {
		log = logger.Nop()
	}
	if source == "" {
		return nil, fmt.Errorf("model source is empty")
	}

	info, err := os.Stat(source)
	switch {
	case err == nil && info.IsDir():
		return loadDir(ctx, source, log)
	case err == nil:
		switch strings.ToLower(filepath.Ext(source)) {
		case safetensors.Extension:
			return loadSafetensorsFiles(ctx, KindSafetensors, source, trimExt(source), []string{source}, log)
		case gguf.Extension:
			return loadGGUF(source, trimExt(source), KindGGUF, log)
		default:
			return nil, fmt.Errorf("%s: unsupported model file (want %s or %s)", source, safetensors.Extension, gguf.Extension)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	r, err := ollama.NewResolver(opts.OllamaDir)
	if err != nil {
		return nil, err
	}
	blob, err := r.Resolve(source)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a file nor a local Ollama model: %w", source, err)
	}
	log.Debug("Resolved Ollama model", "ref", blob.Ref.String(), "blob", blob.Path, "size", blob.Size)
	return loadGGUF(blob.Path, blob.Ref.Name+"-"+blob.Ref.Tag, KindOllama, log)
}

func trimExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func loadGGUF(path, fallbackName string, kind Kind, log *logger.Logger) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, issue := range f.ValidateTensors() {
		log.Warn("GGUF tensor issue", "file", path, "issue", issue)
	}

	inv, err := f.Inventory()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	name := f.ModelName()
	if name == "" {
		name = fallbackName
	}
	log.Info("Loaded GGUF model",
		"path", path,
		"name", name,
		"arch", f.Architecture(),
		"blocks", f.BlockCount(),
		"tensors", inv.Len())

	return &Model{Name: name, Kind: kind, Path: path, Inventory: inv, closers: []io.Closer{f}}, nil
}

func loadDir(ctx context.Context, dir string, log *logger.Logger) (*Model, error) {
	name := filepath.Base(filepath.Clean(dir))

	indexPath := filepath.Join(dir, safetensors.IndexFilename)
	if _, err := os.Stat(indexPath); err == nil {
		idx, err := safetensors.ReadIndex(indexPath)
		if err != nil {
			return nil, err
		}
		files := idx.Files()
		for i, f := range files {
			files[i] = filepath.Join(dir, f)
		}
		m, err := loadSafetensorsFiles(ctx, KindSafetensorsIndex, dir, name, files, log)
		if err != nil {
			return nil, err
		}
		if err := checkIndex(idx, m.Inventory); err != nil {
			_ = m.Close()
			return nil, err
		}
		return m, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"+safetensors.Extension))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no %s files and no %s", dir, safetensors.Extension, safetensors.IndexFilename)
	}
	sort.Strings(files)
	return loadSafetensorsFiles(ctx, KindSafetensorsDir, dir, name, files, log)
}

// checkIndex requires the weight map and the loaded files to agree.
func checkIndex(idx *safetensors.Index, inv *tensor.Inventory) error {
	for name := range idx.WeightMap {
		if _, ok := inv.Lookup(name); !ok {
			return fmt.Errorf("%s lists %s but no file holds it", safetensors.IndexFilename, name)
		}
	}
	if len(idx.WeightMap) != inv.Len() {
		return fmt.Errorf("%s lists %d tensors, files hold %d", safetensors.IndexFilename, len(idx.WeightMap), inv.Len())
	}
	return nil
}

func loadSafetensorsFiles(ctx context.Context, kind Kind, path, name string, files []string, log *logger.Logger) (*Model, error) {
	m := &Model{Name: name, Kind: kind, Path: path, Inventory: tensor.NewInventory()}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			_ = m.Close()
			return nil, err
		}
		f, err := safetensors.Open(file)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.closers = append(m.closers, f)

		for _, t := range f.Tensors {
			if err := m.Inventory.Add(t); err != nil {
				_ = m.Close()
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}
		log.Debug("Loaded safetensors file", "file", file, "tensors", len(f.Tensors))
	}

	log.Info("Loaded safetensors model",
		"path", path,
		"name", name,
		"files", len(files),
		"tensors", m.Inventory.Len(),
		"bytes", m.Inventory.TotalBytes())
	return m, nil
}
