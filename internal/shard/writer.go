package shard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/metrics"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

const writeBufferSize = 1 << 20

// ShardWriteError reports which shard failed and where.
type ShardWriteError struct {
	ShardID int
	Path    string
	Err     error
}

func (e *ShardWriteError) Error() string {
	return fmt.Sprintf("write shard %d (%s): %v", e.ShardID, e.Path, e.Err)
}

func (e *ShardWriteError) Unwrap() error { return e.Err }

// Artifact describes a shard file that was written successfully.
type Artifact struct {
	ShardID     int      `json:"shard_id"`
	Filename    string   `json:"filename"`
	TensorCount int      `json:"num_tensors"`
	SizeMB      float64  `json:"size_mb"`
	SizeBytes   int64    `json:"size_bytes"`
	Checksum    string   `json:"checksum"`
	LayerRange  *[2]int  `json:"layer_range,omitempty"`
	ParamRange  *[2]int  `json:"param_range,omitempty"`
	Tensors     []string `json:"tensors"`
}

// Filename names shard id of total. The index is zero-padded to at least
// two digits and to the width of total-1, so lexical order is shard order.
func Filename(id, total int, ext string) string {
	width := len(strconv.Itoa(total - 1))
	if width < 2 {
		width = 2
	}
	return fmt.Sprintf("shard_%0*d%s", width, id, ext)
}

// Checksum formats an xxh3-64 digest the way the manifest stores it.
func Checksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

func sizeMB(b int64) float64 {
	return math.Round(float64(b)/(1024*1024)*100) / 100
}

// Writer externalizes plan entries into shard files under Dir.
type Writer struct {
	Format      Format
	Dir         string
	Parallelism int
	Log         *logger.Logger

	// Meta is stamped into every shard next to shard.id and shard.count.
	Meta map[string]string
}

func (w *Writer) log() *logger.Logger {
	if w.Log == nil {
		return logger.Nop()
	}
	return w.Log
}

// WriteShard encodes the entry's tensors in entry order and reports the
// realized file size and checksum.
func (w *Writer) WriteShard(ctx context.Context, e Entry, inv *tensor.Inventory, total int) (Artifact, error) {
	name := Filename(e.ID, total, w.Format.Ext)
	path := filepath.Join(w.Dir, name)
	fail := func(err error) (Artifact, error) {
		metrics.RecordShardWriteFailure(w.Format.Name)
		return Artifact{}, &ShardWriteError{ShardID: e.ID, Path: path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	tensors, err := inv.Subset(e.Tensors)
	if err != nil {
		return fail(err)
	}

	meta := make(map[string]string, len(w.Meta)+2)
	for k, v := range w.Meta {
		meta[k] = v
	}
	meta["shard.id"] = strconv.Itoa(e.ID)
	meta["shard.count"] = strconv.Itoa(total)

	start := time.Now()
	sum, err := w.encodeFile(path, tensors, meta)
	if err != nil {
		return fail(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(err)
	}
	metrics.RecordShardWrite(w.Format.Name, info.Size(), time.Since(start))

	w.log().Debug("Shard written",
		"shard_id", e.ID,
		"file", name,
		"tensors", len(tensors),
		"bytes", info.Size(),
		"duration", time.Since(start))

	return Artifact{
		ShardID:     e.ID,
		Filename:    name,
		TensorCount: len(tensors),
		SizeMB:      sizeMB(info.Size()),
		SizeBytes:   info.Size(),
		Checksum:    Checksum(sum),
		LayerRange:  e.LayerRange,
		ParamRange:  e.ParamRange,
		Tensors:     e.Tensors,
	}, nil
}

func (w *Writer) encodeFile(path string, tensors []tensor.Named, meta map[string]string) (uint64, error) {
	//nolint:gosec // G304: path is built from the output directory
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	h := xxh3.New()
	bw := bufio.NewWriterSize(io.MultiWriter(f, h), writeBufferSize)

	err = w.Format.Encode(bw, tensors, meta)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// WriteAll writes every entry of p with at most Parallelism writes in
// flight. The first failure cancels the writes that have not started and
// is returned. Artifacts come back in shard-id order.
func (w *Writer) WriteAll(ctx context.Context, p *Plan, inv *tensor.Inventory) ([]Artifact, error) {
	limit := w.Parallelism
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	total := p.Len()
	artifacts := make([]Artifact, total)
	for i, e := range p.Entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a, err := w.WriteShard(gctx, e, inv, total)
			if err != nil {
				return err
			}
			artifacts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return artifacts, nil
}
